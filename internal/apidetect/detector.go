// Package apidetect decides whether a service exposes a REST API, using
// discovery labels, a table of well-known applications, and path probing.
package apidetect

import (
	"context"
	"strings"
	"time"

	"github.com/HerbHall/labdash/internal/probe"
	"github.com/HerbHall/labdash/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultProbeTimeout bounds each candidate path request.
const DefaultProbeTimeout = 3 * time.Second

// CommonPaths are probed in order until one answers.
var CommonPaths = []string{
	"/api",
	"/api/v1",
	"/api/v2",
	"/api/v3",
	"/api/v1/system/status",
	"/api/v2/app/version",
	"/api/v2/auth/login",
	"/api/v3/system/status",
	"/api/system/status",
	"/api/version",
	"/api/status",
	"/api/health",
	"/health",
	"/healthz",
	"/System/Info/Public",
	"/identity",
	"/docs",
	"/swagger",
	"/api-docs",
}

// Source records which rule produced a detection.
type Source string

const (
	SourceLabels      Source = "labels"
	SourceKnownApp    Source = "known-app"
	SourceProbe       Source = "probe"
	SourceCredentials Source = "credentials"
)

// Target is the service being inspected.
type Target struct {
	Name    string
	BaseURL string
	Labels  map[string]string
}

// Result is the detection outcome. Absence of an API is Found=false, not an error.
type Result struct {
	Found    bool   `json:"found"`
	URL      string `json:"url,omitempty"`
	Type     string `json:"type,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Source   Source `json:"source,omitempty"`
	Probes   int    `json:"probes"`
	// Skipped is set when policy suppressed detection; see Decision.
	Skipped Decision `json:"skipped,omitempty"`
}

// Detector runs detection for one target at a time; it is safe for
// concurrent use.
type Detector struct {
	prober  probe.Prober
	timeout time.Duration
	paths   []string
	pacer   *rate.Limiter
	logger  *zap.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithPaths overrides CommonPaths.
func WithPaths(paths []string) Option {
	return func(d *Detector) { d.paths = paths }
}

// WithRate caps outbound probe requests per second across all targets.
// Zero or negative disables pacing.
func WithRate(perSecond float64, burst int) Option {
	return func(d *Detector) {
		if perSecond <= 0 {
			d.pacer = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		d.pacer = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewDetector creates a detector. The prober should not follow redirects so
// a 3xx on a candidate path is classified on its own.
func NewDetector(p probe.Prober, timeout time.Duration, logger *zap.Logger, opts ...Option) *Detector {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		prober:  p,
		timeout: timeout,
		paths:   CommonPaths,
		logger:  logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect applies labels, then the known-app table, then path probing.
func (d *Detector) Detect(ctx context.Context, t Target) Result {
	base := strings.TrimRight(t.BaseURL, "/")

	if typ, endpoint, ok := labelDeclaration(t.Labels); ok {
		d.logger.Debug("api declared by labels",
			zap.String("service", t.Name),
			zap.String("type", typ),
		)
		return Result{Found: true, URL: base, Type: typ, Endpoint: endpoint, Source: SourceLabels}
	}

	hint := typeHint(t.Labels)
	for _, candidate := range []string{t.Name, hint} {
		if app, ok := LookupKnown(candidate); ok {
			return Result{Found: true, URL: base, Type: app.Type, Endpoint: app.Endpoint, Source: SourceKnownApp}
		}
	}

	res := Result{Source: SourceProbe}
	for _, path := range d.paths {
		if ctx.Err() != nil {
			break
		}
		if d.pacer != nil {
			if err := d.pacer.Wait(ctx); err != nil {
				break
			}
		}
		res.Probes++
		pr := d.prober.Probe(ctx, base+path, d.timeout)
		if pr.Status != models.StatusUp {
			continue
		}
		d.logger.Debug("api endpoint answered",
			zap.String("service", t.Name),
			zap.String("path", path),
			zap.Int("status_code", pr.StatusCode),
		)
		res.Found = true
		res.URL = base
		res.Endpoint = path
		res.Type = inferType(t.Name, hint)
		return res
	}

	d.logger.Debug("no api endpoint found",
		zap.String("service", t.Name),
		zap.Int("probes", res.Probes),
	)
	res.Source = ""
	return res
}

// inferType prefers a label hint, then the compacted service name, else "custom".
func inferType(name, hint string) string {
	if hint != "" {
		return hint
	}
	compact := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "")
	if len(compact) > 2 {
		return compact
	}
	return "custom"
}
