// Package probe issues single HTTP health probes and resolves which scheme
// a bare host answers on.
package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/labdash/internal/version"
	"github.com/HerbHall/labdash/pkg/models"
)

// DefaultMaxRedirects bounds redirect chains followed by a probe.
const DefaultMaxRedirects = 10

// Result is the outcome of one probe. Probe never returns an error; every
// failure is folded into Status and ErrorKind.
type Result struct {
	Status         models.ServiceStatus `json:"status"`
	StatusCode     int                  `json:"status_code,omitempty"`
	ResponseTimeMs int64                `json:"response_time_ms"`
	ErrorKind      models.FaultKind     `json:"error_kind,omitempty"`
	Error          string               `json:"error,omitempty"`
	CheckedAt      time.Time            `json:"checked_at"`
}

// Responded reports whether the target produced any HTTP response.
func (r Result) Responded() bool {
	return r.StatusCode != 0
}

// Prober checks the health of a URL.
type Prober interface {
	Probe(ctx context.Context, url string, timeout time.Duration) Result
}

var _ Prober = (*HTTPProber)(nil)

// HTTPProber sends GET requests. Self-signed certificates are accepted since
// homelab services rarely carry publicly trusted ones.
type HTTPProber struct {
	transport    http.RoundTripper
	userAgent    string
	maxRedirects int
}

// Option configures an HTTPProber.
type Option func(*HTTPProber)

// WithTransport overrides the round tripper (tests).
func WithTransport(rt http.RoundTripper) Option {
	return func(p *HTTPProber) { p.transport = rt }
}

// WithMaxRedirects overrides DefaultMaxRedirects.
func WithMaxRedirects(n int) Option {
	return func(p *HTTPProber) { p.maxRedirects = n }
}

// NewHTTPProber creates a prober with a keep-alive-free transport.
func NewHTTPProber(opts ...Option) *HTTPProber {
	p := &HTTPProber{
		transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, //nolint:gosec // G402: homelab services use self-signed certs
			DisableKeepAlives:   true,
			TLSHandshakeTimeout: 5 * time.Second,
		},
		userAgent:    version.UserAgent(),
		maxRedirects: DefaultMaxRedirects,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *HTTPProber) client(timeout time.Duration, max int) *http.Client {
	return &http.Client{
		Transport: p.transport,
		Timeout:   timeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= max {
				// Classify on the last redirect response instead of failing.
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// Probe sends one GET and classifies the final status code. Content is not read.
func (p *HTTPProber) Probe(ctx context.Context, target string, timeout time.Duration) Result {
	return p.probe(ctx, target, timeout, p.maxRedirects)
}

func (p *HTTPProber) probe(ctx context.Context, target string, timeout time.Duration, maxRedirects int) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return Result{
			Status:    models.StatusDown,
			ErrorKind: models.FaultOther,
			Error:     fmt.Sprintf("invalid URL %q: %v", target, err),
			CheckedAt: time.Now().UTC(),
		}
	}
	req.Header.Set("User-Agent", p.userAgent)

	start := time.Now()
	resp, err := p.client(timeout, maxRedirects).Do(req)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		return Result{
			Status:         models.StatusDown,
			ResponseTimeMs: elapsed,
			ErrorKind:      ClassifyError(err),
			Error:          err.Error(),
			CheckedAt:      time.Now().UTC(),
		}
	}
	resp.Body.Close()

	res := Result{
		Status:         Classify(resp.StatusCode),
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: elapsed,
		CheckedAt:      time.Now().UTC(),
	}
	if res.Status == models.StatusDown {
		res.ErrorKind = models.FaultHTTPStatus
		res.Error = fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return res
}

// Connect reports whether target accepts an HTTP exchange at all. Any status
// code counts as connected, redirects included: the Location is not
// followed, so only transport-level failures at target return an error.
func (p *HTTPProber) Connect(ctx context.Context, target string, timeout time.Duration) error {
	res := p.probe(ctx, target, timeout, 0)
	if res.Responded() {
		return nil
	}
	return &ConnectError{URL: target, Kind: res.ErrorKind, Msg: res.Error}
}

// Classify maps an HTTP status code to a service status. Auth and method
// rejections count as up: the service answered.
func Classify(code int) models.ServiceStatus {
	switch {
	case code >= 200 && code < 400:
		return models.StatusUp
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusMethodNotAllowed:
		return models.StatusUp
	default:
		return models.StatusDown
	}
}

// ConnectError is returned by Connect for transport-level failures.
type ConnectError struct {
	URL  string
	Kind models.FaultKind
	Msg  string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %s", e.URL, e.Kind, e.Msg)
}
