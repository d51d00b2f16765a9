// Package traefik lists HTTP routers from a Traefik control-plane API and
// maps them to candidate service records.
package traefik

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrSourceUnavailable is matched by every error ListRouters returns,
// including the not-configured case.
var ErrSourceUnavailable = errors.New("discovery source unavailable")

// SourceUnavailableError carries the failing operation and its cause.
type SourceUnavailableError struct {
	Op  string
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("traefik %s: %v", e.Op, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSourceUnavailable) true.
func (e *SourceUnavailableError) Is(target error) bool { return target == ErrSourceUnavailable }

var errNotConfigured = errors.New("api_url not configured")

// Config holds connection settings for the Traefik API.
type Config struct {
	APIURL         string        `mapstructure:"api_url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Timeout        time.Duration `mapstructure:"timeout"`
	VersionTimeout time.Duration `mapstructure:"version_timeout"`
	PageSize       int           `mapstructure:"page_size"`
}

// DefaultConfig returns the timeouts used when none are configured.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		VersionTimeout: 5 * time.Second,
		PageSize:       100,
	}
}

// Configured reports whether an API URL is set.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.APIURL) != ""
}

// Router is the subset of Traefik's router object LabDash reads.
type Router struct {
	Name        string          `json:"name"`
	Rule        string          `json:"rule"`
	Service     string          `json:"service"`
	Provider    string          `json:"provider"`
	Status      string          `json:"status"`
	EntryPoints []string        `json:"entryPoints"`
	TLS         json.RawMessage `json:"tls,omitempty"`
}

// HasTLS reports whether the router carries a TLS section.
func (r Router) HasTLS() bool {
	t := strings.TrimSpace(string(r.TLS))
	return t != "" && t != "null"
}

// VersionInfo is the body of GET /api/version.
type VersionInfo struct {
	Version  string `json:"Version"`
	Codename string `json:"Codename"`
}

// Client is a thin wrapper over the Traefik API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a client. An empty APIURL yields a client whose calls
// all fail with ErrSourceUnavailable.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.VersionTimeout <= 0 {
		cfg.VersionTimeout = def.VersionTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
	}
}

// Configured reports whether the client has an API URL.
func (c *Client) Configured() bool {
	return c.cfg.Configured()
}

// Version fetches the Traefik version; it doubles as the availability check.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	if !c.Configured() {
		return nil, &SourceUnavailableError{Op: "version", Err: errNotConfigured}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.VersionTimeout)
	defer cancel()

	var v VersionInfo
	if _, err := c.getJSON(ctx, "/version", &v); err != nil {
		return nil, &SourceUnavailableError{Op: "version", Err: err}
	}
	return &v, nil
}

// Routers fetches every HTTP router, following X-Next-Page pagination.
func (c *Client) Routers(ctx context.Context) ([]Router, error) {
	if !c.Configured() {
		return nil, &SourceUnavailableError{Op: "list routers", Err: errNotConfigured}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var all []Router
	for page := 1; page > 0; {
		var batch []Router
		path := fmt.Sprintf("/http/routers?page=%d&per_page=%d", page, c.cfg.PageSize)
		hdr, err := c.getJSON(ctx, path, &batch)
		if err != nil {
			return nil, &SourceUnavailableError{Op: "list routers", Err: err}
		}
		all = append(all, batch...)

		next, _ := strconv.Atoi(hdr.Get("X-Next-Page"))
		if next <= page {
			break
		}
		page = next
	}
	return all, nil
}

// ListRouters checks availability, lists routers, and maps them to
// descriptors. Internal and unparsable routers are skipped.
func (c *Client) ListRouters(ctx context.Context) ([]RouterDescriptor, error) {
	if _, err := c.Version(ctx); err != nil {
		return nil, err
	}
	routers, err := c.Routers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RouterDescriptor, 0, len(routers))
	for _, r := range routers {
		d, err := Describe(r)
		if err != nil {
			c.logger.Debug("skipping router",
				zap.String("router", r.Name),
				zap.String("rule", r.Rule),
				zap.Error(err),
			)
			continue
		}
		out = append(out, d)
	}
	c.logger.Debug("traefik routers listed",
		zap.Int("total", len(routers)),
		zap.Int("usable", len(out)),
	)
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Username != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("traefik API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.Header, nil
}
