package probe

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Scheme is the protocol a resolved URL uses.
type Scheme string

const (
	SchemeHTTPS Scheme = "https"
	SchemeHTTP  Scheme = "http"
)

// DefaultResolveTimeout bounds each connectivity attempt during resolution.
const DefaultResolveTimeout = 5 * time.Second

var (
	// ErrInvalidURL is returned for input that cannot form a valid http(s) URL.
	ErrInvalidURL = errors.New("invalid service URL")
	// ErrUnreachable is returned when neither HTTPS nor HTTP connects. The
	// HTTPS form is still returned alongside it.
	ErrUnreachable = errors.New("service unreachable over https and http")
)

// Connector checks transport-level reachability.
type Connector interface {
	Connect(ctx context.Context, url string, timeout time.Duration) error
}

// Resolver turns user input into a stored URL, preferring HTTPS and falling
// back to HTTP for bare hosts.
type Resolver struct {
	conn    Connector
	timeout time.Duration
	logger  *zap.Logger
}

// NewResolver creates a resolver. A zero timeout uses DefaultResolveTimeout.
func NewResolver(conn Connector, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{conn: conn, timeout: timeout, logger: logger}
}

// Resolve normalizes input. Explicit http:// or https:// input is validated
// and returned without network I/O. Bare hosts are tried over HTTPS, then HTTP.
func (r *Resolver) Resolve(ctx context.Context, input string) (string, Scheme, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	if scheme, ok := ExplicitScheme(raw); ok {
		normalized, err := Normalize(raw)
		if err != nil {
			return "", "", err
		}
		return normalized, scheme, nil
	}
	if strings.Contains(raw, "://") {
		return "", "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURL, raw)
	}

	httpsURL, err := Normalize("https://" + raw)
	if err != nil {
		return "", "", err
	}
	herr := r.conn.Connect(ctx, httpsURL, r.timeout)
	if herr == nil {
		return httpsURL, SchemeHTTPS, nil
	}

	httpURL, _ := Normalize("http://" + raw)
	r.logger.Debug("https unreachable, trying http",
		zap.String("input", raw),
		zap.Error(herr),
	)
	if err := r.conn.Connect(ctx, httpURL, r.timeout); err == nil {
		return httpURL, SchemeHTTP, nil
	}

	r.logger.Debug("service unreachable on both schemes", zap.String("input", raw))
	return httpsURL, SchemeHTTPS, ErrUnreachable
}

// ExplicitScheme reports whether raw starts with http:// or https://.
func ExplicitScheme(raw string) (Scheme, bool) {
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "https://"):
		return SchemeHTTPS, true
	case strings.HasPrefix(lower, "http://"):
		return SchemeHTTP, true
	}
	return "", false
}

// Normalize validates an http(s) URL and strips trailing slashes.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
