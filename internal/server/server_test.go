package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HerbHall/labdash/pkg/plugin"
	"go.uber.org/zap"
)

type fakePluginSource struct {
	plugins []plugin.Plugin
	routes  map[string][]plugin.Route
	health  map[string]plugin.HealthStatus
}

func (f *fakePluginSource) AllRoutes() map[string][]plugin.Route { return f.routes }
func (f *fakePluginSource) All() []plugin.Plugin                 { return f.plugins }

func (f *fakePluginSource) HealthAll(context.Context) map[string]plugin.HealthStatus {
	return f.health
}

type stubPlugin struct{ info plugin.PluginInfo }

func (s *stubPlugin) Info() plugin.PluginInfo                         { return s.info }
func (s *stubPlugin) Init(context.Context, plugin.Dependencies) error { return nil }
func (s *stubPlugin) Start(context.Context) error                     { return nil }
func (s *stubPlugin) Stop(context.Context) error                      { return nil }

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func newTestServer(src *fakePluginSource, ready ReadinessChecker, extra ...RouteRegistrar) *Server {
	if src == nil {
		src = &fakePluginSource{
			plugins: []plugin.Plugin{&stubPlugin{info: plugin.PluginInfo{
				Name:        "catalog",
				Version:     "0.1.0",
				Description: "Service discovery, health checks and API detection",
			}}},
			health: map[string]plugin.HealthStatus{"catalog": {Status: "healthy"}},
		}
	}
	return New("127.0.0.1:0", src, zap.NewNop(), ready, false, extra...)
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, http.NoBody))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestProbes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		ready      ReadinessChecker
		wantCode   int
		wantStatus string
	}{
		{"liveness", "/healthz", nil, http.StatusOK, "alive"},
		{"ready without checker", "/readyz", nil, http.StatusOK, "ready"},
		{"ready", "/readyz", func(context.Context) error { return nil }, http.StatusOK, "ready"},
		{"not ready", "/readyz", func(context.Context) error { return errors.New("database unreachable") }, http.StatusServiceUnavailable, "not ready"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(nil, tc.ready)
			w := serve(t, srv.mux, "GET", tc.path)
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantCode)
			}
			body := decode[map[string]string](t, w)
			if body["status"] != tc.wantStatus {
				t.Errorf("status = %q, want %q", body["status"], tc.wantStatus)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name   string
		health map[string]plugin.HealthStatus
		want   string
	}{
		{"all healthy", map[string]plugin.HealthStatus{"catalog": {Status: "healthy"}}, "ok"},
		{"no checkers", nil, "ok"},
		{"one unhealthy", map[string]plugin.HealthStatus{
			"catalog": {Status: "unhealthy", Message: "catalog store not available"},
			"notify":  {Status: "healthy"},
		}, "degraded"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(&fakePluginSource{health: tc.health}, nil)
			w := serve(t, srv.mux, "GET", "/api/v1/health")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			body := decode[HealthResponse](t, w)
			if body.Status != tc.want {
				t.Errorf("status = %q, want %q", body.Status, tc.want)
			}
			if body.Service != "labdash" {
				t.Errorf("service = %q, want labdash", body.Service)
			}
			if body.Version["version"] == "" {
				t.Error("version map missing version key")
			}
			if len(body.Plugins) != len(tc.health) {
				t.Errorf("plugins = %d entries, want %d", len(body.Plugins), len(tc.health))
			}
		})
	}
}

func TestHandlePlugins(t *testing.T) {
	srv := newTestServer(nil, nil)
	w := serve(t, srv.mux, "GET", "/api/v1/plugins")

	got := decode[[]PluginResponse](t, w)
	if len(got) != 1 || got[0].Name != "catalog" || got[0].Version != "0.1.0" {
		t.Errorf("plugins = %+v", got)
	}
}

func TestHandleMetrics(t *testing.T) {
	srv := newTestServer(nil, nil)
	// Drive one request through the chain so the HTTP collectors have a series.
	serve(t, srv.Handler(), "GET", "/api/v1/plugins")

	body := serve(t, srv.mux, "GET", "/metrics").Body.String()
	for _, metric := range []string{"go_goroutines", "labdash_http_requests_total"} {
		if !strings.Contains(body, metric) {
			t.Errorf("/metrics missing %s", metric)
		}
	}
}

func TestRoutesMounted(t *testing.T) {
	src := &fakePluginSource{
		routes: map[string][]plugin.Route{
			"catalog": {{
				Method: "POST",
				Path:   "/refresh",
				Handler: func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusAccepted)
				},
			}},
		},
	}
	srv := newTestServer(src, nil, pingRoutes{})

	if w := serve(t, srv.mux, "POST", "/api/v1/catalog/refresh"); w.Code != http.StatusAccepted {
		t.Errorf("plugin route status = %d, want 202", w.Code)
	}
	if w := serve(t, srv.mux, "GET", "/api/v1/ping"); w.Code != http.StatusNoContent {
		t.Errorf("extra route status = %d, want 204", w.Code)
	}
	if w := serve(t, srv.mux, "GET", "/api/v1/catalog/refresh"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("wrong method status = %d, want 405", w.Code)
	}
}

func TestSwaggerOnlyInDevMode(t *testing.T) {
	src := &fakePluginSource{}
	prod := New("127.0.0.1:0", src, zap.NewNop(), nil, false)
	if w := serve(t, prod.mux, "GET", "/swagger/index.html"); w.Code != http.StatusNotFound {
		t.Errorf("prod swagger status = %d, want 404", w.Code)
	}

	dev := New("127.0.0.1:0", src, zap.NewNop(), nil, true)
	if w := serve(t, dev.mux, "GET", "/swagger/index.html"); w.Code != http.StatusOK {
		t.Errorf("dev swagger status = %d, want 200", w.Code)
	}
}

func TestMiddlewareChain_Integration(t *testing.T) {
	srv := newTestServer(nil, nil)
	w := serve(t, srv.Handler(), "GET", "/healthz")

	for _, h := range []string{VersionHeader, "X-Request-ID", "X-Content-Type-Options"} {
		if w.Header().Get(h) == "" {
			t.Errorf("missing %s header", h)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	v, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("explicit missing file should error, got config %v", v.AllKeys())
	}

	t.Chdir(t.TempDir())
	v, err = LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg := ServerConfig(v)
	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if got := v.GetString("plugins.catalog.on_missing"); got != "keep" {
		t.Errorf("on_missing = %q, want keep", got)
	}
	if got := v.GetDuration("plugins.catalog.detect_cooldown").String(); got != "5m0s" {
		t.Errorf("detect_cooldown = %s, want 5m0s", got)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labdash.yaml")
	yaml := `server:
  port: 9000
  ws_origins: ["dash.lab.local"]
plugins:
  catalog:
    on_missing: mark_stale
    traefik:
      api_url: http://traefik:8080
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LD_SERVER_HOST", "127.0.0.1")
	t.Setenv("LD_PLUGINS_CATALOG_ON_MISSING", "delete")

	v, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg := ServerConfig(v)
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr = %q, want 127.0.0.1:9000", cfg.Addr())
	}
	if len(cfg.WSOrigins) != 1 || cfg.WSOrigins[0] != "dash.lab.local" {
		t.Errorf("WSOrigins = %v", cfg.WSOrigins)
	}
	if got := v.GetString("plugins.catalog.on_missing"); got != "delete" {
		t.Errorf("env override on_missing = %q, want delete", got)
	}
	if got := v.GetString("plugins.catalog.traefik.api_url"); got != "http://traefik:8080" {
		t.Errorf("traefik api_url = %q", got)
	}
}
