package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HerbHall/labdash/internal/apidetect"
	"github.com/HerbHall/labdash/internal/event"
	"github.com/HerbHall/labdash/internal/probe"
	"github.com/HerbHall/labdash/internal/store"
	"github.com/HerbHall/labdash/internal/traefik"
	"github.com/HerbHall/labdash/internal/vault"
	"github.com/HerbHall/labdash/pkg/models"
	"github.com/HerbHall/labdash/pkg/plugin"
	"go.uber.org/zap"
)

// fakeProber answers from a URL → status table; unknown URLs are refused.
type fakeProber struct {
	mu     sync.Mutex
	status map[string]models.ServiceStatus
	calls  map[string]int
	total  atomic.Int64
}

func newFakeProber() *fakeProber {
	return &fakeProber{status: map[string]models.ServiceStatus{}, calls: map[string]int{}}
}

func (f *fakeProber) set(url string, st models.ServiceStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[url] = st
}

func (f *fakeProber) Probe(_ context.Context, url string, _ time.Duration) probe.Result {
	f.total.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	st, ok := f.status[url]
	if !ok {
		return probe.Result{
			Status:    models.StatusDown,
			ErrorKind: models.FaultConnectionRefused,
			Error:     "connection refused",
		}
	}
	code := 200
	if st == models.StatusDown {
		code = 503
	}
	return probe.Result{Status: st, StatusCode: code, ResponseTimeMs: 7}
}

// fakeConnector accepts connections to the listed URLs only.
type fakeConnector struct {
	mu        sync.Mutex
	reachable map[string]bool
	attempts  []string
}

func (f *fakeConnector) Connect(_ context.Context, url string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, url)
	if f.reachable[url] {
		return nil
	}
	return errors.New("connection refused")
}

// fakeDiscovery returns a fixed router list or error. When gate is set,
// ListRouters blocks until it is closed.
type fakeDiscovery struct {
	mu      sync.Mutex
	routers []traefik.RouterDescriptor
	err     error
	gate    chan struct{}
	calls   atomic.Int64
}

func (f *fakeDiscovery) ListRouters(ctx context.Context) ([]traefik.RouterDescriptor, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routers, f.err
}

func (f *fakeDiscovery) setRouters(rs ...traefik.RouterDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routers = rs
	f.err = nil
}

// fakeDetector reports an API on every service whose base URL is listed.
type fakeDetector struct {
	mu    sync.Mutex
	found map[string]bool
	calls int
}

func (f *fakeDetector) Detect(_ context.Context, t apidetect.Target) apidetect.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.found[t.BaseURL] {
		return apidetect.Result{Found: true, URL: t.BaseURL, Type: "custom", Endpoint: "/api", Source: apidetect.SourceProbe, Probes: 1}
	}
	return apidetect.Result{Probes: len(apidetect.CommonPaths)}
}

type fakeLabels map[string]map[string]string

func (f fakeLabels) Index(context.Context) (map[string]map[string]string, error) {
	return f, nil
}

// testClock is a settable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t         *testing.T
	db        *store.SQLiteStore
	store     *CatalogStore
	vault     *vault.Vault
	rec       *Reconciler
	svc       *Service
	prober    *fakeProber
	conn      *fakeConnector
	discovery *fakeDiscovery
	detector  APIDetector
	bus       *event.Bus
	clock     *testClock
}

type harnessOption func(*harness, *CatalogConfig)

func withDetector(d APIDetector) harnessOption {
	return func(h *harness, _ *CatalogConfig) { h.detector = d }
}

func withConfig(fn func(*CatalogConfig)) harnessOption {
	return func(_ *harness, c *CatalogConfig) { fn(c) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), "catalog", migrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	key, err := vault.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	v, err := vault.New(key)
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}

	h := &harness{
		t:         t,
		db:        db,
		vault:     v,
		prober:    newFakeProber(),
		conn:      &fakeConnector{reachable: map[string]bool{}},
		discovery: &fakeDiscovery{},
		detector:  &fakeDetector{found: map[string]bool{}},
		bus:       event.NewBus(zap.NewNop()),
		clock:     &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	cfg := DefaultConfig()
	for _, o := range opts {
		o(h, &cfg)
	}

	h.store = NewCatalogStore(db.DB(), v)
	resolver := probe.NewResolver(h.conn, time.Second, zap.NewNop())
	h.rec = NewReconciler(cfg, ReconcilerDeps{
		Store:     h.store,
		Discovery: h.discovery,
		Resolver:  resolver,
		Prober:    h.prober,
		Detector:  h.detector,
		Bus:       h.bus,
		Logger:    zap.NewNop(),
		Now:       h.clock.Now,
	})
	h.svc = NewService(h.store, h.rec, resolver, zap.NewNop())
	return h
}

// record collects events published on the bus.
func (h *harness) record(topic string) func() []plugin.Event {
	var (
		mu  sync.Mutex
		got []plugin.Event
	)
	h.bus.Subscribe(topic, func(_ context.Context, e plugin.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})
	return func() []plugin.Event {
		h.bus.Wait()
		mu.Lock()
		defer mu.Unlock()
		return append([]plugin.Event(nil), got...)
	}
}

func (h *harness) addManual(name, url string) *models.Service {
	h.t.Helper()
	svc, err := h.svc.AddManualService(context.Background(), ServiceInput{Name: name, URL: url})
	if err != nil {
		h.t.Fatalf("AddManualService(%q) error = %v", name, err)
	}
	return svc
}

func (h *harness) get(name string) *models.Service {
	h.t.Helper()
	svc, err := h.store.GetService(context.Background(), name)
	if err != nil {
		h.t.Fatalf("GetService(%q) error = %v", name, err)
	}
	return svc
}

func (h *harness) checks(name string) int {
	h.t.Helper()
	svc := h.get(name)
	if svc == nil {
		h.t.Fatalf("service %q missing", name)
	}
	n, err := h.store.CountHealthChecks(context.Background(), svc.ID)
	if err != nil {
		h.t.Fatalf("CountHealthChecks() error = %v", err)
	}
	return n
}

func router(t *testing.T, name, rule, provider string) traefik.RouterDescriptor {
	t.Helper()
	d, err := traefik.Describe(traefik.Router{
		Name:     name,
		Rule:     rule,
		Service:  name,
		Provider: provider,
		Status:   "enabled",
	})
	if err != nil {
		t.Fatalf("Describe(%q) error = %v", name, err)
	}
	return d
}

// recordingDetector captures the labels passed to each detection.
type recordingDetector struct {
	mu     sync.Mutex
	labels []map[string]string
}

func (r *recordingDetector) Detect(_ context.Context, t apidetect.Target) apidetect.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.labels = append(r.labels, t.Labels)
	return apidetect.Result{}
}

// countingProber fails every probe and counts the calls.
type countingProber struct {
	calls atomic.Int64
}

func (c *countingProber) Probe(_ context.Context, _ string, _ time.Duration) probe.Result {
	c.calls.Add(1)
	return probe.Result{Status: models.StatusDown, StatusCode: 404}
}

// gatedDetector finds an API on every target but holds each call until
// release is closed. entered receives the base URL of every call.
type gatedDetector struct {
	entered chan string
	release chan struct{}
}

func newGatedDetector() *gatedDetector {
	return &gatedDetector{entered: make(chan string, 16), release: make(chan struct{})}
}

func (g *gatedDetector) Detect(ctx context.Context, t apidetect.Target) apidetect.Result {
	g.entered <- t.BaseURL
	select {
	case <-g.release:
	case <-ctx.Done():
		return apidetect.Result{}
	}
	return apidetect.Result{Found: true, URL: t.BaseURL, Type: "custom", Endpoint: "/api", Source: apidetect.SourceProbe, Probes: 1}
}
