package registry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/HerbHall/labdash/pkg/plugin"
	"go.uber.org/zap"
)

type fakePlugin struct {
	info     plugin.PluginInfo
	initErr  error
	panicOn  string
	stopLog  *[]string
	routes   []plugin.Route
	started  bool
	health   *plugin.HealthStatus
	validate error
}

func newFake(name string, deps ...string) *fakePlugin {
	return &fakePlugin{info: plugin.PluginInfo{
		Name:         name,
		Version:      "1.0.0",
		Dependencies: deps,
		APIVersion:   plugin.APIVersionCurrent,
	}}
}

func (p *fakePlugin) Info() plugin.PluginInfo { return p.info }

func (p *fakePlugin) Init(context.Context, plugin.Dependencies) error {
	if p.panicOn == "init" {
		panic("init exploded")
	}
	return p.initErr
}

func (p *fakePlugin) Start(context.Context) error {
	if p.panicOn == "start" {
		panic("start exploded")
	}
	p.started = true
	return nil
}

func (p *fakePlugin) Stop(context.Context) error {
	if p.stopLog != nil {
		*p.stopLog = append(*p.stopLog, p.info.Name)
	}
	if p.panicOn == "stop" {
		panic("stop exploded")
	}
	return nil
}

type routedPlugin struct{ *fakePlugin }

func (p routedPlugin) Routes() []plugin.Route { return p.routes }

type checkedPlugin struct{ *fakePlugin }

func (p checkedPlugin) Health(context.Context) plugin.HealthStatus { return *p.health }
func (p checkedPlugin) ValidateConfig() error                      { return p.validate }

func newRegistry(t *testing.T, plugins ...plugin.Plugin) *Registry {
	t.Helper()
	r := New(zap.NewNop())
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.Info().Name, err)
		}
	}
	return r
}

func noDeps(string) plugin.Dependencies { return plugin.Dependencies{} }

func TestRegister_Rejects(t *testing.T) {
	r := newRegistry(t, newFake("catalog"))
	if err := r.Register(newFake("catalog")); err == nil {
		t.Error("duplicate Register() error = nil")
	}
	if err := r.Register(newFake("")); err == nil {
		t.Error("empty name Register() error = nil")
	}
}

func TestValidate_OrdersByDependency(t *testing.T) {
	r := newRegistry(t, newFake("ws", "catalog"), newFake("notify", "catalog"), newFake("catalog"))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	got := make([]string, 0, 3)
	for _, p := range r.All() {
		got = append(got, p.Info().Name)
	}
	want := []string{"catalog", "notify", "ws"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestValidate_Cycle(t *testing.T) {
	r := newRegistry(t, newFake("a", "b"), newFake("b", "a"))
	if err := r.Validate(); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Validate() error = %v, want cycle error", err)
	}
}

func TestValidate_MissingDependency(t *testing.T) {
	optional := newFake("notify", "catalog")
	dependent := newFake("relay", "notify")
	r := newRegistry(t, optional, dependent)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !r.IsDisabled("notify") || !r.IsDisabled("relay") {
		t.Error("expected notify and its dependent relay to be disabled")
	}

	required := newFake("ws", "missing")
	required.info.Required = true
	r = newRegistry(t, required)
	if err := r.Validate(); err == nil {
		t.Error("Validate() error = nil for required plugin with missing dependency")
	}
}

func TestValidate_APIVersion(t *testing.T) {
	tooNew := newFake("future")
	tooNew.info.APIVersion = plugin.APIVersionCurrent + 1
	r := newRegistry(t, tooNew)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !r.IsDisabled("future") {
		t.Error("plugin with unsupported API version should be disabled")
	}
}

func TestInitAll_FailuresAndPanics(t *testing.T) {
	failing := newFake("failing")
	failing.initErr = errors.New("bad config")
	panicking := newFake("panicking")
	panicking.panicOn = "init"
	invalid := checkedPlugin{newFake("invalid")}
	invalid.validate = errors.New("missing api_url")
	invalid.health = &plugin.HealthStatus{Status: "healthy"}

	r := newRegistry(t, failing, panicking, invalid, newFake("ok"))
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	for _, name := range []string{"failing", "panicking", "invalid"} {
		if !r.IsDisabled(name) {
			t.Errorf("%s should be disabled", name)
		}
	}
	if r.IsDisabled("ok") {
		t.Error("ok should stay enabled")
	}

	req := newFake("core")
	req.info.Required = true
	req.panicOn = "init"
	r = newRegistry(t, req)
	_ = r.Validate()
	if err := r.InitAll(context.Background(), noDeps); err == nil {
		t.Error("InitAll() error = nil for panicking required plugin")
	}
}

func TestStartStop_ReverseOrder(t *testing.T) {
	var log []string
	a, b, c := newFake("catalog"), newFake("notify", "catalog"), newFake("ws", "notify")
	for _, p := range []*fakePlugin{a, b, c} {
		p.stopLog = &log
	}
	b.panicOn = "stop"

	r := newRegistry(t, a, b, c)
	_ = r.Validate()
	_ = r.InitAll(context.Background(), noDeps)
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if !a.started || !b.started || !c.started {
		t.Fatal("not all plugins started")
	}

	r.StopAll(context.Background())
	if got := strings.Join(log, ","); got != "ws,notify,catalog" {
		t.Errorf("stop order = %s, want ws,notify,catalog", got)
	}
}

func TestAllRoutesAndHealth(t *testing.T) {
	routed := routedPlugin{newFake("catalog")}
	routed.routes = []plugin.Route{{Method: http.MethodGet, Path: "/services", Handler: func(http.ResponseWriter, *http.Request) {}}}
	checked := checkedPlugin{newFake("notify")}
	checked.health = &plugin.HealthStatus{Status: "degraded"}

	r := newRegistry(t, routed, checked)
	_ = r.Validate()

	routes := r.AllRoutes()
	if len(routes["catalog"]) != 1 {
		t.Errorf("catalog routes = %d, want 1", len(routes["catalog"]))
	}
	if _, ok := routes["notify"]; ok {
		t.Error("notify has no routes and should be absent")
	}
	if got := r.HealthAll(context.Background())["notify"].Status; got != "degraded" {
		t.Errorf("notify health = %q, want degraded", got)
	}
}

func TestResolveByRole(t *testing.T) {
	p := newFake("catalog")
	p.info.Roles = []string{"service_registry"}
	r := newRegistry(t, p, newFake("ws"))
	_ = r.Validate()

	if got := r.ResolveByRole("service_registry"); len(got) != 1 || got[0].Info().Name != "catalog" {
		t.Errorf("ResolveByRole() = %v", got)
	}
	if _, ok := r.Resolve("nope"); ok {
		t.Error("Resolve(nope) ok = true")
	}
}
