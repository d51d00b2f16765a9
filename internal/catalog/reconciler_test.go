package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/labdash/internal/apidetect"
	"github.com/HerbHall/labdash/internal/traefik"
	"github.com/HerbHall/labdash/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresh_DiscoveredServicesAreIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sonarr := router(t, "sonarr@docker", "Host(`sonarr.lab.local`)", "docker")
	grafana := router(t, "grafana@docker", "Host(`grafana.lab.local`) && PathPrefix(`/`)", "docker")
	h.discovery.setRouters(sonarr, grafana)
	h.prober.set(sonarr.URL, models.StatusUp)
	h.prober.set(grafana.URL, models.StatusDown)
	h.detector.(*fakeDetector).found[sonarr.URL] = true

	sum := h.rec.Refresh(ctx, RefreshOptions{})
	assert.True(t, sum.DiscoveryAvailable)
	assert.Empty(t, sum.Warning)
	assert.Equal(t, 2, sum.DiscoveredCount)
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 2, sum.HealthChecksPerformed)

	list, err := h.store.ListServices(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	s := h.get("Sonarr")
	require.NotNil(t, s)
	assert.False(t, s.IsManual)
	assert.Equal(t, models.ProviderDiscovered, s.Provider)
	assert.Equal(t, models.ServiceTypeContainer, s.ServiceType)
	assert.Equal(t, "sonarr@docker", s.DiscoveryRouterName)
	assert.Equal(t, models.StatusUp, s.Status)
	assert.True(t, s.APIDetected)
	assert.Equal(t, 1, h.checks("Sonarr"))

	g := h.get("Grafana")
	assert.Equal(t, models.StatusDown, g.Status)
	assert.False(t, g.APIDetected)
	assert.Equal(t, 1, g.APIDetectionAttempts)

	sum = h.rec.Refresh(ctx, RefreshOptions{})
	assert.Zero(t, sum.Created)
	assert.Zero(t, sum.Updated)

	list, err = h.store.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2, "no duplicates on second refresh")
	assert.Equal(t, s.ID, h.get("Sonarr").ID)
	assert.Equal(t, 2, h.checks("Sonarr"))
	assert.Equal(t, 2, h.checks("Grafana"))
}

func TestRefresh_ManualServiceUntouchedByDiscovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	manual := h.addManual("Sonarr", "http://10.0.0.5:8989")
	h.prober.set("http://10.0.0.5:8989", models.StatusUp)

	d := router(t, "sonarr@docker", "Host(`sonarr.lab.local`)", "docker")
	h.discovery.setRouters(d)

	sum := h.rec.Refresh(ctx, RefreshOptions{})
	assert.Zero(t, sum.Created)
	assert.Zero(t, sum.Updated)

	got := h.get("Sonarr")
	assert.Equal(t, manual.ID, got.ID)
	assert.True(t, got.IsManual)
	assert.Equal(t, "http://10.0.0.5:8989", got.URL)
	assert.Equal(t, models.ProviderLocal, got.Provider)
	assert.Empty(t, got.DiscoveryRouterName)
	assert.Equal(t, models.StatusUp, got.Status)
	// One check when added, one during refresh.
	assert.Equal(t, 2, h.checks("Sonarr"))
}

func TestRefresh_EmptyRouterList(t *testing.T) {
	h := newHarness(t)
	h.addManual("NAS", "https://nas.lab")
	h.discovery.setRouters()

	sum := h.rec.Refresh(context.Background(), RefreshOptions{})
	assert.True(t, sum.DiscoveryAvailable)
	assert.Empty(t, sum.Warning)
	assert.Zero(t, sum.DiscoveredCount)
	assert.Equal(t, 1, sum.HealthChecksPerformed)
}

func TestRefresh_DiscoveryUnavailableStillChecksEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.discovery.setRouters(router(t, "sonarr@docker", "Host(`sonarr.lab.local`)", "docker"))
	h.rec.Refresh(ctx, RefreshOptions{})
	h.addManual("NAS", "https://nas.lab")

	h.discovery.mu.Lock()
	h.discovery.err = &traefik.SourceUnavailableError{Op: "version", Err: context.DeadlineExceeded}
	h.discovery.mu.Unlock()

	sum := h.rec.Refresh(ctx, RefreshOptions{})
	assert.False(t, sum.DiscoveryAvailable)
	assert.NotEmpty(t, sum.Warning)
	assert.Equal(t, 2, sum.HealthChecksPerformed)

	list, err := h.store.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2, "existing records are kept")
}

func TestRefresh_NoDiscoveryConfigured(t *testing.T) {
	h := newHarness(t)
	h.rec.discovery = nil
	h.addManual("NAS", "https://nas.lab")

	sum := h.rec.Refresh(context.Background(), RefreshOptions{})
	assert.False(t, sum.DiscoveryAvailable)
	assert.Contains(t, sum.Warning, "discovery unavailable")
	assert.Equal(t, 1, sum.HealthChecksPerformed)
}

func TestRefresh_MissingPolicies(t *testing.T) {
	tests := []struct {
		policy    MissingPolicy
		wantCount int
		wantStale bool
	}{
		{MissingKeep, 2, false},
		{MissingMarkStale, 2, true},
		{MissingDelete, 1, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.policy), func(t *testing.T) {
			h := newHarness(t, withConfig(func(c *CatalogConfig) { c.OnMissing = tc.policy }))
			ctx := context.Background()

			a := router(t, "sonarr@docker", "Host(`sonarr.lab.local`)", "docker")
			b := router(t, "radarr@docker", "Host(`radarr.lab.local`)", "docker")
			h.discovery.setRouters(a, b)
			h.rec.Refresh(ctx, RefreshOptions{})

			h.discovery.setRouters(a)
			sum := h.rec.Refresh(ctx, RefreshOptions{})
			assert.Equal(t, 1, sum.Missing)

			list, err := h.store.ListServices(ctx)
			require.NoError(t, err)
			assert.Len(t, list, tc.wantCount)

			gone := h.get("Radarr")
			if tc.policy == MissingDelete {
				assert.Nil(t, gone)
				return
			}
			require.NotNil(t, gone)
			assert.Equal(t, tc.wantStale, gone.Stale)

			// The router coming back clears the marker.
			h.discovery.setRouters(a, b)
			h.rec.Refresh(ctx, RefreshOptions{})
			assert.False(t, h.get("Radarr").Stale)
		})
	}
}

func TestRefresh_URLChangeUpdatesService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.discovery.setRouters(router(t, "sonarr@docker", "Host(`sonarr.lab.local`)", "docker"))
	h.detector.(*fakeDetector).found["http://sonarr.lab.local"] = true
	h.rec.Refresh(ctx, RefreshOptions{})
	require.True(t, h.get("Sonarr").APIDetected)

	moved := router(t, "sonarr@docker", "Host(`sonarr.home.arpa`)", "docker")
	h.discovery.setRouters(moved)
	sum := h.rec.Refresh(ctx, RefreshOptions{})
	assert.Equal(t, 1, sum.Updated)

	got := h.get("Sonarr")
	assert.Equal(t, moved.URL, got.URL)
	assert.False(t, got.APIDetected, "detection resets with the url")
	assert.Equal(t, 1, got.APIDetectionAttempts)
}

func TestRefresh_EditDuringCycleKeepsEditedRow(t *testing.T) {
	det := newGatedDetector()
	h := newHarness(t, withDetector(det))
	ctx := context.Background()

	h.prober.set("http://old.lan", models.StatusUp)
	h.addManual("Wiki", "http://old.lan")

	done := make(chan RefreshSummary, 1)
	go func() { done <- h.rec.Refresh(ctx, RefreshOptions{}) }()

	select {
	case u := <-det.entered:
		require.Equal(t, "http://old.lan", u)
	case <-time.After(2 * time.Second):
		t.Fatal("detection never started")
	}

	_, err := h.svc.EditManualService(ctx, "Wiki", ServiceInput{Name: "Wiki", URL: "http://new.lan"})
	require.NoError(t, err)
	close(det.release)

	var sum RefreshSummary
	select {
	case sum = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not finish")
	}
	assert.Zero(t, sum.APIDetections)

	got := h.get("Wiki")
	assert.Equal(t, "http://new.lan", got.URL)
	assert.False(t, got.APIDetected, "result for the old url must not land on the edited row")
	assert.Empty(t, got.APIURL)
	assert.Zero(t, got.APIDetectionAttempts)
	assert.Nil(t, got.APILastDetection)
	assert.Equal(t, models.StatusDown, got.Status, "status comes from the post-edit check")
}

func TestReconciler_CloseWaitsForCycle(t *testing.T) {
	det := newGatedDetector()
	h := newHarness(t, withDetector(det))
	h.prober.set("http://wiki.lan", models.StatusUp)
	h.addManual("Wiki", "http://wiki.lan")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan RefreshSummary, 1)
	go func() { done <- h.rec.Refresh(ctx, RefreshOptions{}) }()

	select {
	case <-det.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("detection never started")
	}
	cancel()
	select {
	case sum := <-done:
		assert.Contains(t, sum.Warning, "refresh abandoned")
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned caller did not return")
	}
	assert.Nil(t, h.rec.LastSummary(), "cycle keeps running after its caller left")

	closed := make(chan struct{})
	go func() {
		h.rec.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return")
	}
	require.NotNil(t, h.rec.LastSummary(), "Close returns only after the cycle finished")
	assert.False(t, h.get("Wiki").APIDetected)

	after := h.rec.Refresh(context.Background(), RefreshOptions{ForceAPIDetection: true})
	assert.Contains(t, after.Warning, "catalog stopped")
	assert.Empty(t, det.entered, "no cycle runs after Close")
}

func TestRefresh_ConcurrentCallersShareOneCycle(t *testing.T) {
	h := newHarness(t)
	h.discovery.gate = make(chan struct{})
	h.discovery.setRouters(router(t, "sonarr@docker", "Host(`sonarr.lab.local`)", "docker"))

	const callers = 5
	var wg sync.WaitGroup
	sums := make([]RefreshSummary, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sums[i] = h.rec.Refresh(context.Background(), RefreshOptions{})
		}()
	}

	require.Eventually(t, func() bool { return h.discovery.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Give the remaining callers time to join the flight.
	time.Sleep(50 * time.Millisecond)
	close(h.discovery.gate)
	wg.Wait()

	assert.Equal(t, int64(1), h.discovery.calls.Load())
	for _, s := range sums {
		assert.Equal(t, 1, s.DiscoveredCount)
	}
	assert.Equal(t, 1, h.checks("Sonarr"))
}

func TestRefresh_AbandonedCallerGetsWarning(t *testing.T) {
	h := newHarness(t)
	h.discovery.gate = make(chan struct{})
	defer close(h.discovery.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sum := h.rec.Refresh(ctx, RefreshOptions{})
	assert.Contains(t, sum.Warning, "refresh abandoned")
}

func TestRefresh_PublishesStatusChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	events := h.record(TopicServiceStatusChanged)

	h.addManual("NAS", "https://nas.lab")
	h.prober.set("https://nas.lab", models.StatusUp)
	h.rec.Refresh(ctx, RefreshOptions{})
	h.rec.Refresh(ctx, RefreshOptions{})

	got := events()
	// unknown -> down on add, down -> up on the first refresh, none after.
	require.Len(t, got, 2)
	var recovered *StatusChangedEvent
	for _, e := range got {
		assert.Equal(t, "catalog", e.Source)
		p, ok := e.Payload.(StatusChangedEvent)
		require.True(t, ok)
		if p.Current == models.StatusUp {
			recovered = &p
		}
	}
	require.NotNil(t, recovered)
	assert.Equal(t, "NAS", recovered.ServiceName)
	assert.Equal(t, models.StatusDown, recovered.Previous)
}

func TestRefresh_PublishesCompletion(t *testing.T) {
	h := newHarness(t)
	events := h.record(TopicRefreshCompleted)
	h.discovery.setRouters()

	h.rec.Refresh(context.Background(), RefreshOptions{})
	got := events()
	require.Len(t, got, 1)
	sum, ok := got[0].Payload.(RefreshSummary)
	require.True(t, ok)
	assert.True(t, sum.DiscoveryAvailable)
	require.NotNil(t, h.rec.LastSummary())
}

func TestRefresh_LabelsReachDetector(t *testing.T) {
	rec := &recordingDetector{}
	h := newHarness(t, withDetector(rec))
	h.rec.labels = fakeLabels{
		"sonarr": {apidetect.LabelAPIType: "sonarr"},
	}
	h.discovery.setRouters(router(t, "sonarr@docker", "Host(`sonarr.lab.local`)", "docker"))

	h.rec.Refresh(context.Background(), RefreshOptions{})
	require.Len(t, rec.labels, 1)
	assert.Equal(t, "sonarr", rec.labels[0][apidetect.LabelAPIType])
}

func TestAttachLabels(t *testing.T) {
	idx := map[string]map[string]string{
		"sonarr":     {"k": "by-router"},
		"sonarr-app": {"k": "by-container"},
	}
	routers := []traefik.RouterDescriptor{
		router(t, "Sonarr@docker", "Host(`sonarr.lab`)", "docker"),
		router(t, "radarr@docker", "Host(`radarr.lab`)", "docker"),
	}

	byRouter := attachLabels(routers, idx)
	assert.Equal(t, "by-router", routers[0].Labels["k"])
	assert.Nil(t, routers[1].Labels)
	assert.Equal(t, map[string]map[string]string{"Sonarr@docker": {"k": "by-router"}}, byRouter)

	assert.Nil(t, attachLabels(routers, nil))
}

func TestLabelsFor(t *testing.T) {
	idx := map[string]map[string]string{
		"sonarr":       {"k": "router"},
		"home-assist":  {"k": "dashed"},
		"uptime kuma!": {"k": "never"},
	}
	tests := []struct {
		name string
		svc  models.Service
		want string
	}{
		{"router key", models.Service{Name: "Whatever", DiscoveryRouterName: "sonarr@docker"}, "router"},
		{"name", models.Service{Name: "Sonarr"}, "router"},
		{"dashed name", models.Service{Name: "Home Assist"}, "dashed"},
		{"none", models.Service{Name: "Other"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, labelsFor(idx, &tc.svc)["k"])
		})
	}
	assert.Nil(t, labelsFor(nil, &models.Service{Name: "x"}))
}
