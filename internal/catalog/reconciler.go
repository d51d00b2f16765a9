package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/labdash/internal/apidetect"
	"github.com/HerbHall/labdash/internal/probe"
	"github.com/HerbHall/labdash/internal/traefik"
	"github.com/HerbHall/labdash/pkg/models"
	"github.com/HerbHall/labdash/pkg/plugin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Discovery lists routers from the discovery source.
type Discovery interface {
	ListRouters(ctx context.Context) ([]traefik.RouterDescriptor, error)
}

// LabelSource returns container labels keyed by lower-cased name.
type LabelSource interface {
	Index(ctx context.Context) (map[string]map[string]string, error)
}

// URLResolver turns user input into a URL with a scheme.
type URLResolver interface {
	Resolve(ctx context.Context, input string) (string, probe.Scheme, error)
}

// APIDetector inspects a service for a REST API.
type APIDetector interface {
	Detect(ctx context.Context, t apidetect.Target) apidetect.Result
}

// RefreshOptions tunes one refresh cycle.
type RefreshOptions struct {
	// ForceAPIDetection bypasses the detection cache and throttle.
	ForceAPIDetection bool
}

// RefreshSummary reports the outcome of a refresh cycle.
type RefreshSummary struct {
	DiscoveredCount       int           `json:"discovered_count"`
	HealthChecksPerformed int           `json:"health_checks_performed"`
	DiscoveryAvailable    bool          `json:"discovery_available"`
	Warning               string        `json:"warning,omitempty"`
	APIDetections         int           `json:"api_detections"`
	Created               int           `json:"created"`
	Updated               int           `json:"updated"`
	Missing               int           `json:"missing"`
	Forced                bool          `json:"forced"`
	StartedAt             time.Time     `json:"started_at"`
	Duration              time.Duration `json:"duration" swaggertype:"integer"`
}

// Reconciler merges discovered routers into the registry and runs health
// checks and API detection across every service.
type Reconciler struct {
	store     *CatalogStore
	discovery Discovery
	labels    LabelSource
	resolver  URLResolver
	prober    probe.Prober
	detector  APIDetector
	policy    apidetect.Policy
	cfg       CatalogConfig
	bus       plugin.EventBus
	logger    *zap.Logger
	now       func() time.Time

	flight singleflight.Group

	// Cycles run on base rather than on a caller's context; Close cancels
	// it and waits on cycles.
	base   context.Context
	stop   context.CancelFunc
	life   sync.Mutex
	closed bool
	cycles sync.WaitGroup

	mu   sync.RWMutex
	last *RefreshSummary
}

// ReconcilerDeps carries the collaborators of a Reconciler. Discovery,
// Labels and Bus may be nil.
type ReconcilerDeps struct {
	Store     *CatalogStore
	Discovery Discovery
	Labels    LabelSource
	Resolver  URLResolver
	Prober    probe.Prober
	Detector  APIDetector
	Bus       plugin.EventBus
	Logger    *zap.Logger
	Now       func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg CatalogConfig, deps ReconcilerDeps) *Reconciler {
	r := &Reconciler{
		store:     deps.Store,
		discovery: deps.Discovery,
		labels:    deps.Labels,
		resolver:  deps.Resolver,
		prober:    deps.Prober,
		detector:  deps.Detector,
		policy:    cfg.Policy(),
		cfg:       cfg,
		bus:       deps.Bus,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if r.cfg.MaxWorkers < 1 {
		r.cfg.MaxWorkers = 1
	}
	r.base, r.stop = context.WithCancel(context.Background())
	return r
}

// Close cancels the cycle in flight, if any, and waits for it to unwind.
// Refresh calls made after Close return without running.
func (r *Reconciler) Close() {
	r.life.Lock()
	r.closed = true
	r.life.Unlock()
	r.stop()
	r.cycles.Wait()
}

func (r *Reconciler) begin() bool {
	r.life.Lock()
	defer r.life.Unlock()
	if r.closed {
		return false
	}
	r.cycles.Add(1)
	return true
}

// LastSummary returns the most recent refresh summary, or nil.
func (r *Reconciler) LastSummary() *RefreshSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return nil
	}
	s := *r.last
	return &s
}

// Refresh runs one reconciliation cycle. Concurrent callers join the cycle
// already in flight; a forced caller that joined an unforced cycle waits
// for it and then runs its own. The cycle itself is not cancelled when a
// caller gives up, only by Close.
func (r *Reconciler) Refresh(ctx context.Context, opts RefreshOptions) RefreshSummary {
	for {
		ch := r.flight.DoChan("refresh", func() (any, error) {
			if !r.begin() {
				return RefreshSummary{Warning: "refresh skipped: catalog stopped", Forced: opts.ForceAPIDetection}, nil
			}
			defer r.cycles.Done()
			return r.reconcile(r.base, opts), nil
		})
		select {
		case <-ctx.Done():
			return RefreshSummary{Warning: "refresh abandoned: " + ctx.Err().Error()}
		case res := <-ch:
			sum := res.Val.(RefreshSummary)
			if opts.ForceAPIDetection && !sum.Forced {
				continue
			}
			return sum
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, opts RefreshOptions) RefreshSummary {
	start := r.now()
	sum := RefreshSummary{StartedAt: start, Forced: opts.ForceAPIDetection}

	var labels, routerLabels map[string]map[string]string
	routers, err := r.listRouters(ctx)
	if err != nil {
		sum.Warning = "discovery unavailable: " + err.Error()
		r.logger.Info("discovery source unavailable, checking existing services only", zap.Error(err))
	} else {
		sum.DiscoveryAvailable = true
		sum.DiscoveredCount = len(routers)
		labels = r.labelIndex(ctx)
		routerLabels = attachLabels(routers, labels)
		r.mergeRouters(ctx, routers, &sum)
	}

	services, err := r.store.ListServices(ctx)
	if err != nil {
		r.logger.Error("list services for refresh", zap.Error(err))
		sum.Warning = joinWarning(sum.Warning, "registry unavailable: "+err.Error())
		return r.finish(ctx, sum, start)
	}

	var (
		mu  sync.Mutex
		g   errgroup.Group
		now = r.now()
	)
	g.SetLimit(r.cfg.MaxWorkers)
	for i := range services {
		svc := services[i]
		g.Go(func() error {
			svcLabels, ok := routerLabels[svc.DiscoveryRouterName]
			if !ok {
				svcLabels = labelsFor(labels, &svc)
			}
			checked, detected := r.processService(ctx, &svc, svcLabels, opts.ForceAPIDetection, now)
			mu.Lock()
			if checked {
				sum.HealthChecksPerformed++
			}
			if detected {
				sum.APIDetections++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return r.finish(ctx, sum, start)
}

func (r *Reconciler) finish(ctx context.Context, sum RefreshSummary, start time.Time) RefreshSummary {
	sum.Duration = r.now().Sub(start)

	avail := "unavailable"
	discoveryAvailable.Set(0)
	if sum.DiscoveryAvailable {
		avail = "available"
		discoveryAvailable.Set(1)
	}
	refreshTotal.WithLabelValues(avail).Inc()
	refreshDuration.Observe(sum.Duration.Seconds())

	r.mu.Lock()
	r.last = &sum
	r.mu.Unlock()

	r.logger.Info("refresh completed",
		zap.Bool("discovery_available", sum.DiscoveryAvailable),
		zap.Int("discovered", sum.DiscoveredCount),
		zap.Int("health_checks", sum.HealthChecksPerformed),
		zap.Int("api_detections", sum.APIDetections),
		zap.Duration("duration", sum.Duration),
	)
	r.publish(ctx, TopicRefreshCompleted, sum)
	return sum
}

func (r *Reconciler) listRouters(ctx context.Context) ([]traefik.RouterDescriptor, error) {
	if r.discovery == nil {
		return nil, fmt.Errorf("%w: no discovery source configured", traefik.ErrSourceUnavailable)
	}
	return r.discovery.ListRouters(ctx)
}

func (r *Reconciler) labelIndex(ctx context.Context) map[string]map[string]string {
	if r.labels == nil {
		return nil
	}
	idx, err := r.labels.Index(ctx)
	if err != nil {
		r.logger.Debug("container labels unavailable", zap.Error(err))
		return nil
	}
	return idx
}

// attachLabels fills each descriptor's Labels from the container index and
// returns them keyed by router name.
func attachLabels(routers []traefik.RouterDescriptor, idx map[string]map[string]string) map[string]map[string]string {
	if len(idx) == 0 {
		return nil
	}
	byRouter := make(map[string]map[string]string, len(routers))
	for i := range routers {
		d := &routers[i]
		if l, ok := idx[strings.ToLower(d.LabelKey())]; ok {
			d.Labels = l
			byRouter[d.RouterName] = l
		}
	}
	return byRouter
}

// mergeRouters upserts one service per router and applies the missing policy.
func (r *Reconciler) mergeRouters(ctx context.Context, routers []traefik.RouterDescriptor, sum *RefreshSummary) {
	seenRouters := make(map[string]bool, len(routers))
	seenNames := make(map[string]bool, len(routers))

	for i := range routers {
		d := &routers[i]
		seenRouters[d.RouterName] = true
		if d.DisplayName == "" || seenNames[d.DisplayName] {
			continue
		}
		seenNames[d.DisplayName] = true

		created, updated, err := r.upsertRouter(ctx, d)
		if err != nil {
			r.logger.Warn("upsert discovered service",
				zap.String("router", d.RouterName),
				zap.Error(err),
			)
			continue
		}
		if created {
			sum.Created++
		}
		if updated {
			sum.Updated++
		}
	}

	sum.Missing = r.applyMissingPolicy(ctx, seenRouters)
}

func (r *Reconciler) upsertRouter(ctx context.Context, d *traefik.RouterDescriptor) (created, updated bool, err error) {
	existing, err := r.store.GetService(ctx, d.DisplayName)
	if err != nil {
		return false, false, err
	}
	now := r.now()

	if existing == nil {
		svc := &models.Service{
			ID:                   uuid.New().String(),
			Name:                 d.DisplayName,
			URL:                  d.URL,
			ServiceType:          d.ServiceType(),
			Provider:             models.ProviderDiscovered,
			Description:          fmt.Sprintf("Discovered from Traefik router %s", d.RouterName),
			Tags:                 d.Tags,
			Status:               models.StatusUnknown,
			DiscoveryRouterName:  d.RouterName,
			DiscoveryServiceName: d.ServiceName,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := r.store.InsertService(ctx, svc); err != nil {
			return false, false, err
		}
		r.logger.Info("discovered new service",
			zap.String("name", svc.Name),
			zap.String("url", svc.URL),
			zap.String("router", d.RouterName),
		)
		r.publish(ctx, TopicServiceCreated, ServiceEvent{Service: svc, Origin: "discovery"})
		return true, false, nil
	}

	// Manual records keep every user field; their health is refreshed later.
	if existing.IsManual {
		return false, false, nil
	}

	next := *existing
	next.URL = d.URL
	next.ServiceType = d.ServiceType()
	next.Provider = models.ProviderDiscovered
	next.Tags = d.Tags
	next.DiscoveryRouterName = d.RouterName
	next.DiscoveryServiceName = d.ServiceName
	next.Stale = false
	if next.URL != existing.URL && !existing.HasCredentials() {
		resetDetection(&next)
	}
	if sameDiscoveryFields(existing, &next) {
		return false, false, nil
	}

	next.UpdatedAt = now
	if err := r.store.UpdateDefinition(ctx, &next); err != nil {
		return false, false, err
	}
	r.publish(ctx, TopicServiceUpdated, ServiceEvent{Service: &next, Origin: "discovery"})
	return false, true, nil
}

// applyMissingPolicy handles discovered services whose router vanished.
func (r *Reconciler) applyMissingPolicy(ctx context.Context, seen map[string]bool) int {
	services, err := r.store.ListServices(ctx)
	if err != nil {
		r.logger.Warn("list services for missing policy", zap.Error(err))
		return 0
	}

	missing := 0
	now := r.now()
	for i := range services {
		svc := &services[i]
		if svc.IsManual || svc.DiscoveryRouterName == "" || seen[svc.DiscoveryRouterName] {
			continue
		}
		missing++

		switch r.cfg.OnMissing {
		case MissingMarkStale:
			if err := r.store.SetStale(ctx, svc.ID, true, now); err != nil {
				r.logger.Warn("mark service stale", zap.String("name", svc.Name), zap.Error(err))
			}
		case MissingDelete:
			if err := r.store.DeleteService(ctx, svc.ID); err != nil {
				r.logger.Warn("delete missing service", zap.String("name", svc.Name), zap.Error(err))
				continue
			}
			r.logger.Info("removed service missing from discovery", zap.String("name", svc.Name))
			r.publish(ctx, TopicServiceDeleted, ServiceEvent{Service: svc, Origin: "discovery"})
		}
	}
	return missing
}

// processService resolves, probes and detects for one service. It never
// fails; problems are logged and the service is left for the next cycle.
func (r *Reconciler) processService(ctx context.Context, svc *models.Service, labels map[string]string, force bool, now time.Time) (checked, detected bool) {
	if ctx.Err() != nil {
		return false, false
	}
	if !svc.HasScheme() {
		r.resolveStored(ctx, svc)
	}

	_, err := r.checkHealth(ctx, svc)
	switch {
	case errors.Is(err, ErrSuperseded), errors.Is(err, ErrNotFound):
		// Edited or removed while probing; the next cycle sees the new row.
		r.logger.Debug("health result dropped", zap.String("name", svc.Name), zap.Error(err))
		return false, false
	case err != nil:
		r.logger.Warn("record health", zap.String("name", svc.Name), zap.Error(err))
	default:
		checked = true
	}

	res, err := r.detect(ctx, svc, labels, force, now)
	switch {
	case errors.Is(err, ErrSuperseded), errors.Is(err, ErrNotFound):
		r.logger.Debug("api detection result dropped", zap.String("name", svc.Name), zap.Error(err))
		return checked, false
	case err != nil:
		r.logger.Warn("record api detection", zap.String("name", svc.Name), zap.Error(err))
		return checked, false
	}
	return checked, res.Skipped == apidetect.DecisionProbe
}

// resolveStored rewrites a stored URL that lacks a scheme.
func (r *Reconciler) resolveStored(ctx context.Context, svc *models.Service) {
	resolved, _, err := r.resolver.Resolve(ctx, svc.URL)
	if err != nil && !errors.Is(err, probe.ErrUnreachable) {
		r.logger.Debug("stored url unresolvable", zap.String("name", svc.Name), zap.String("url", svc.URL), zap.Error(err))
		return
	}
	if err := r.store.UpdateURL(ctx, svc.ID, svc.URL, resolved, r.now()); err != nil {
		r.logger.Warn("store resolved url", zap.String("name", svc.Name), zap.Error(err))
		return
	}
	svc.URL = resolved
}

// checkHealth probes svc, persists the snapshot and appends a record.
func (r *Reconciler) checkHealth(ctx context.Context, svc *models.Service) (*models.HealthCheckRecord, error) {
	res := r.prober.Probe(ctx, svc.URL, r.cfg.HealthTimeout)
	healthChecksTotal.WithLabelValues(string(res.Status)).Inc()

	checkedAt := res.CheckedAt.UTC()
	if res.CheckedAt.IsZero() {
		checkedAt = r.now()
	}
	var ms *int64
	if res.Responded() {
		v := res.ResponseTimeMs
		ms = &v
	}

	snap := HealthSnapshot{URL: svc.URL, Status: res.Status, LastChecked: checkedAt, ResponseTimeMs: ms}
	previous := svc.Status
	changed := previous != res.Status
	if changed {
		snap.StatusChangedAt = &checkedAt
	}
	rec := &models.HealthCheckRecord{
		ServiceID:      svc.ID,
		ServiceName:    svc.Name,
		Status:         res.Status,
		ResponseTimeMs: ms,
		ErrorKind:      res.ErrorKind,
		ErrorMessage:   res.Error,
		CheckedAt:      checkedAt,
	}
	if err := r.store.RecordHealth(ctx, svc.ID, snap, rec); err != nil {
		return nil, err
	}

	svc.Status = res.Status
	svc.LastChecked = &checkedAt
	svc.ResponseTimeMs = ms
	if changed {
		svc.StatusChangedAt = &checkedAt
		r.logger.Debug("service status changed",
			zap.String("name", svc.Name),
			zap.String("from", string(previous)),
			zap.String("to", string(res.Status)),
			zap.String("error_kind", string(res.ErrorKind)),
		)
		r.publish(ctx, TopicServiceStatusChanged, StatusChangedEvent{
			ServiceID:   svc.ID,
			ServiceName: svc.Name,
			URL:         svc.URL,
			Previous:    previous,
			Current:     res.Status,
			ErrorKind:   res.ErrorKind,
			Error:       res.Error,
			ChangedAt:   checkedAt,
		})
	}
	return rec, nil
}

// detect runs API detection for svc under the throttle policy and stores
// the outcome. Skipped runs report the decision in Result.Skipped.
func (r *Reconciler) detect(ctx context.Context, svc *models.Service, labels map[string]string, force bool, now time.Time) (apidetect.Result, error) {
	state := apidetect.State{
		Detected:       svc.APIDetected,
		Attempts:       svc.APIDetectionAttempts,
		LastDetection:  svc.APILastDetection,
		HasCredentials: svc.HasCredentials(),
	}

	switch decision := r.policy.Decide(state, now, force); decision {
	case apidetect.DecisionProbe:
	case apidetect.DecisionCredentials:
		apiDetectionsTotal.WithLabelValues(string(decision)).Inc()
		res := apidetect.Result{
			Found: true, URL: svc.APIURL, Type: svc.APIType, Endpoint: svc.APIEndpoint,
			Source: apidetect.SourceCredentials, Skipped: decision,
		}
		if svc.APIDetected {
			return res, nil
		}
		u := DetectionUpdate{
			BaseURL:       svc.URL,
			Detected:      true,
			URL:           firstNonEmpty(svc.APIURL, svc.URL),
			Type:          firstNonEmpty(svc.APIType, "custom"),
			Endpoint:      svc.APIEndpoint,
			LastDetection: &now,
		}
		if err := r.store.UpdateDetection(ctx, svc.ID, u); err != nil {
			return res, err
		}
		applyDetection(svc, u)
		res.URL, res.Type = u.URL, u.Type
		return res, nil
	default:
		apiDetectionsTotal.WithLabelValues(string(decision)).Inc()
		return apidetect.Result{
			Found: svc.APIDetected, URL: svc.APIURL, Type: svc.APIType, Endpoint: svc.APIEndpoint,
			Skipped: decision,
		}, nil
	}

	res := r.detector.Detect(ctx, apidetect.Target{Name: svc.Name, BaseURL: svc.URL, Labels: labels})
	if ctx.Err() != nil && !res.Found {
		// Cancelled mid-run; not a real failed attempt.
		return res, ctx.Err()
	}
	apiDetectionsTotal.WithLabelValues(detectionLabel(res.Found, "")).Inc()

	next := r.policy.Record(state, res.Found, now)
	u := DetectionUpdate{
		BaseURL:       svc.URL,
		Detected:      next.Detected,
		URL:           svc.APIURL,
		Type:          svc.APIType,
		Endpoint:      svc.APIEndpoint,
		Attempts:      next.Attempts,
		LastDetection: next.LastDetection,
	}
	if res.Found {
		u.URL = firstNonEmpty(svc.APIURL, res.URL, svc.URL)
		u.Type = res.Type
		u.Endpoint = res.Endpoint
		r.logger.Info("api detected",
			zap.String("name", svc.Name),
			zap.String("type", res.Type),
			zap.String("endpoint", res.Endpoint),
			zap.String("source", string(res.Source)),
		)
	} else if next.Attempts >= r.policy.MaxAttempts {
		r.logger.Debug("api detection exhausted, throttling",
			zap.String("name", svc.Name),
			zap.Int("attempts", next.Attempts),
			zap.Timep("next_check", r.policy.NextCheck(next)),
		)
	}
	if err := r.store.UpdateDetection(ctx, svc.ID, u); err != nil {
		return res, err
	}
	applyDetection(svc, u)
	return res, nil
}

func (r *Reconciler) publish(ctx context.Context, topic string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.PublishAsync(ctx, plugin.Event{
		Topic:     topic,
		Source:    "catalog",
		Timestamp: r.now(),
		Payload:   payload,
	})
}

func applyDetection(svc *models.Service, u DetectionUpdate) {
	svc.APIDetected = u.Detected
	svc.APIURL = u.URL
	svc.APIType = u.Type
	svc.APIEndpoint = u.Endpoint
	svc.APIDetectionAttempts = u.Attempts
	svc.APILastDetection = u.LastDetection
}

func resetDetection(svc *models.Service) {
	svc.APIDetected = false
	svc.APIURL = ""
	svc.APIType = ""
	svc.APIEndpoint = ""
	svc.APIDetectionAttempts = 0
	svc.APILastDetection = nil
}

// sameDiscoveryFields reports whether a discovery upsert would change nothing.
func sameDiscoveryFields(a, b *models.Service) bool {
	return a.URL == b.URL &&
		a.ServiceType == b.ServiceType &&
		a.Provider == b.Provider &&
		strings.Join(a.Tags, "\x00") == strings.Join(b.Tags, "\x00") &&
		a.DiscoveryRouterName == b.DiscoveryRouterName &&
		a.DiscoveryServiceName == b.DiscoveryServiceName &&
		a.Stale == b.Stale &&
		a.APIDetected == b.APIDetected
}

// labelsFor finds container labels by router key, then by service name.
func labelsFor(idx map[string]map[string]string, svc *models.Service) map[string]string {
	if len(idx) == 0 {
		return nil
	}
	if svc.DiscoveryRouterName != "" {
		key, _, _ := strings.Cut(svc.DiscoveryRouterName, "@")
		if l, ok := idx[strings.ToLower(key)]; ok {
			return l
		}
	}
	name := strings.ToLower(strings.TrimSpace(svc.Name))
	if l, ok := idx[name]; ok {
		return l
	}
	return idx[strings.ReplaceAll(name, " ", "-")]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func joinWarning(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
