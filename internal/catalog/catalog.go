// Package catalog maintains the service registry: it merges routers from the
// discovery source with manually added services, probes their health on a
// schedule and detects which of them expose a REST API.
package catalog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/HerbHall/labdash/internal/apidetect"
	"github.com/HerbHall/labdash/internal/dockerlabels"
	"github.com/HerbHall/labdash/internal/probe"
	"github.com/HerbHall/labdash/internal/traefik"
	"github.com/HerbHall/labdash/pkg/plugin"
	"go.uber.org/zap"
)

// RoleServiceRegistry is filled by the catalog module.
const RoleServiceRegistry = "service_registry"

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// Module implements the catalog plugin.
type Module struct {
	logger *zap.Logger
	cfg    CatalogConfig
	bus    plugin.EventBus

	enc       Encrypter
	discovery Discovery
	labels    LabelSource

	store      *CatalogStore
	reconciler *Reconciler
	svc        *Service
	scheduler  *Scheduler

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new catalog plugin instance.
func New() *Module {
	return &Module{}
}

// SetEncrypter wires the credential encrypter. Call before Init.
func (m *Module) SetEncrypter(e Encrypter) {
	m.enc = e
}

// SetDiscovery replaces the Traefik client built from config. Call before Init.
func (m *Module) SetDiscovery(d Discovery) {
	m.discovery = d
}

// SetLabelSource replaces the Docker label source. Call before Init.
func (m *Module) SetLabelSource(l LabelSource) {
	m.labels = l
}

// Info implements plugin.Plugin.
func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "catalog",
		Version:     "0.1.0",
		Description: "Service discovery, health checks and API detection",
		Required:    true,
		Roles:       []string{RoleServiceRegistry},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

// Init implements plugin.Plugin.
func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus
	cfg, err := loadConfig(deps.Config)
	if err != nil {
		m.logger.Warn("failed to unmarshal catalog config, using defaults", zap.Error(err))
	}
	m.cfg = cfg

	if deps.Store == nil {
		m.logger.Warn("catalog module initialized without a store; registry is unavailable")
		return nil
	}
	if err := deps.Store.Migrate(ctx, "catalog", migrations()); err != nil {
		return fmt.Errorf("catalog migrations: %w", err)
	}
	m.store = NewCatalogStore(deps.Store.DB(), m.enc)

	if m.discovery == nil && m.cfg.Traefik.Configured() {
		m.discovery = traefik.NewClient(m.cfg.Traefik, m.logger.Named("traefik"))
	}
	if m.labels == nil && m.cfg.Docker.Enabled {
		src, err := dockerlabels.New(m.cfg.Docker, m.logger.Named("docker"))
		if err != nil {
			m.logger.Warn("docker label source unavailable", zap.Error(err))
		} else {
			m.labels = src
		}
	}

	health := probe.NewHTTPProber()
	var detectOpts []apidetect.Option
	if m.cfg.DetectRate > 0 {
		detectOpts = append(detectOpts, apidetect.WithRate(m.cfg.DetectRate, 1))
	}
	detector := apidetect.NewDetector(
		probe.NewHTTPProber(probe.WithMaxRedirects(0)),
		m.cfg.ProbeTimeout,
		m.logger.Named("apidetect"),
		detectOpts...,
	)
	resolver := probe.NewResolver(health, m.cfg.ResolveTimeout, m.logger.Named("resolver"))

	m.reconciler = NewReconciler(m.cfg, ReconcilerDeps{
		Store:     m.store,
		Discovery: m.discovery,
		Labels:    m.labels,
		Resolver:  resolver,
		Prober:    health,
		Detector:  detector,
		Bus:       m.bus,
		Logger:    m.logger.Named("reconciler"),
	})
	m.svc = NewService(m.store, m.reconciler, resolver, m.logger)

	m.logger.Info("catalog module initialized",
		zap.Bool("discovery_configured", m.discovery != nil),
		zap.Bool("docker_labels", m.labels != nil),
		zap.Duration("refresh_interval", m.cfg.RefreshInterval),
		zap.String("on_missing", string(m.cfg.OnMissing)),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

// Start implements plugin.Plugin.
func (m *Module) Start(ctx context.Context) error {
	if m.svc == nil {
		m.logger.Info("catalog module started (no store)")
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if m.cfg.RefreshInterval > 0 {
		m.scheduler = NewScheduler(func(ctx context.Context) {
			m.reconciler.Refresh(ctx, RefreshOptions{})
		}, m.cfg.RefreshInterval, m.logger.Named("scheduler"))
		m.scheduler.Start(m.ctx)
	}
	if m.cfg.MaintenanceInterval > 0 && m.cfg.RetentionPeriod > 0 {
		m.startMaintenance()
	}

	m.logger.Info("catalog module started")
	return nil
}

// Stop implements plugin.Plugin. It cancels any refresh in flight and
// returns once that cycle has stopped writing. Later calls are no-ops.
func (m *Module) Stop(_ context.Context) error {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		if m.scheduler != nil {
			m.scheduler.Stop()
		}
		if m.reconciler != nil {
			m.reconciler.Close()
		}
		m.wg.Wait()
		if m.logger != nil {
			m.logger.Info("catalog module stopped")
		}
	})
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.svc == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "catalog store not available"}
	}
	last := m.reconciler.LastSummary()
	if last == nil {
		return plugin.HealthStatus{Status: "healthy", Message: "awaiting first refresh"}
	}
	details := map[string]string{
		"discovery_available": strconv.FormatBool(last.DiscoveryAvailable),
		"discovered":          strconv.Itoa(last.DiscoveredCount),
		"health_checks":       strconv.Itoa(last.HealthChecksPerformed),
		"last_refresh":        last.StartedAt.Format(time.RFC3339),
	}
	msg := "last refresh OK"
	if last.Warning != "" {
		msg = last.Warning
	}
	return plugin.HealthStatus{Status: "healthy", Message: msg, Details: details}
}

// Service returns the registry operations, or nil when no store is wired.
func (m *Module) Service() *Service {
	return m.svc
}
