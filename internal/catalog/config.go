package catalog

import (
	"fmt"
	"time"

	"github.com/HerbHall/labdash/internal/apidetect"
	"github.com/HerbHall/labdash/internal/dockerlabels"
	"github.com/HerbHall/labdash/internal/probe"
	"github.com/HerbHall/labdash/internal/traefik"
	"github.com/HerbHall/labdash/pkg/plugin"
)

// MissingPolicy decides what happens to a discovered service whose router
// no longer appears in the discovery source.
type MissingPolicy string

const (
	MissingKeep      MissingPolicy = "keep"
	MissingMarkStale MissingPolicy = "mark_stale"
	MissingDelete    MissingPolicy = "delete"
)

// Valid reports whether p is a known policy.
func (p MissingPolicy) Valid() bool {
	switch p {
	case MissingKeep, MissingMarkStale, MissingDelete:
		return true
	}
	return false
}

// CatalogConfig holds configuration for the catalog module.
type CatalogConfig struct {
	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
	HealthTimeout       time.Duration `mapstructure:"health_timeout"`
	ResolveTimeout      time.Duration `mapstructure:"resolve_timeout"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	DetectMaxAttempts   int           `mapstructure:"detect_max_attempts"`
	DetectCooldown      time.Duration `mapstructure:"detect_cooldown"`
	DetectCacheTTL      time.Duration `mapstructure:"detect_cache_ttl"`
	DetectRate          float64       `mapstructure:"detect_rate"`
	MaxWorkers          int           `mapstructure:"max_workers"`
	OnMissing           MissingPolicy `mapstructure:"on_missing"`
	RetentionPeriod     time.Duration `mapstructure:"retention_period"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`

	Traefik traefik.Config      `mapstructure:"traefik"`
	Docker  dockerlabels.Config `mapstructure:"docker"`
}

// DefaultConfig returns the catalog defaults.
func DefaultConfig() CatalogConfig {
	return CatalogConfig{
		RefreshInterval:     30 * time.Second,
		HealthTimeout:       10 * time.Second,
		ResolveTimeout:      probe.DefaultResolveTimeout,
		ProbeTimeout:        apidetect.DefaultProbeTimeout,
		DetectMaxAttempts:   apidetect.DefaultMaxAttempts,
		DetectCooldown:      apidetect.DefaultCooldown,
		DetectCacheTTL:      apidetect.DefaultCacheTTL,
		MaxWorkers:          10,
		OnMissing:           MissingKeep,
		RetentionPeriod:     30 * 24 * time.Hour,
		MaintenanceInterval: 1 * time.Hour,
		Traefik:             traefik.DefaultConfig(),
	}
}

// Policy returns the detection throttle derived from the config.
func (c CatalogConfig) Policy() apidetect.Policy {
	return apidetect.Policy{
		MaxAttempts: c.DetectMaxAttempts,
		Cooldown:    c.DetectCooldown,
		CacheTTL:    c.DetectCacheTTL,
	}
}

// Validate rejects settings the module cannot run with.
func (c CatalogConfig) Validate() error {
	if !c.OnMissing.Valid() {
		return fmt.Errorf("on_missing: unknown policy %q (want keep, mark_stale or delete)", c.OnMissing)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.DetectMaxAttempts < 1 {
		return fmt.Errorf("detect_max_attempts must be at least 1, got %d", c.DetectMaxAttempts)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("refresh_interval must not be negative, got %s", c.RefreshInterval)
	}
	for key, d := range map[string]time.Duration{
		"health_timeout":  c.HealthTimeout,
		"resolve_timeout": c.ResolveTimeout,
		"probe_timeout":   c.ProbeTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	return nil
}

// loadConfig overlays the configured keys onto the defaults. A key set to
// zero keeps its zero value, so refresh_interval: 0 disables the scheduler.
func loadConfig(c plugin.Config) (CatalogConfig, error) {
	cfg := DefaultConfig()
	if c == nil {
		return cfg, nil
	}
	if err := c.Unmarshal(&cfg); err != nil {
		return DefaultConfig(), err
	}
	return cfg, nil
}
