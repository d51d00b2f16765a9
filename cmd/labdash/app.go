package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HerbHall/labdash/internal/catalog"
	"github.com/HerbHall/labdash/internal/config"
	"github.com/HerbHall/labdash/internal/event"
	"github.com/HerbHall/labdash/internal/notify"
	"github.com/HerbHall/labdash/internal/registry"
	"github.com/HerbHall/labdash/internal/server"
	"github.com/HerbHall/labdash/internal/store"
	"github.com/HerbHall/labdash/internal/vault"
	"github.com/HerbHall/labdash/internal/version"
	"github.com/HerbHall/labdash/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app is the composition root shared by every command.
type app struct {
	v       *viper.Viper
	logger  *zap.Logger
	db      *store.SQLiteStore
	vault   *vault.Vault
	bus     *event.Bus
	reg     *registry.Registry
	catalog *catalog.Module
}

// bootstrap loads config, opens the database and the credential vault and
// initializes every plugin. Plugins are not started.
func bootstrap(ctx context.Context, configPath string) (*app, error) {
	v, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	a := &app{v: v, logger: logger}
	if err := a.open(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	if f := a.v.ConfigFileUsed(); f != "" {
		a.logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		a.logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	dbPath := a.v.GetString("database.path")
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.db = db
	if err := db.CheckVersion(ctx, version.Version); err != nil {
		return err
	}
	a.logger.Info("database initialized", zap.String("component", "database"), zap.String("path", dbPath))

	vcfg := vault.DefaultConfig()
	if err := a.v.UnmarshalKey("vault", &vcfg); err != nil {
		return fmt.Errorf("vault config: %w", err)
	}
	vlt, err := vault.Open(vcfg, a.logger.Named("vault"))
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	a.vault = vlt

	a.bus = event.NewBus(a.logger.Named("event"))
	a.reg = registry.New(a.logger.Named("registry"))

	a.catalog = catalog.New()
	a.catalog.SetEncrypter(vlt)
	for _, m := range []plugin.Plugin{a.catalog, notify.New()} {
		if err := a.reg.Register(m); err != nil {
			return fmt.Errorf("register plugin: %w", err)
		}
	}
	if err := a.reg.Validate(); err != nil {
		return fmt.Errorf("plugin validation: %w", err)
	}

	cfg := config.New(a.v)
	if err := a.reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.PluginSection(name),
			Logger:  a.logger.Named(name),
			Store:   db,
			Bus:     a.bus,
			Plugins: a.reg,
		}
	}); err != nil {
		return fmt.Errorf("initialize plugins: %w", err)
	}
	return nil
}

// services returns the catalog operations or an error when the catalog
// module came up without a store.
func (a *app) services() (*catalog.Service, error) {
	svc := a.catalog.Service()
	if svc == nil {
		return nil, errors.New("catalog is not available")
	}
	return svc, nil
}

func (a *app) close() {
	if a.catalog != nil {
		_ = a.catalog.Stop(context.Background())
	}
	if a.bus != nil {
		a.bus.Wait()
	}
	if a.vault != nil {
		a.vault.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	_ = a.logger.Sync()
}
