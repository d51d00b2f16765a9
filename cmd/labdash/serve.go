package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/HerbHall/labdash/internal/server"
	"github.com/HerbHall/labdash/internal/version"
	"github.com/HerbHall/labdash/internal/ws"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, cmd *cli.Command) error {
	a, err := bootstrap(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("LabDash server starting", zap.String("version", version.Short()))

	if err := a.reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start plugins: %w", err)
	}

	srvCfg := server.ServerConfig(a.v)
	var lister ws.ServiceLister
	if svc := a.catalog.Service(); svc != nil {
		lister = svc
	}
	wsHandler := ws.NewHandler(lister, a.bus, srvCfg.WSOrigins, a.logger.Named("ws"))
	defer wsHandler.Close()

	ready := server.ReadinessChecker(func(ctx context.Context) error {
		return a.db.Ping(ctx)
	})
	srv := server.New(srvCfg.Addr(), a.reg, a.logger, ready, srvCfg.DevMode, wsHandler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	a.logger.Info("LabDash server ready", zap.String("addr", srvCfg.Addr()))
	fmt.Fprintf(os.Stderr, "\n  LabDash %s is ready on http://localhost:%d\n\n", version.Short(), srvCfg.Port)

	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case err = <-errCh:
		if err != nil {
			a.logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Error("server shutdown error", zap.Error(serr))
	}
	a.reg.StopAll(shutdownCtx)
	a.logger.Info("LabDash server stopped")
	return err
}
