package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agriscope/gleaner/internal/config"
	"github.com/agriscope/gleaner/internal/log"
)

const httpShutdownGrace = 10 * time.Second

// App supervises the daemon's long-running parts: the orchestrator, the
// retention sweeper, the HTTP surface and config reload handling. All of
// them run under one errgroup; the first hard failure stops the rest.
type App struct {
	comp   *Components
	holder *config.Holder
}

// New assembles an App around bootstrapped components. holder may be nil
// when hot reload is not wanted (tests, one-shot tools).
func New(comp *Components, holder *config.Holder) *App {
	return &App{comp: comp, holder: holder}
}

// Run blocks until ctx is cancelled or a component fails. A clean shutdown
// returns nil.
func (a *App) Run(ctx context.Context) error {
	logger := log.WithComponent("daemon")
	g, ctx := errgroup.WithContext(ctx)

	if a.holder != nil {
		if err := a.holder.StartWatcher(ctx); err != nil {
			// Reload is a convenience, not a dependency.
			logger.Warn().Err(err).Msg("config watcher unavailable")
		}
		g.Go(func() error { return a.reloadOnSignal(ctx) })
		g.Go(func() error { return a.applyReloads(ctx) })
	}

	g.Go(func() error { return a.serveHTTP(ctx) })
	g.Go(func() error { return a.comp.Orch.Run(ctx) })
	g.Go(func() error { return a.comp.Sweeper.Run(ctx) })

	logger.Info().
		Str(log.FieldEvent, "daemon.started").
		Str(log.FieldExtractor, a.comp.Cfg.Extractor).
		Str("listen", a.comp.Cfg.Listen).
		Bool("virtual", a.comp.Cfg.Virtual).
		Msg("gleaner daemon running")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("gleaner daemon stopped")
		return nil
	}
	return err
}

// serveHTTP runs the probe/metrics/API listener with graceful shutdown.
func (a *App) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.comp.Cfg.Listen,
		Handler:           a.comp.API.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

// reloadOnSignal triggers a config reload on SIGHUP.
func (a *App) reloadOnSignal(ctx context.Context) error {
	logger := log.WithComponent("daemon")
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			if err := a.holder.Reload(ctx); err != nil {
				logger.Warn().Err(err).Msg("SIGHUP reload rejected, keeping current config")
			}
		}
	}
}

// applyReloads consumes reload notifications and applies the settings that
// can change at runtime: log level and plot boundaries. Anything else
// (broker, store, workspace) needs a restart.
func (a *App) applyReloads(ctx context.Context) error {
	logger := log.WithComponent("daemon")
	updates := make(chan config.AppConfig, 1)
	a.holder.RegisterListener(updates)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg := <-updates:
			if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
				zerolog.SetGlobalLevel(lvl)
			}
			if cfg.Plots.GeoJSON != "" {
				if n, err := importPlots(ctx, a.comp.Plots, cfg.Plots.GeoJSON); err != nil {
					logger.Warn().
						Err(err).
						Str(log.FieldPath, cfg.Plots.GeoJSON).
						Msg("plot re-import failed, keeping current boundaries")
				} else if n > 0 {
					logger.Info().
						Str(log.FieldEvent, "plots.reimported").
						Int("count", n).
						Msg("plot boundaries refreshed")
				}
			}
		}
	}
}
