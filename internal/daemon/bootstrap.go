// Package daemon wires gleaner's components together and owns the process
// lifecycle: startup order, config reload plumbing and graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agriscope/gleaner/internal/api"
	"github.com/agriscope/gleaner/internal/bus"
	"github.com/agriscope/gleaner/internal/cache"
	"github.com/agriscope/gleaner/internal/config"
	"github.com/agriscope/gleaner/internal/dataset"
	"github.com/agriscope/gleaner/internal/exec"
	"github.com/agriscope/gleaner/internal/extractor"
	"github.com/agriscope/gleaner/internal/health"
	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/plots"
	"github.com/agriscope/gleaner/internal/report"
	"github.com/agriscope/gleaner/internal/store"
	"github.com/agriscope/gleaner/internal/telemetry"
	"github.com/agriscope/gleaner/internal/worker"
)

// cacheJanitorInterval is the cleanup cadence of the in-process cache.
const cacheJanitorInterval = 5 * time.Minute

// Components holds every subsystem the daemon runs. Bootstrap builds them
// in dependency order; Close tears them down in reverse.
type Components struct {
	Cfg config.AppConfig

	Store     store.JobStore
	Bus       bus.Bus
	Datasets  *dataset.Store
	Plots     *plots.Registry
	Cache     cache.Cache
	Reporter  *report.Reporter
	Tools     exec.Factory
	Health    *health.Manager
	API       *api.Server
	Orch      *worker.Orchestrator
	Sweeper   *worker.Sweeper
	Telemetry *telemetry.Provider
}

// Bootstrap builds all components from a validated config. On error,
// everything already built is closed before returning.
func Bootstrap(ctx context.Context, cfg config.AppConfig) (c *Components, err error) {
	c = &Components{Cfg: cfg}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	logger := log.WithComponent("daemon")

	c.Telemetry, err = telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    "gleaner",
		ServiceVersion: cfg.Version,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		SampleRatio:    cfg.OTel.SampleRatio,
		Insecure:       cfg.OTel.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	c.Store, err = store.Open(cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("job store: %w", err)
	}

	c.Bus, err = openBus(cfg)
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}

	c.Datasets, err = dataset.Open(ctx, cfg.Datasets.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("dataset store: %w", err)
	}

	c.Plots, err = plots.Open(cfg.Plots.DBPath)
	if err != nil {
		return nil, fmt.Errorf("plot registry: %w", err)
	}
	if cfg.Plots.GeoJSON != "" {
		if n, err := importPlots(ctx, c.Plots, cfg.Plots.GeoJSON); err != nil {
			return nil, fmt.Errorf("plot import: %w", err)
		} else if n > 0 {
			logger.Info().
				Str(log.FieldEvent, "plots.imported").
				Str(log.FieldPath, cfg.Plots.GeoJSON).
				Int("count", n).
				Msg("plot boundaries imported")
		}
	}

	c.Cache = openCache(cfg)

	c.Reporter, err = report.New(cfg.Influx)
	if err != nil {
		return nil, fmt.Errorf("influx reporter: %w", err)
	}

	c.Tools = exec.NewFactory(&cfg)

	c.Health = health.NewManager(cfg.Version)
	c.Health.RegisterChecker(health.NewBrokerChecker(brokerProbe(c.Bus)))
	c.Health.RegisterChecker(health.NewStoreChecker(c.Store))
	c.Health.RegisterChecker(health.NewWorkspaceChecker(cfg.DataDir))
	if !cfg.Virtual {
		c.Health.RegisterChecker(health.NewToolChecker("gdalwarp", cfg.Tools.GDALWarp))
	}

	c.API = api.New(c.Store, c.Bus, c.Health, cfg.API)

	c.Orch = &worker.Orchestrator{
		Store:          c.Store,
		Bus:            c.Bus,
		Datasets:       c.Datasets,
		Extractors:     extractor.Defaults(),
		Tools:          c.Tools,
		Plots:          c.Plots,
		Cache:          c.Cache,
		Reporter:       c.Reporter,
		Selector:       cfg.Extractor,
		DataDir:        cfg.DataDir,
		Concurrency:    cfg.Worker.Concurrency,
		JobTimeout:     cfg.Worker.JobTimeout,
		LeaseTTL:       cfg.Worker.LeaseTTL,
		Heartbeat:      cfg.Worker.Heartbeat,
		IdempotencyTTL: cfg.Worker.IdempotencyTTL,
		MaxAttempts:    cfg.Worker.MaxAttempts,
		MinImages:      cfg.Worker.MinImages,
		DrainTimeout:   cfg.Worker.DrainTimeout,
	}

	c.Sweeper = &worker.Sweeper{
		Store:   c.Store,
		DataDir: cfg.DataDir,
		Conf: worker.SweeperConfig{
			Interval:  cfg.Worker.SweepInterval,
			Retention: cfg.Worker.Retention,
		},
	}

	return c, nil
}

// openBus selects the transport. Virtual mode runs fully in-process; the
// real deployment dials RabbitMQ with the RABBITMQ_VHOST override applied.
func openBus(cfg config.AppConfig) (bus.Bus, error) {
	if cfg.Virtual {
		return bus.NewMemoryBus(), nil
	}
	return bus.NewAMQP(cfg.Broker)
}

// brokerProbe returns the connection probe for the readiness check, or nil
// for transports without connection state.
func brokerProbe(b bus.Bus) func() bool {
	if amqpBus, ok := b.(*bus.AMQPBus); ok {
		return amqpBus.Connected
	}
	return nil
}

// openCache prefers Redis when configured and falls back to the in-process
// cache on connection failure rather than refusing to start.
func openCache(cfg config.AppConfig) cache.Cache {
	if cfg.Redis.Addr == "" {
		return cache.NewMemoryCache(cacheJanitorInterval)
	}
	logger := log.WithComponent("cache")
	redisCache, err := cache.NewRedisCache(cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("addr", cfg.Redis.Addr).
			Msg("redis unavailable, using in-process cache")
		return cache.NewMemoryCache(cacheJanitorInterval)
	}
	return redisCache
}

// importPlots loads a GeoJSON boundary file into the registry.
func importPlots(ctx context.Context, registry *plots.Registry, path string) (int, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-configured boundary file
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return registry.ImportGeoJSON(ctx, f)
}

// Close shuts components down in reverse build order. Safe on partially
// built sets.
func (c *Components) Close() {
	logger := log.WithComponent("daemon")

	if c.Reporter != nil {
		if err := c.Reporter.Close(); err != nil {
			logger.Warn().Err(err).Msg("reporter close failed")
		}
	}
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil {
			logger.Warn().Err(err).Msg("cache close failed")
		}
	}
	if c.Plots != nil {
		if err := c.Plots.Close(); err != nil {
			logger.Warn().Err(err).Msg("plot registry close failed")
		}
	}
	if c.Datasets != nil {
		if err := c.Datasets.Close(); err != nil {
			logger.Warn().Err(err).Msg("dataset store close failed")
		}
	}
	if c.Bus != nil {
		if err := c.Bus.Close(); err != nil {
			logger.Warn().Err(err).Msg("bus close failed")
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn().Err(err).Msg("job store close failed")
		}
	}
	if c.Telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.Telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
		cancel()
	}
}
