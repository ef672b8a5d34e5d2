// gleanerd consumes extraction requests from RabbitMQ and runs the
// configured extractor over staged drone imagery datasets.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/agriscope/gleaner/internal/config"
	"github.com/agriscope/gleaner/internal/daemon"
	"github.com/agriscope/gleaner/internal/health"
	xglog "github.com/agriscope/gleaner/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	virtual := flag.Bool("virtual", false, "run with stubbed tools and an in-process broker")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until config is loaded.
	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "gleaner",
		Version: version,
	})
	logger := xglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit via --config, otherwise ${GLEANER_DATA}/config.yaml
	// when it exists.
	explicitConfigPath := strings.TrimSpace(*configPath)
	effectiveConfigPath := explicitConfigPath
	if effectiveConfigPath == "" {
		dataDir := strings.TrimSpace(config.ParseString("GLEANER_DATA", ""))
		if dataDir != "" {
			autoPath := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(autoPath); err == nil {
				effectiveConfigPath = autoPath
			}
		}
	}

	loader := config.NewLoader(effectiveConfigPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}
	if *virtual {
		cfg.Virtual = true
	}

	// Re-configure with the loaded level.
	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: "gleaner",
		Version: cfg.Version,
	})

	if effectiveConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", effectiveConfigPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env").
			Msg("loaded configuration from environment")
	}

	logger.Info().
		Str("event", "daemon.config").
		Str("extractor", cfg.Extractor).
		Str("broker", config.MaskURL(cfg.Broker.URI)).
		Str("exchange", cfg.Broker.Exchange).
		Str("queue", cfg.Broker.Queue).
		Str("data_dir", cfg.DataDir).
		Bool("virtual", cfg.Virtual).
		Msg("effective configuration")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.startup_checks_failed").
			Msg("startup checks failed")
	}

	comp, err := daemon.Bootstrap(ctx, cfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.bootstrap_failed").
			Msg("component bootstrap failed")
	}
	defer comp.Close()

	holder := config.NewHolder(cfg, loader, effectiveConfigPath)
	app := daemon.New(comp, holder)

	if err := app.Run(ctx); err != nil {
		logger.Error().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon exited with error")
		// Fatal would os.Exit past the deferred Close; flush stores and
		// exporters explicitly before the non-zero exit.
		comp.Close()
		os.Exit(1)
	}
}
