package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agriscope/gleaner/internal/config"
	"github.com/agriscope/gleaner/internal/log"
)

// PerformStartupChecks validates the environment and dependencies before the
// daemon starts consuming.
func PerformStartupChecks(ctx context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}

	if err := checkListenAddr(logger, cfg.Listen); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}

	if err := checkBrokerURI(logger, cfg.Broker.URI); err != nil {
		return fmt.Errorf("broker URI check failed: %w", err)
	}

	if err := checkTools(logger, cfg); err != nil {
		return fmt.Errorf("tool check failed: %w", err)
	}

	if strings.EqualFold(cfg.Store.Backend, "memory") {
		logger.Warn().
			Str("store_backend", cfg.Store.Backend).
			Msg("job store is in-memory; job history does not survive restarts")
	}

	tempDir := filepath.Clean(os.TempDir())
	dataDir := filepath.Clean(cfg.DataDir)
	if tempDir != "." && (dataDir == tempDir || strings.HasPrefix(dataDir, tempDir+string(filepath.Separator))) {
		logger.Warn().
			Str("data_dir", cfg.DataDir).
			Msg("data directory is under temp; staged data and job state may be lost on reboot")
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("✓ Data directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("✓ HTTP listen address is valid")
	return nil
}

func checkBrokerURI(logger zerolog.Logger, uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid RABBITMQ_URI: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return fmt.Errorf("RABBITMQ_URI scheme must be amqp or amqps, got: %s", u.Scheme)
	}
	logger.Info().Str("uri", config.MaskURL(uri)).Msg("✓ Broker URI is valid")
	return nil
}

// checkTools resolves the external binaries the selected extractor shells
// out to. Virtual mode replaces them with stubs, so nothing is required.
func checkTools(logger zerolog.Logger, cfg config.AppConfig) error {
	if cfg.Virtual {
		logger.Info().Msg("Virtual mode; skipping external tool checks")
		return nil
	}

	var bins []string
	switch cfg.Extractor {
	case config.ExtractorClipByShape:
		bins = []string{cfg.Tools.GDALWarp, cfg.Tools.GDALTranslate, cfg.Tools.GDALInfo, cfg.Tools.Convert}
	case config.ExtractorOpenDroneMap:
		bins = []string{cfg.Tools.ODM, cfg.Tools.Convert}
	default:
		// Script mode. LookPath on a path with a separator verifies the
		// file itself is executable.
		bins = []string{cfg.Extractor}
	}

	for _, bin := range bins {
		if bin == "" {
			continue
		}
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("tool binary not found (%s): %w", bin, err)
		}
	}
	logger.Info().Str("extractor", cfg.Extractor).Msg("✓ External tools available")
	return nil
}
