package config

import (
	"fmt"
	"net/url"
	"strings"
)

var storeBackends = map[string]bool{
	"badger": true,
	"memory": true,
}

var builtinExtractors = map[string]bool{
	ExtractorClipByShape:  true,
	ExtractorOpenDroneMap: true,
}

// Validate checks the fully merged configuration and reports the first
// offending key. It never mutates cfg.
func Validate(cfg AppConfig) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}

	u, err := url.Parse(cfg.Broker.URI)
	if err != nil {
		return fmt.Errorf("broker.uri: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return fmt.Errorf("broker.uri: unsupported scheme %q (want amqp or amqps)", u.Scheme)
	}
	if cfg.Broker.Exchange == "" {
		return fmt.Errorf("broker.exchange must not be empty")
	}
	if cfg.Broker.Queue == "" {
		return fmt.Errorf("broker.queue must not be empty")
	}
	if cfg.Broker.ReconnectMin <= 0 || cfg.Broker.ReconnectMax < cfg.Broker.ReconnectMin {
		return fmt.Errorf("broker.reconnectMin/reconnectMax: invalid backoff window")
	}

	if !storeBackends[cfg.Store.Backend] {
		return fmt.Errorf("store.backend: unknown backend %q (want badger or memory)", cfg.Store.Backend)
	}
	if cfg.Store.Backend == "badger" && cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty for the badger backend")
	}

	if cfg.Datasets.BucketURL == "" {
		return fmt.Errorf("datasets.bucketUrl must not be empty")
	}

	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.maxAttempts must be >= 1")
	}
	if cfg.Worker.Heartbeat <= 0 || cfg.Worker.LeaseTTL <= cfg.Worker.Heartbeat {
		return fmt.Errorf("worker.leaseTtl must exceed worker.heartbeat")
	}
	if cfg.Worker.MinImages < 1 {
		return fmt.Errorf("worker.minImages must be >= 1")
	}

	if cfg.Extractor == "" {
		return fmt.Errorf("extractor (MAIN_SCRIPT) must not be empty")
	}
	if !builtinExtractors[strings.ToLower(cfg.Extractor)] && !strings.ContainsAny(cfg.Extractor, `/\`) {
		return fmt.Errorf("extractor: %q is not a built-in extractor or script path", cfg.Extractor)
	}

	if cfg.API.RateLimit < 1 {
		return fmt.Errorf("api.rateLimit must be >= 1")
	}

	if cfg.OTel.SampleRatio < 0 || cfg.OTel.SampleRatio > 1 {
		return fmt.Errorf("otel.sampleRatio must be within [0,1]")
	}
	if cfg.OTel.Exporter != "grpc" && cfg.OTel.Exporter != "http" {
		return fmt.Errorf("otel.exporter: unknown exporter %q (want grpc or http)", cfg.OTel.Exporter)
	}

	return nil
}

// IsBuiltinExtractor reports whether name is one of the built-in extractors.
func IsBuiltinExtractor(name string) bool {
	return builtinExtractors[strings.ToLower(name)]
}
