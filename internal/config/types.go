// Package config loads and validates gleaner's runtime configuration with
// precedence ENV > YAML file > defaults.
package config

import "time"

// Built-in extractor names accepted by MAIN_SCRIPT.
const (
	ExtractorClipByShape  = "clipbyshape"
	ExtractorOpenDroneMap = "opendronemap"
)

// AppConfig is the fully resolved runtime configuration.
type AppConfig struct {
	Version  string
	DataDir  string
	LogLevel string
	Listen   string

	// Extractor is the value of MAIN_SCRIPT: a built-in extractor name or the
	// path of an executable to run in script mode.
	Extractor string

	// Virtual replaces external tool invocations with stubs.
	Virtual bool

	Broker   BrokerConfig
	Store    StoreConfig
	Datasets DatasetConfig
	Worker   WorkerConfig
	Tools    ToolsConfig
	Plots    PlotsConfig
	Redis    RedisConfig
	Influx   InfluxConfig
	API      APIConfig
	OTel     OTelConfig
}

// BrokerConfig describes the RabbitMQ connection and topology.
type BrokerConfig struct {
	URI          string
	Exchange     string
	VHost        string
	Queue        string
	Prefetch     int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Backend string // "badger" or "memory"
	Path    string
}

// DatasetConfig locates the dataset bucket.
type DatasetConfig struct {
	BucketURL string // gocloud blob URL, e.g. file:///data/datasets
}

// WorkerConfig tunes the orchestrator.
type WorkerConfig struct {
	Concurrency    int
	JobTimeout     time.Duration
	LeaseTTL       time.Duration
	Heartbeat      time.Duration
	IdempotencyTTL time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
	MaxAttempts    int
	MinImages      int
	DrainTimeout   time.Duration
}

// ToolsConfig holds external tool binary paths.
type ToolsConfig struct {
	GDALWarp      string
	GDALTranslate string
	GDALInfo      string
	Convert       string
	ODM           string

	// KillTimeout is the grace between SIGTERM and SIGKILL when a tool
	// must be stopped.
	KillTimeout time.Duration
}

// PlotsConfig locates the plot boundary registry.
type PlotsConfig struct {
	DBPath  string
	GeoJSON string // optional boundary file imported at startup and on reload
}

// RedisConfig enables the shared cache when Addr is non-empty.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// InfluxConfig enables the run reporter when Host is non-empty.
type InfluxConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	RateLimit int // requests per minute per client
	RateBurst int
}

// OTelConfig controls trace export.
type OTelConfig struct {
	Enabled     bool
	Endpoint    string
	Exporter    string // "grpc" or "http"
	SampleRatio float64
	Insecure    bool
}

// FileConfig is the on-disk YAML schema. Pointer fields distinguish
// "absent" from zero values during the merge.
type FileConfig struct {
	DataDir   string `yaml:"dataDir,omitempty"`
	LogLevel  string `yaml:"logLevel,omitempty"`
	Listen    string `yaml:"listen,omitempty"`
	Extractor string `yaml:"extractor,omitempty"`
	Virtual   *bool  `yaml:"virtual,omitempty"`

	Broker struct {
		URI          string `yaml:"uri,omitempty"`
		Exchange     string `yaml:"exchange,omitempty"`
		VHost        string `yaml:"vhost,omitempty"`
		Queue        string `yaml:"queue,omitempty"`
		Prefetch     *int   `yaml:"prefetch,omitempty"`
		ReconnectMin string `yaml:"reconnectMin,omitempty"`
		ReconnectMax string `yaml:"reconnectMax,omitempty"`
	} `yaml:"broker,omitempty"`

	Store struct {
		Backend string `yaml:"backend,omitempty"`
		Path    string `yaml:"path,omitempty"`
	} `yaml:"store,omitempty"`

	Datasets struct {
		BucketURL string `yaml:"bucketUrl,omitempty"`
	} `yaml:"datasets,omitempty"`

	Worker struct {
		Concurrency    *int   `yaml:"concurrency,omitempty"`
		JobTimeout     string `yaml:"jobTimeout,omitempty"`
		LeaseTTL       string `yaml:"leaseTtl,omitempty"`
		Heartbeat      string `yaml:"heartbeat,omitempty"`
		IdempotencyTTL string `yaml:"idempotencyTtl,omitempty"`
		Retention      string `yaml:"retention,omitempty"`
		SweepInterval  string `yaml:"sweepInterval,omitempty"`
		MaxAttempts    *int   `yaml:"maxAttempts,omitempty"`
		MinImages      *int   `yaml:"minImages,omitempty"`
		DrainTimeout   string `yaml:"drainTimeout,omitempty"`
	} `yaml:"worker,omitempty"`

	Tools struct {
		GDALWarp      string `yaml:"gdalwarp,omitempty"`
		GDALTranslate string `yaml:"gdalTranslate,omitempty"`
		GDALInfo      string `yaml:"gdalinfo,omitempty"`
		Convert       string `yaml:"convert,omitempty"`
		ODM           string `yaml:"odm,omitempty"`
		KillTimeout   string `yaml:"killTimeout,omitempty"`
	} `yaml:"tools,omitempty"`

	Plots struct {
		DBPath  string `yaml:"dbPath,omitempty"`
		GeoJSON string `yaml:"geojson,omitempty"`
	} `yaml:"plots,omitempty"`

	Redis struct {
		Addr     string `yaml:"addr,omitempty"`
		Password string `yaml:"password,omitempty"`
		DB       *int   `yaml:"db,omitempty"`
	} `yaml:"redis,omitempty"`

	Influx struct {
		Host     string `yaml:"host,omitempty"`
		Port     *int   `yaml:"port,omitempty"`
		Database string `yaml:"database,omitempty"`
		User     string `yaml:"user,omitempty"`
		Password string `yaml:"password,omitempty"`
	} `yaml:"influx,omitempty"`

	API struct {
		RateLimit *int `yaml:"rateLimit,omitempty"`
		RateBurst *int `yaml:"rateBurst,omitempty"`
	} `yaml:"api,omitempty"`

	OTel struct {
		Enabled     *bool    `yaml:"enabled,omitempty"`
		Endpoint    string   `yaml:"endpoint,omitempty"`
		Exporter    string   `yaml:"exporter,omitempty"`
		SampleRatio *float64 `yaml:"sampleRatio,omitempty"`
		Insecure    *bool    `yaml:"insecure,omitempty"`
	} `yaml:"otel,omitempty"`
}
