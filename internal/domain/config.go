package domain

import (
	"time"
)

// Config is the main application configuration.
type Config struct {
	Pipeline  PipelineConfig   `mapstructure:"pipeline"`
	Events    EventsConfig     `mapstructure:"events"`
	Intake    IntakeConfig     `mapstructure:"intake"`
	Normative NormativeConfig  `mapstructure:"normative"`
	Study     StudyStoreConfig `mapstructure:"study"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Renderer  RendererConfig   `mapstructure:"renderer"`
	Scanner   ScannerConfig    `mapstructure:"scanner"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// PipelineConfig tunes the batch orchestrator and the assessment policy.
// None of these values may change while a batch is in flight.
type PipelineConfig struct {
	WorkerPoolSize            int                `mapstructure:"worker_pool_size"`
	ProgressEventIntervalRows int                `mapstructure:"progress_event_interval_rows"`
	BatchTimeout              time.Duration      `mapstructure:"batch_timeout"`
	MaxInputBytes             int64              `mapstructure:"max_input_bytes"`
	ProcessingVersion         string             `mapstructure:"processing_version"`
	CompositeWeights          map[string]float64 `mapstructure:"composite_weights"`
	StableSlopeEpsilon        float64            `mapstructure:"stable_slope_epsilon"`
	StableSigmaEpsilon        float64            `mapstructure:"stable_sigma_epsilon"`
	MetricSlopeEpsilon        map[string]float64 `mapstructure:"metric_slope_epsilon"`
	MetricSigmaEpsilon        map[string]float64 `mapstructure:"metric_sigma_epsilon"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// IntakeConfig tunes the file-intake loop. SettleDelay is how long a file
// must sit unmodified before it is picked up, so partially written uploads
// are not consumed.
type IntakeConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
}

// NormativeConfig locates the normative dataset.
type NormativeConfig struct {
	DatasetPath string `mapstructure:"dataset_path"`
	DatasetName string `mapstructure:"dataset_name"`
}

// StudyStoreConfig selects and configures the study configuration backend.
type StudyStoreConfig struct {
	Backend    string `mapstructure:"backend"` // "sqlite" or "postgres"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// DatabaseConfig holds the Postgres connection settings used by the batch
// archive and, when selected, the study store backend.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig holds the Redis settings for the report cache.
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// RendererConfig holds the external PDF renderer settings.
type RendererConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RetryCount int           `mapstructure:"retry_count"`
}

// ScannerConfig holds the external virus scanner settings. The scanner is an
// advisory gate; when disabled or unreachable, inputs pass with a warning.
type ScannerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit int           `mapstructure:"rate_limit"`
}

// TelemetryConfig controls the Prometheus exposition endpoint.
type TelemetryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
	Output string `mapstructure:"output"`
}
