package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/neuroqc-norm-server/internal/domain"
)

// Manager loads and serves the application configuration using Viper.
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	// Set configuration file name and paths
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("$HOME/.qcnorm")
	viper.AddConfigPath("/etc/qcnorm/")

	// Set environment variable prefix and enable automatic env binding
	viper.SetEnvPrefix("QCNORM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	m.setDefaults()

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal configuration into struct
	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Pipeline defaults
	viper.SetDefault("pipeline.worker_pool_size", 4)
	viper.SetDefault("pipeline.progress_event_interval_rows", 10)
	viper.SetDefault("pipeline.batch_timeout", "0s")
	viper.SetDefault("pipeline.max_input_bytes", 50*1024*1024)
	viper.SetDefault("pipeline.processing_version", "qcnorm-1.0.0")
	// Composite weights default to 1.0 per metric; only overrides are listed
	// here, so the default map is empty.
	viper.SetDefault("pipeline.composite_weights", map[string]float64{})
	viper.SetDefault("pipeline.stable_slope_epsilon", 0.01)
	viper.SetDefault("pipeline.stable_sigma_epsilon", 0.5)
	viper.SetDefault("pipeline.metric_slope_epsilon", map[string]float64{})
	viper.SetDefault("pipeline.metric_sigma_epsilon", map[string]float64{})

	// Event bus defaults
	viper.SetDefault("events.subscriber_buffer", 64)

	// Intake defaults
	viper.SetDefault("intake.poll_interval", "5s")
	viper.SetDefault("intake.settle_delay", "1s")

	// Normative dataset defaults
	viper.SetDefault("normative.dataset_path", "")
	viper.SetDefault("normative.dataset_name", "builtin-v1")

	// Study store defaults
	viper.SetDefault("study.backend", "sqlite")
	viper.SetDefault("study.sqlite_path", "$HOME/.qcnorm/study.db")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "qcnorm")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "migrations")

	// Cache defaults
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.default_ttl", "24h")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")

	// Renderer defaults
	viper.SetDefault("renderer.base_url", "http://localhost:3050/")
	viper.SetDefault("renderer.timeout", "30s")
	viper.SetDefault("renderer.rate_limit", 10)
	viper.SetDefault("renderer.retry_count", 3)

	// Scanner defaults
	viper.SetDefault("scanner.enabled", false)
	viper.SetDefault("scanner.base_url", "http://localhost:3310/")
	viper.SetDefault("scanner.timeout", "10s")
	viper.SetDefault("scanner.rate_limit", 10)

	// Telemetry defaults
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.listen_addr", ":9464")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetPipelineConfig returns the pipeline configuration
func (m *Manager) GetPipelineConfig() *domain.PipelineConfig {
	return &m.config.Pipeline
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	// Validate pipeline configuration
	if config.Pipeline.WorkerPoolSize < 1 {
		return fmt.Errorf("invalid worker pool size: %d", config.Pipeline.WorkerPoolSize)
	}
	if config.Pipeline.ProgressEventIntervalRows < 1 {
		return fmt.Errorf("invalid progress event interval: %d", config.Pipeline.ProgressEventIntervalRows)
	}
	if config.Pipeline.BatchTimeout < 0 {
		return fmt.Errorf("invalid batch timeout: %s", config.Pipeline.BatchTimeout)
	}
	if config.Pipeline.MaxInputBytes <= 0 {
		return fmt.Errorf("invalid max input bytes: %d", config.Pipeline.MaxInputBytes)
	}
	for metric, w := range config.Pipeline.CompositeWeights {
		if _, ok := domain.MetricByName(metric); !ok {
			return fmt.Errorf("composite weight for unknown metric: %s", metric)
		}
		if w < 0 {
			return fmt.Errorf("composite weight for %s must be non-negative: %f", metric, w)
		}
	}

	// Validate event bus configuration
	if config.Events.SubscriberBuffer < 1 {
		return fmt.Errorf("invalid subscriber buffer: %d", config.Events.SubscriberBuffer)
	}

	// Validate intake configuration
	if config.Intake.PollInterval <= 0 {
		return fmt.Errorf("invalid intake poll interval: %s", config.Intake.PollInterval)
	}
	if config.Intake.SettleDelay < 0 {
		return fmt.Errorf("invalid intake settle delay: %s", config.Intake.SettleDelay)
	}

	// Validate study store configuration
	switch config.Study.Backend {
	case "sqlite":
		if config.Study.SQLitePath == "" {
			return fmt.Errorf("sqlite study backend requires study.sqlite_path")
		}
	case "postgres":
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	default:
		return fmt.Errorf("invalid study backend: %s", config.Study.Backend)
	}

	// Validate cache configuration
	if config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required")
	}

	// Validate scanner configuration
	if config.Scanner.Enabled && config.Scanner.BaseURL == "" {
		return fmt.Errorf("scanner base URL is required when the scanner is enabled")
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(viper.GetString("environment"))
	return env == "development" || env == "dev" || env == ""
}
