// Package config provides configuration management for the QC normalization
// pipeline. This file contains the lightweight configuration for the
// standalone CLI, which needs no Postgres, Redis, or external services.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LiteConfig is a simplified configuration for standalone CLI operation.
// Study configurations live in a local SQLite file and all processing is
// in-process.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for data files

	// Normative dataset
	DatasetPath string // Optional YAML dataset overriding the built-in norms

	// Pipeline settings
	WorkerPoolSize    int    // Concurrent rows per batch
	MaxInputBytes     int64  // Upload size cap
	ProcessingVersion string // Stamped onto every processed subject

	// External services
	RendererURL string // Optional PDF renderer base URL; empty uses the client default

	// Cache settings
	CacheMaxItems int           // Maximum items in memory caches
	CacheTTL      time.Duration // Default cache TTL

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".qcnorm")

	return &LiteConfig{
		DataDir:           dataDir,
		WorkerPoolSize:    4,
		MaxInputBytes:     50 * 1024 * 1024,
		ProcessingVersion: "qcnorm-1.0.0",
		CacheMaxItems:     1000,
		CacheTTL:          24 * time.Hour,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	// Data directory
	if v := os.Getenv("QCNORM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Normative dataset
	if v := os.Getenv("QCNORM_DATASET_PATH"); v != "" {
		cfg.DatasetPath = v
	}

	// Pipeline settings
	if v := os.Getenv("QCNORM_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("QCNORM_MAX_INPUT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxInputBytes = n
		}
	}
	if v := os.Getenv("QCNORM_PROCESSING_VERSION"); v != "" {
		cfg.ProcessingVersion = v
	}

	// External services
	if v := os.Getenv("QCNORM_RENDERER_URL"); v != "" {
		cfg.RendererURL = v
	}

	// Cache settings
	if v := os.Getenv("QCNORM_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("QCNORM_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	// Logging
	if v := os.Getenv("QCNORM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QCNORM_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// StudyDBPath returns the path to the study configuration SQLite database.
func (c *LiteConfig) StudyDBPath() string {
	return filepath.Join(c.DataDir, "study.db")
}

// ExportDir returns the directory for CSV and PDF exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// NormsPath returns the conventional location of a local dataset override.
func (c *LiteConfig) NormsPath() string {
	return filepath.Join(c.DataDir, "norms.yaml")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}
