package config

import (
	"time"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds job-store settings. Driver is "sqlite"
// (default, local file at Path), "postgres" (URL) or "memory".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the optional retry-request queue connection.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RuntimeConfig holds worker pool and admission settings.
type RuntimeConfig struct {
	Workers           int           `yaml:"workers"`
	QueueCapacity     int           `yaml:"queue_capacity"`
	BatchSize         int           `yaml:"batch_size"`
	FileTimeout       time.Duration `yaml:"file_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleWorkerAfter  time.Duration `yaml:"stale_worker_after"`
	DedupWindow       time.Duration `yaml:"dedup_window"`
	RequeueLimit      int           `yaml:"requeue_limit"`
}

// PipelineConfig holds the external processing service endpoint.
type PipelineConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SessionsConfig holds the on-disk session state settings.
type SessionsConfig struct {
	Dir           string        `yaml:"dir"`
	QuarantineDir string        `yaml:"quarantine_dir"`
	MaxRetries    int           `yaml:"max_retries"`
	RetentionDays int           `yaml:"retention_days"`
	OrphanAge     time.Duration `yaml:"orphan_age"`
}
