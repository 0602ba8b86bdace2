package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with all defaults applied, used when
// no config file is given.
func Default() *AppConfig {
	cfg := &AppConfig{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *AppConfig) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.Driver == "" {
		if cfg.Database.URL != "" {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite"
		}
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(stateDir(), "jobs.db")
	}
	if cfg.Runtime.Workers == 0 {
		cfg.Runtime.Workers = 4
	}
	if cfg.Runtime.QueueCapacity == 0 {
		cfg.Runtime.QueueCapacity = 64
	}
	if cfg.Runtime.BatchSize == 0 {
		cfg.Runtime.BatchSize = 8
	}
	if cfg.Runtime.FileTimeout == 0 {
		cfg.Runtime.FileTimeout = 2 * time.Minute
	}
	if cfg.Runtime.HeartbeatInterval == 0 {
		cfg.Runtime.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Runtime.StaleWorkerAfter == 0 {
		cfg.Runtime.StaleWorkerAfter = 5 * time.Minute
	}
	if cfg.Runtime.DedupWindow == 0 {
		cfg.Runtime.DedupWindow = 10 * time.Minute
	}
	if cfg.Runtime.RequeueLimit == 0 {
		cfg.Runtime.RequeueLimit = 1
	}
	if cfg.Pipeline.Timeout == 0 {
		cfg.Pipeline.Timeout = 2 * time.Minute
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = filepath.Join(stateDir(), "sessions")
	}
	if cfg.Sessions.QuarantineDir == "" {
		cfg.Sessions.QuarantineDir = filepath.Join(stateDir(), "quarantine")
	}
	if cfg.Sessions.MaxRetries == 0 {
		cfg.Sessions.MaxRetries = 3
	}
	if cfg.Sessions.RetentionDays == 0 {
		cfg.Sessions.RetentionDays = 7
	}
	if cfg.Sessions.OrphanAge == 0 {
		cfg.Sessions.OrphanAge = 24 * time.Hour
	}
}

func stateDir() string {
	if dir := os.Getenv("DOCFLOW_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docflow"
	}
	return filepath.Join(home, ".docflow")
}
