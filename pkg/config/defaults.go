package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = time.Hour
	}
	if cfg.Replication.MaxPullLimit == 0 {
		cfg.Replication.MaxPullLimit = 1000
	}
	if cfg.Replication.MaxPushBatchSize == 0 {
		cfg.Replication.MaxPushBatchSize = 100
	}
	// Server and broadcast carry their own applyDefaults, run at
	// construction time; nothing to do for them here.
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// GetDefaultConfig returns a Config with all default values applied.
//
// This is useful for generating sample configuration files and for tests.
// The JWT secret is deliberately left empty; validation forces operators to
// set one before the server starts.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Storage: StorageConfig{
			Path: "/var/lib/driftsync",
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
