// Package config loads and validates the coordinator configuration from
// file, environment, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/driftsync/driftsync/pkg/api"
)

// Config is the coordinator configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Plain environment variables (HOST, PORT, DB_PATH, ...)
//  3. Prefixed environment variables (DRIFTSYNC_*)
//  4. Configuration file (YAML)
//  5. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Server configures the sync HTTP server
	Server api.APIConfig `mapstructure:"server" yaml:"server"`

	// Storage configures the on-disk state location
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Auth configures the token endpoint and bearer validation
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Replication tunes the push/pull service limits
	Replication ReplicationConfig `mapstructure:"replication" yaml:"replication"`

	// Broadcast tunes the live event channel
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// StorageConfig locates the coordinator's persistent state. The oplog and
// the device registry live in separate badger databases under Path.
type StorageConfig struct {
	// Path is the state directory (required)
	Path string `mapstructure:"path" validate:"required" yaml:"path"`
}

// OplogDir returns the oplog database directory.
func (c StorageConfig) OplogDir() string {
	return filepath.Join(c.Path, "oplog")
}

// RegistryDir returns the device registry database directory.
func (c StorageConfig) RegistryDir() string {
	return filepath.Join(c.Path, "registry")
}

// AuthConfig configures token issuance.
type AuthConfig struct {
	// JWTSecret is the HMAC signing key. Required, at least 32 characters.
	// Override: JWT_SECRET
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32" yaml:"jwt_secret"`

	// TokenDuration is the access token lifetime. Default: 1h
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration"`
}

// ReplicationConfig tunes the replication service.
type ReplicationConfig struct {
	// MaxPullLimit caps the page size a single pull may request.
	// Default: 1000
	MaxPullLimit int `mapstructure:"max_pull_limit" validate:"omitempty,min=1" yaml:"max_pull_limit"`

	// MaxPushBatchSize caps operations per push request. Default: 100
	MaxPushBatchSize int `mapstructure:"max_push_batch_size" validate:"omitempty,min=1" yaml:"max_push_batch_size"`

	// AllowedDatabases restricts sync to the listed database ids.
	// Empty means any database id is accepted.
	AllowedDatabases []string `mapstructure:"allowed_databases" yaml:"allowed_databases,omitempty"`

	// ConflictStrategy picks the server-side conflict resolution policy.
	// Valid values: server-wins, client-wins, last-write-wins.
	// Default: server-wins
	ConflictStrategy string `mapstructure:"conflict_strategy" validate:"omitempty,oneof=server-wins client-wins last-write-wins" yaml:"conflict_strategy,omitempty"`
}

// BroadcastConfig tunes the live event channel.
type BroadcastConfig struct {
	// MaxTotalConnections caps subscribers across all devices.
	// Default: 1000
	MaxTotalConnections int `mapstructure:"max_total_connections" validate:"omitempty,min=1" yaml:"max_total_connections"`

	// MaxConnectionsPerDevice caps subscriptions per device; admitting past
	// it evicts the device's oldest. Default: 5
	MaxConnectionsPerDevice int `mapstructure:"max_connections_per_device" validate:"omitempty,min=1" yaml:"max_connections_per_device"`

	// KeepAliveInterval is the ping cadence on idle streams. Default: 30s
	KeepAliveInterval time.Duration `mapstructure:"keep_alive_interval" yaml:"keep_alive_interval"`
}

// MetricsConfig configures Prometheus metrics.
// When Enabled is false, no collectors are registered (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics are collected and served on /metrics
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	var cfg *Config
	if !configFileFound {
		cfg = GetDefaultConfig()
	} else {
		cfg = &Config{}
		if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file is
// missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  driftsyncd init\n\n"+
				"Or specify a custom config file:\n"+
				"  driftsyncd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  driftsyncd init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600 because the file carries the JWT secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DRIFTSYNC_ prefix and underscores.
	// Example: DRIFTSYNC_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DRIFTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// applyEnvOverrides layers the plain environment names over whatever the
// file and prefixed variables produced. These short names are the ones
// operators actually export in deployment manifests.
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Server.Port = port
		}
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	if val := os.Getenv("JWT_SECRET"); val != "" {
		cfg.Auth.JWTSecret = val
	}
	if val := os.Getenv("ENABLE_CORS"); val != "" {
		cfg.Server.EnableCORS = val == "true" || val == "1"
	}
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		cfg.Server.CORSAllowedOrigins = strings.Split(val, ",")
	}
	if val := os.Getenv("MAX_PULL_LIMIT"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			cfg.Replication.MaxPullLimit = limit
		}
	}
	if val := os.Getenv("MAX_PUSH_BATCH_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			cfg.Replication.MaxPushBatchSize = size
		}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "driftsync")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "driftsync")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
