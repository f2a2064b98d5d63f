package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PGASYNC_CONNECTION_DSN
const EnvPrefix = "PGASYNC"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("connection.name", cfg.Connection.Name)
	v.SetDefault("connection.driver", cfg.Connection.Driver)
	v.SetDefault("connection.dsn", cfg.Connection.DSN)
	v.SetDefault("connection.connect_timeout_ms", cfg.Connection.ConnectTimeoutMs)
	v.SetDefault("connection.operation_timeout_ms", cfg.Connection.OperationTimeoutMs)
	v.SetDefault("connection.warn_after_ms", cfg.Connection.WarnAfterMs)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)

	v.SetDefault("audit.file", cfg.Audit.File)
}

// Load loads the configuration from file. A missing file yields the defaults
// with environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := newViper()
	setDefaults(v, DefaultConfig())

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := ValidateSchema(data); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
		}
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to file, creating the directory if needed
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("connection", cfg.Connection)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)
	v.Set("audit", cfg.Audit)

	// The file may hold a DSN with credentials
	if err := v.WriteConfig(); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}
	return os.Chmod(configPath, 0600)
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pgasync", "pgasync.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
