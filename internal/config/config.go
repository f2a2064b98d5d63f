package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Config represents the main pgasync configuration
type Config struct {
	// Connection
	Connection ConnectionConfig `json:"connection" mapstructure:"connection"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// OpenTelemetry tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Connection audit log
	Audit AuditConfig `json:"audit" mapstructure:"audit"`
}

// ConnectionConfig describes the database connection and the defaults applied
// to operations submitted on it
type ConnectionConfig struct {
	Name               string `json:"name" mapstructure:"name"`
	Driver             string `json:"driver" mapstructure:"driver"`
	DSN                string `json:"dsn" mapstructure:"dsn"`
	ConnectTimeoutMs   int    `json:"connect_timeout_ms" mapstructure:"connect_timeout_ms"`     // 0 = no timeout
	OperationTimeoutMs int    `json:"operation_timeout_ms" mapstructure:"operation_timeout_ms"` // 0 = no timeout
	WarnAfterMs        int    `json:"warn_after_ms" mapstructure:"warn_after_ms"`               // 0 = never warn
}

// ConnectTimeout returns the connect timeout as a duration
func (c ConnectionConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// OperationTimeout returns the per-operation timeout as a duration
func (c ConnectionConfig) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutMs) * time.Millisecond
}

// WarnAfter returns the pending-wait warning threshold as a duration
func (c ConnectionConfig) WarnAfter() time.Duration {
	return time.Duration(c.WarnAfterMs) * time.Millisecond
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// AuditConfig holds connection audit log configuration
type AuditConfig struct {
	File string `json:"file" mapstructure:"file"` // empty disables auditing
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Name:             "default",
			Driver:           "sqlite3",
			DSN:              ":memory:",
			ConnectTimeoutMs: 10000,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "pgasync",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}
