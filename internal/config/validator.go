package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var driverNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateDriver validates a database/sql driver name
func (v *Validator) ValidateDriver(driver string) error {
	if driver == "" {
		return fmt.Errorf("connection driver cannot be empty")
	}
	if !driverNameRegex.MatchString(driver) {
		return fmt.Errorf("invalid connection driver name: %s", driver)
	}
	return nil
}

// ValidateDSN validates a data source name
func (v *Validator) ValidateDSN(dsn string) error {
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("connection dsn cannot be empty")
	}
	return nil
}

// ValidateDurationMs validates a millisecond duration where 0 means disabled
func (v *Validator) ValidateDurationMs(name string, ms int) error {
	if ms < 0 {
		return fmt.Errorf("%s must be >= 0, got %d", name, ms)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateAddr validates a host:port listen address
func (v *Validator) ValidateAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateSampleRatio validates a trace sampling ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("sample ratio must be between 0 and 1, got %f", ratio)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	// Connection
	if err := v.ValidateDriver(cfg.Connection.Driver); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateDSN(cfg.Connection.DSN); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateDurationMs("connection.connect_timeout_ms", cfg.Connection.ConnectTimeoutMs); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateDurationMs("connection.operation_timeout_ms", cfg.Connection.OperationTimeoutMs); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateDurationMs("connection.warn_after_ms", cfg.Connection.WarnAfterMs); err != nil {
		errs = append(errs, err)
	}

	// Logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Logging.MaxSize < 0 {
		errs = append(errs, fmt.Errorf("logging.max_size must be >= 0"))
	}
	if cfg.Logging.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("logging.max_age must be >= 0"))
	}

	// Metrics
	if cfg.Metrics.Enabled {
		if err := v.ValidateAddr(cfg.Metrics.Addr); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	// Tracing
	if cfg.Tracing.Enabled {
		if strings.TrimSpace(cfg.Tracing.ServiceName) == "" {
			errs = append(errs, fmt.Errorf("tracing.service_name is required when tracing is enabled"))
		}
		if err := v.ValidateSampleRatio(cfg.Tracing.SampleRatio); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	return errs
}
