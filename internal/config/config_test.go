package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "default", cfg.Connection.Name)
	assert.Equal(t, "sqlite3", cfg.Connection.Driver)
	assert.Equal(t, ":memory:", cfg.Connection.DSN)
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout())
	assert.Zero(t, cfg.Connection.OperationTimeout())
	assert.Zero(t, cfg.Connection.WarnAfter())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "pgasync", cfg.Tracing.ServiceName)
	assert.Empty(t, cfg.Audit.File)

	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	t.Run("missing dsn", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Connection.DSN = " "

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dsn cannot be empty")
	})

	t.Run("negative timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Connection.OperationTimeoutMs = -1

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection.operation_timeout_ms")
	})

	t.Run("all errors reported", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Connection.Driver = ""
		cfg.Logging.Level = "verbose"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "driver cannot be empty")
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("metrics address checked only when enabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Metrics.Addr = "nonsense"
		assert.NoError(t, cfg.Validate())

		cfg.Metrics.Enabled = true
		assert.Error(t, cfg.Validate())
	})

	t.Run("tracing requires service name", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Tracing.Enabled = true
		cfg.Tracing.ServiceName = ""

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "service_name")
	})
}

func TestConfigString(t *testing.T) {
	s := DefaultConfig().String()
	assert.Contains(t, s, `"driver": "sqlite3"`)
	assert.Contains(t, s, `"connect_timeout_ms": 10000`)
}
