package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
executor:
  max_concurrent: 8
  default_timeout: 90s
  backoff_base: 250ms
  backoff_max: 4s
breaker:
  failure_threshold: 2
monitor:
  interval: 500ms
  memory_limit_bytes: 1048576
  cpu_limit_percent: 150
logging:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 90*time.Second, cfg.Executor.DefaultTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.BackoffBase)
	assert.Equal(t, 4*time.Second, cfg.Executor.BackoffMax)
	assert.Equal(t, 3, cfg.Executor.MaxRetries, "untouched fields keep defaults")
	assert.Equal(t, 2, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.Monitor.Interval)
	assert.Equal(t, uint64(1048576), cfg.Monitor.MemoryBytes)
	assert.Equal(t, 150.0, cfg.Monitor.CPUPercent)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DRAGONFLOW_MAX_CONCURRENT", "12")
	t.Setenv("DRAGONFLOW_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Executor.MaxConcurrent)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"zero concurrency":   "executor:\n  max_concurrent: 0\n",
		"backoff inverted":   "executor:\n  backoff_base: 2s\n  backoff_max: 1s\n",
		"bad retry cond":     "executor:\n  retry_condition: \"attempt <\"\n",
		"unknown log format": "logging:\n  format: xml\n",
		"zero threshold":     "breaker:\n  failure_threshold: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
