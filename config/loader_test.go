package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, "intelligence", cfg.Supervisor.Name)
	assert.Equal(t, 100.0, cfg.Budget.WindowCost)
	assert.Equal(t, 24*time.Hour, cfg.Budget.Window)
	assert.Equal(t, "none", cfg.Auth.Mode)
}

func TestLoader_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/mcpflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7420", cfg.Server.WorkerListen)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
supervisor:
  name: storage
  queue_capacity: 16
budget:
  window_cost: 250
  overdraft: 25
auth:
  mode: static
  grants:
    alice: ["vision.*", "audio.transcribe"]
log:
  level: debug
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "storage", cfg.Supervisor.Name)
	assert.Equal(t, 16, cfg.Supervisor.QueueCapacity)
	assert.Equal(t, 250.0, cfg.Budget.WindowCost)
	assert.Equal(t, 25.0, cfg.Budget.Overdraft)
	assert.Equal(t, []string{"vision.*", "audio.transcribe"}, cfg.Auth.Grants["alice"])
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 8, cfg.Supervisor.Concurrency)
}

func TestLoader_EnvOverridesEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budget:\n  window_cost: 250\n"), 0o600))

	t.Setenv("MCPFLOW_BUDGET_WINDOW_COST", "500")
	t.Setenv("MCPFLOW_BUDGET_WINDOW", "12h")
	t.Setenv("MCPFLOW_SUPERVISOR_CONCURRENCY", "2")
	t.Setenv("MCPFLOW_REDIS_ENABLED", "true")
	t.Setenv("MCPFLOW_LOG_OUTPUT_PATHS", "stdout, /var/log/mcpflow.jsonl")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 500.0, cfg.Budget.WindowCost, "env wins over yaml")
	assert.Equal(t, 12*time.Hour, cfg.Budget.Window)
	assert.Equal(t, 2, cfg.Supervisor.Concurrency)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/mcpflow.jsonl"}, cfg.Log.OutputPaths)
}

func TestLoader_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"zero queue capacity", map[string]string{"MCPFLOW_SUPERVISOR_QUEUE_CAPACITY": "0"}},
		{"negative overdraft", map[string]string{"MCPFLOW_BUDGET_OVERDRAFT": "-1"}},
		{"jwt mode without secret", map[string]string{"MCPFLOW_AUTH_MODE": "jwt"}},
		{"unknown auth mode", map[string]string{"MCPFLOW_AUTH_MODE": "oauth"}},
		{"bad log level", map[string]string{"MCPFLOW_LOG_LEVEL": "verbose"}},
		{"sample rate out of range", map[string]string{"MCPFLOW_TELEMETRY_SAMPLE_RATE": "1.5"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := NewLoader().Load()
			assert.Error(t, err)
		})
	}
}

func TestLoader_CustomValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		if c.Supervisor.Name == "intelligence" {
			return assert.AnError
		}
		return nil
	}).Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("supervisor: ["), 0o600))
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}
