package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := loadInDir(t, t.TempDir(), "")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Monitor.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Monitor.InactivityThreshold)
	assert.Equal(t, 3, cfg.Monitor.FailureThreshold)
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 16*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 3, cfg.Limits.MaxSessionsPerTarget)
	assert.Equal(t, 10.0, cfg.Governor.MemoryLimitMB)
	assert.Equal(t, 0.5, cfg.Governor.CPULimitPercent)
	assert.Equal(t, 3*time.Second, cfg.Fix.RegistrationInterval)
	assert.Equal(t, 5*time.Minute, cfg.Fix.RegistrationTimeout)
}

func TestLoader_FileOverride(t *testing.T) {
	dir := t.TempDir()
	content := map[string]any{
		"reconnect": map[string]any{
			"max_attempts": 8,
			"base_delay":   "2s",
			"max_delay":    "1m",
		},
		"limits": map[string]any{"max_sessions_per_target": 5, "max_total_sessions": 20},
	}
	cfg, err := loadInDir(t, dir, marshalYAML(t, content))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 5, cfg.Limits.MaxSessionsPerTarget)
}

func TestLoader_RejectsInvertedDelays(t *testing.T) {
	dir := t.TempDir()
	content := map[string]any{
		"reconnect": map[string]any{"base_delay": "30s", "max_delay": "5s"},
	}
	_, err := loadInDir(t, dir, marshalYAML(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_delay")
}

func TestConfig_ValidateStoreDriver(t *testing.T) {
	cfg, err := loadInDir(t, t.TempDir(), "")
	require.NoError(t, err)

	cfg.Store.Driver = "postgres"
	require.Error(t, cfg.Validate())
	cfg.Store.Driver = "json"
	require.NoError(t, cfg.Validate())
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".tether", "config.yaml")
	require.NoError(t, WriteDefault(path))

	// Default file must itself load and validate.
	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Store.Driver)

	// Refuses to clobber.
	require.Error(t, WriteDefault(path))
}

func loadInDir(t *testing.T, dir, yamlContent string) (*Config, error) {
	t.Helper()
	if yamlContent != "" {
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))
		return NewLoader().WithConfigFile(path).Load()
	}
	return NewLoader().WithConfigFile(filepath.Join(dir, "absent.yaml")).Load()
}

func marshalYAML(t *testing.T, v any) string {
	t.Helper()
	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	return string(out)
}
