package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Batcher.DebounceMs)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"batcher": {"debounce_ms": 1000, "max_window_ms": 5000},
		"agent": {"provider": "openai", "model": "gpt-5.2"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Batcher.DebounceMs)
	assert.Equal(t, 5000, cfg.Batcher.MaxWindowMs)
	assert.Equal(t, "openai", cfg.Agent.Provider)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("TAXDESK_BATCHER_DEBOUNCE_MS", "750")
	t.Setenv("TAXDESK_PROVIDERS_ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, 750, cfg.Batcher.DebounceMs)
	assert.Equal(t, "sk-test", cfg.Providers.Anthropic.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Batcher.DebounceMs = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Batcher.MaxWindowMs = cfg.Batcher.DebounceMs - 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Store.Driver = "postgres"
	assert.Error(t, cfg.Validate())
}

func TestConfigPathHonorsEnv(t *testing.T) {
	t.Setenv("TAXDESK_CONFIG", "/tmp/custom.json")
	assert.Equal(t, "/tmp/custom.json", ConfigPath())
}
