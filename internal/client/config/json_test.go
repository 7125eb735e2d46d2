package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestLoadConfig_SourcesAndPrecedence(t *testing.T) {
	t.Setenv(EnvEnvironment, "")
	t.Setenv(EnvDeviceSecret, "")
	t.Setenv("APICORE_CONFIG", "")

	path := writeTempJSON(t, map[string]any{
		"environment":         "staging",
		"base_url":            "https://json.example.test",
		"request_timeout":     "12s",
		"max_retry_attempts":  1,
		"queueable_endpoints": []string{"/a", "/b"},
		"queue_max_age":       "1h",
		"device_secret":       "from-json",
	})

	t.Run("json overlays profile", func(t *testing.T) {
		cfg, err := LoadConfig([]string{"-config", path})
		require.NoError(t, err)

		assert.Equal(t, Staging, cfg.Environment)
		assert.Equal(t, "https://json.example.test", cfg.BaseURL)
		assert.Equal(t, 12*time.Second, cfg.RequestTimeout)
		assert.Equal(t, 1, cfg.MaxRetryAttempts)
		assert.Equal(t, []string{"/a", "/b"}, cfg.QueueableEndpoints)
		assert.Equal(t, time.Hour, cfg.QueueMaxAge)
		assert.Equal(t, "from-json", cfg.DeviceSecret)
		assert.True(t, cfg.EnforcePinning, "staging profile default survives")
	})

	t.Run("flags win over json", func(t *testing.T) {
		cfg, err := LoadConfig([]string{"-c", path, "-r", "4", "-a", "https://flag.example.test"})
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.MaxRetryAttempts)
		assert.Equal(t, "https://flag.example.test", cfg.BaseURL)
	})

	t.Run("env var path", func(t *testing.T) {
		t.Setenv("APICORE_CONFIG", path)
		cfg, err := LoadConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, "https://json.example.test", cfg.BaseURL)
	})

	t.Run("invalid json", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))

		_, err := LoadConfig([]string{"-config", bad})
		require.ErrorContains(t, err, "parse config")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig([]string{"-config", filepath.Join(t.TempDir(), "absent.json")})
		require.ErrorContains(t, err, "read config")
	})
}
