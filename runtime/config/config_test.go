package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ModeLocal, cfg.Mode)
	require.Equal(t, "local", cfg.StorageProvider)
	require.Equal(t, "local", cfg.EventBusProvider)
	require.Equal(t, "local", cfg.ContainerRuntime)
	require.Equal(t, "local", cfg.ServerlessProvider)
	require.Equal(t, DefaultMaxConcurrentOperations, cfg.MaxConcurrentOperations)
	require.Equal(t, 30*time.Second, cfg.OperationTimeout)
	require.Equal(t, 3, cfg.RetryMaxAttempts)
	require.Equal(t, time.Second, cfg.RetryBackoff)
	require.Equal(t, LogInfo, cfg.LogLevel)
	require.Equal(t, LogConsole, cfg.LogProvider)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, time.Minute, cfg.Breaker.Timeout)
	require.Equal(t, "openai", cfg.Planner.Provider)
	require.Equal(t, 4, cfg.Planner.MaxRetries)
	require.Equal(t, cfg, Default())
}

func TestJSONFileOverrides(t *testing.T) {
	path := writeConfig(t, "lightning.json", `{
		"mode": "local",
		"retry_max_attempts": 5,
		"retry_backoff_seconds": 0.5,
		"max_concurrent_operations": 8,
		"auth_enabled": true,
		"log_level": "debug",
		"unknown_future_key": "ignored"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.RetryMaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.RetryBackoff)
	require.Equal(t, 8, cfg.MaxConcurrentOperations)
	require.True(t, cfg.AuthEnabled)
	require.Equal(t, LogDebug, cfg.LogLevel)
}

func TestYAMLFileOverrides(t *testing.T) {
	path := writeConfig(t, "lightning.yaml", `
mode: hybrid
mongo_uri: mongodb://db.internal:27017
redis_addr: cache.internal:6379
breaker_failure_threshold: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ModeHybrid, cfg.Mode)
	require.Equal(t, "mongodb://db.internal:27017", cfg.Mongo.URI)
	require.Equal(t, "cache.internal:6379", cfg.Redis.Addr)
	require.Equal(t, 3, cfg.Breaker.FailureThreshold)
}

func TestEnvWinsOverFile(t *testing.T) {
	path := writeConfig(t, "lightning.json", `{"retry_max_attempts": 5, "region": "eu"}`)
	t.Setenv("LIGHTNING_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("LIGHTNING_OPERATION_TIMEOUT_SECONDS", "12")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.RetryMaxAttempts)
	require.Equal(t, 12*time.Second, cfg.OperationTimeout)
	require.Equal(t, "eu", cfg.Region)
}

func TestConfigFileFromEnv(t *testing.T) {
	path := writeConfig(t, "lightning.json", `{"project_id": "lightning-dev"}`)
	t.Setenv("LIGHTNING_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "lightning-dev", cfg.ProjectID)
}

func TestModePresets(t *testing.T) {
	for _, mode := range []string{"azure", "aws", "gcp", "hybrid"} {
		t.Run(mode, func(t *testing.T) {
			t.Setenv("LIGHTNING_MODE", mode)
			cfg, err := Load("")
			require.NoError(t, err)
			require.Equal(t, "mongo", cfg.StorageProvider)
			require.Equal(t, "redis", cfg.EventBusProvider)
			require.Equal(t, "local", cfg.ContainerRuntime)
			require.Equal(t, "local", cfg.ServerlessProvider)
		})
	}
}

func TestExplicitProviderBeatsPreset(t *testing.T) {
	t.Setenv("LIGHTNING_MODE", "azure")
	t.Setenv("LIGHTNING_STORAGE_PROVIDER", "local")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "local", cfg.StorageProvider)
	require.Equal(t, "redis", cfg.EventBusProvider)
}

func TestRetryBackoffZeroAllowed(t *testing.T) {
	t.Setenv("LIGHTNING_RETRY_BACKOFF_SECONDS", "0")
	t.Setenv("LIGHTNING_RETRY_MAX_ATTEMPTS", "0")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), cfg.RetryBackoff)
	require.Equal(t, 0, cfg.RetryMaxAttempts)
}

func TestMalformedValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		key  string
	}{
		{"bad int", map[string]string{"LIGHTNING_RETRY_MAX_ATTEMPTS": "many"}, "retry_max_attempts"},
		{"bad bool", map[string]string{"LIGHTNING_AUTH_ENABLED": "yep"}, "auth_enabled"},
		{"bad mode", map[string]string{"LIGHTNING_MODE": "cloud"}, "mode"},
		{"bad log level", map[string]string{"LIGHTNING_LOG_LEVEL": "loud"}, "log_level"},
		{"negative backoff", map[string]string{"LIGHTNING_RETRY_BACKOFF_SECONDS": "-1"}, "retry_backoff_seconds"},
		{"zero concurrency", map[string]string{"LIGHTNING_MAX_CONCURRENT_OPERATIONS": "0"}, "max_concurrent_operations"},
		{"zero breaker threshold", map[string]string{"LIGHTNING_BREAKER_FAILURE_THRESHOLD": "0"}, "breaker_failure_threshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			var cerr *Error
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, tc.key, cerr.Key)
		})
	}
}

func TestMalformedFileValueNamesKey(t *testing.T) {
	path := writeConfig(t, "lightning.json", `{"retry_max_attempts": "many"}`)

	_, err := Load(path)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "retry_max_attempts", cerr.Key)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Reason, "read config file")
}

func TestUnsupportedExtension(t *testing.T) {
	path := writeConfig(t, "lightning.toml", `mode = "local"`)

	_, err := Load(path)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Reason, "unsupported config file extension")
}

func TestFractionalSecondsFromJSON(t *testing.T) {
	path := writeConfig(t, "lightning.json", `{"breaker_timeout_seconds": 1.5}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, cfg.Breaker.Timeout)
}
