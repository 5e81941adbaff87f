package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to upper-cased option keys to form environment
// variable names, e.g. retry_max_attempts becomes LIGHTNING_RETRY_MAX_ATTEMPTS.
const EnvPrefix = "LIGHTNING_"

// EnvConfigFile names the config file when no path is passed explicitly.
const EnvConfigFile = EnvPrefix + "CONFIG"

// Error reports a configuration value the runtime cannot start with.
type Error struct {
	// Key is the offending option, empty for file-level problems.
	Key string
	// Reason says what was wrong with the value.
	Reason string
}

// Error implements error.
func (e *Error) Error() string {
	if e.Key == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func errorf(key, format string, args ...any) *Error {
	return &Error{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// Load builds the process configuration. The file at path is applied over
// the defaults when given; with an empty path the LIGHTNING_CONFIG variable
// is consulted and loading proceeds file-less when that is unset too.
// Environment variables win over the file. Malformed values fail with
// *Error naming the offending key.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.fillProviders()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// option binds a config key to its strict setter. The same table serves the
// file layer (values arrive as decoded JSON/YAML types) and the environment
// layer (values arrive as strings).
type option struct {
	key string
	set func(any) error
}

func options(c *Config) []option {
	return []option{
		{"mode", func(v any) error {
			s, err := asString(v)
			if err != nil {
				return err
			}
			m, err := ParseMode(s)
			if err != nil {
				return err
			}
			c.Mode = m
			return nil
		}},
		{"storage_provider", setString(&c.StorageProvider)},
		{"event_bus_provider", setString(&c.EventBusProvider)},
		{"container_runtime", setString(&c.ContainerRuntime)},
		{"serverless_provider", setString(&c.ServerlessProvider)},
		{"max_concurrent_operations", setInt(&c.MaxConcurrentOperations)},
		{"operation_timeout_seconds", setSeconds(&c.OperationTimeout)},
		{"retry_max_attempts", setInt(&c.RetryMaxAttempts)},
		{"retry_backoff_seconds", setSeconds(&c.RetryBackoff)},
		{"auth_enabled", setBool(&c.AuthEnabled)},
		{"encryption_enabled", setBool(&c.EncryptionEnabled)},
		{"log_level", func(v any) error {
			s, err := asString(v)
			if err != nil {
				return err
			}
			l, err := ParseLogLevel(s)
			if err != nil {
				return err
			}
			c.LogLevel = l
			return nil
		}},
		{"log_provider", func(v any) error {
			s, err := asString(v)
			if err != nil {
				return err
			}
			p, err := ParseLogProvider(s)
			if err != nil {
				return err
			}
			c.LogProvider = p
			return nil
		}},
		{"region", setString(&c.Region)},
		{"project_id", setString(&c.ProjectID)},
		{"resource_group", setString(&c.ResourceGroup)},
		{"health_check_interval_seconds", setSeconds(&c.HealthCheckInterval)},
		{"health_history_size", setInt(&c.HealthHistorySize)},
		{"breaker_failure_threshold", setInt(&c.Breaker.FailureThreshold)},
		{"breaker_success_threshold", setInt(&c.Breaker.SuccessThreshold)},
		{"breaker_timeout_seconds", setSeconds(&c.Breaker.Timeout)},
		{"breaker_half_open_request_limit", setInt(&c.Breaker.HalfOpenRequestLimit)},
		{"planner_provider", setString(&c.Planner.Provider)},
		{"planner_model", setString(&c.Planner.Model)},
		{"planner_max_retries", setInt(&c.Planner.MaxRetries)},
		{"planner_api_key", setString(&c.Planner.APIKey)},
		{"redis_addr", setString(&c.Redis.Addr)},
		{"redis_password", setString(&c.Redis.Password)},
		{"redis_db", setInt(&c.Redis.DB)},
		{"mongo_uri", setString(&c.Mongo.URI)},
		{"mongo_database", setString(&c.Mongo.Database)},
	}
}

// applyFile layers a JSON or YAML file over cfg. Unknown keys are ignored
// for forward compatibility.
func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errorf("", "read config file: %v", err)
	}

	values := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(raw, &values); err != nil {
			return errorf("", "parse %s: %v", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &values); err != nil {
			return errorf("", "parse %s: %v", path, err)
		}
	default:
		return errorf("", "unsupported config file extension %q", ext)
	}

	for _, opt := range options(cfg) {
		v, ok := values[opt.key]
		if !ok {
			continue
		}
		if err := opt.set(v); err != nil {
			return &Error{Key: opt.key, Reason: err.Error()}
		}
	}
	return nil
}

// applyEnv layers LIGHTNING_-prefixed environment variables over cfg.
func applyEnv(cfg *Config) error {
	for _, opt := range options(cfg) {
		v, ok := os.LookupEnv(EnvPrefix + strings.ToUpper(opt.key))
		if !ok {
			continue
		}
		if err := opt.set(v); err != nil {
			return &Error{Key: opt.key, Reason: err.Error()}
		}
	}
	return nil
}

func setString(dst *string) func(any) error {
	return func(v any) error {
		s, err := asString(v)
		if err != nil {
			return err
		}
		*dst = s
		return nil
	}
}

func setInt(dst *int) func(any) error {
	return func(v any) error {
		n, err := asInt(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(any) error {
	return func(v any) error {
		b, err := asBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

// setSeconds converts a numeric second count, fractional allowed, into a
// duration.
func setSeconds(dst *time.Duration) func(any) error {
	return func(v any) error {
		secs, err := asFloat(v)
		if err != nil {
			return err
		}
		if secs < 0 {
			return fmt.Errorf("must not be negative, got %v", secs)
		}
		*dst = time.Duration(secs * float64(time.Second))
		return nil
	}
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func asBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("expected boolean, got %q", b)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}
