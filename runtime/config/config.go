// Package config builds the immutable runtime configuration record.
//
// Precedence is defaults, then an optional JSON or YAML file, then
// LIGHTNING_-prefixed environment variables. Provider names left unset after
// all three layers are filled in from the mode preset. Malformed values fail
// loading with *Error naming the offending key; unknown provider names are
// not detected here, they surface from the factory which knows the
// registered set.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects the default provider set.
type Mode string

const (
	// ModeLocal wires every capability to its in-process implementation.
	ModeLocal Mode = "local"
	// ModeAzure targets Azure-hosted backends.
	ModeAzure Mode = "azure"
	// ModeAWS targets AWS-hosted backends.
	ModeAWS Mode = "aws"
	// ModeGCP targets GCP-hosted backends.
	ModeGCP Mode = "gcp"
	// ModeHybrid mixes local compute with hosted storage and bus.
	ModeHybrid Mode = "hybrid"
)

// ParseMode converts a string into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode %q", s)
	}
	return m, nil
}

// Valid reports whether the mode is recognized.
func (m Mode) Valid() bool {
	switch m {
	case ModeLocal, ModeAzure, ModeAWS, ModeGCP, ModeHybrid:
		return true
	}
	return false
}

// LogLevel controls the minimum severity that gets emitted.
type LogLevel string

const (
	// LogDebug emits everything.
	LogDebug LogLevel = "debug"
	// LogInfo is the default severity floor.
	LogInfo LogLevel = "info"
	// LogWarn emits warnings and errors only.
	LogWarn LogLevel = "warn"
	// LogError emits errors only.
	LogError LogLevel = "error"
)

// ParseLogLevel converts a string into a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return l, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// LogProvider selects the logging destination.
type LogProvider string

const (
	// LogConsole writes human-readable lines to standard error.
	LogConsole LogProvider = "console"
	// LogJSON writes structured JSON lines to standard error.
	LogJSON LogProvider = "json"
	// LogNone discards all output.
	LogNone LogProvider = "none"
)

// ParseLogProvider converts a string into a LogProvider.
func ParseLogProvider(s string) (LogProvider, error) {
	p := LogProvider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case LogConsole, LogJSON, LogNone:
		return p, nil
	}
	return "", fmt.Errorf("unknown log provider %q", s)
}

type (
	// Config is the process-wide configuration record. Treat it as
	// read-only once loaded.
	Config struct {
		// Mode selects the default provider set.
		Mode Mode
		// StorageProvider names the document store factory.
		StorageProvider string
		// EventBusProvider names the event bus factory.
		EventBusProvider string
		// ContainerRuntime names the container runtime factory.
		ContainerRuntime string
		// ServerlessProvider names the serverless runtime factory.
		ServerlessProvider string

		// MaxConcurrentOperations bounds parallel handler invocations
		// per bus.
		MaxConcurrentOperations int
		// OperationTimeout is the per-handler hard deadline.
		OperationTimeout time.Duration
		// RetryMaxAttempts is the number of handler retries before an
		// event dead-letters. Zero disables retries.
		RetryMaxAttempts int
		// RetryBackoff is the base of the exponential retry backoff.
		RetryBackoff time.Duration

		// AuthEnabled and EncryptionEnabled are policy toggles passed
		// through to providers.
		AuthEnabled       bool
		EncryptionEnabled bool

		// LogLevel is the minimum severity emitted.
		LogLevel LogLevel
		// LogProvider selects the logging destination.
		LogProvider LogProvider

		// Region, ProjectID and ResourceGroup are passed opaquely to
		// cloud provider factories.
		Region        string
		ProjectID     string
		ResourceGroup string

		// HealthCheckInterval is the probe cadence of the health
		// monitor.
		HealthCheckInterval time.Duration
		// HealthHistorySize bounds the per-provider result history.
		HealthHistorySize int

		// Breaker tunes the per-provider circuit breakers.
		Breaker BreakerConfig
		// Planner configures the plan generation collaborator.
		Planner PlannerConfig
		// Redis configures the redis-backed event bus.
		Redis RedisConfig
		// Mongo configures the mongo-backed document store.
		Mongo MongoConfig
	}

	// BreakerConfig tunes the circuit breakers wrapped around
	// providers.
	BreakerConfig struct {
		// FailureThreshold is the consecutive failure count that opens
		// the circuit.
		FailureThreshold int
		// SuccessThreshold is the half-open success count that closes
		// it again.
		SuccessThreshold int
		// Timeout is how long an open circuit waits before probing.
		Timeout time.Duration
		// HalfOpenRequestLimit caps concurrent half-open probes.
		HalfOpenRequestLimit int
	}

	// PlannerConfig configures plan generation.
	PlannerConfig struct {
		// Provider names the planner backend (openai, anthropic,
		// bedrock).
		Provider string
		// Model overrides the backend's default model when set.
		Model string
		// MaxRetries is the number of generation attempts per
		// instruction.
		MaxRetries int
		// APIKey authenticates against the backend. Usually supplied
		// via LIGHTNING_PLANNER_API_KEY.
		APIKey string
	}

	// RedisConfig locates the redis instance backing the bus.
	RedisConfig struct {
		// Addr is the host:port of the redis server.
		Addr string
		// Password authenticates when non-empty.
		Password string
		// DB selects the redis logical database.
		DB int
	}

	// MongoConfig locates the mongo deployment backing storage.
	MongoConfig struct {
		// URI is the mongo connection string.
		URI string
		// Database is the database holding runtime containers.
		Database string
	}
)

// Defaults applied before file and environment layers.
const (
	DefaultMaxConcurrentOperations = 100
	DefaultOperationTimeout        = 30 * time.Second
	DefaultRetryMaxAttempts        = 3
	DefaultRetryBackoff            = time.Second
	DefaultHealthCheckInterval     = 30 * time.Second
	DefaultHealthHistorySize       = 100
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerSuccessThreshold = 2
	DefaultBreakerTimeout          = time.Minute
	DefaultBreakerHalfOpenLimit    = 1
	DefaultPlannerProvider         = "openai"
	DefaultPlannerMaxRetries       = 4
	DefaultRedisAddr               = "localhost:6379"
	DefaultMongoURI                = "mongodb://localhost:27017"
	DefaultMongoDatabase           = "lightning"
)

// Default returns the fully resolved local-mode configuration.
func Default() Config {
	cfg := defaults()
	cfg.fillProviders()
	return cfg
}

// defaults returns the base record with provider names left empty so the
// mode preset chosen by file or environment can fill them later.
func defaults() Config {
	return Config{
		Mode:                    ModeLocal,
		MaxConcurrentOperations: DefaultMaxConcurrentOperations,
		OperationTimeout:        DefaultOperationTimeout,
		RetryMaxAttempts:        DefaultRetryMaxAttempts,
		RetryBackoff:            DefaultRetryBackoff,
		LogLevel:                LogInfo,
		LogProvider:             LogConsole,
		HealthCheckInterval:     DefaultHealthCheckInterval,
		HealthHistorySize:       DefaultHealthHistorySize,
		Breaker: BreakerConfig{
			FailureThreshold:     DefaultBreakerFailureThreshold,
			SuccessThreshold:     DefaultBreakerSuccessThreshold,
			Timeout:              DefaultBreakerTimeout,
			HalfOpenRequestLimit: DefaultBreakerHalfOpenLimit,
		},
		Planner: PlannerConfig{
			Provider:   DefaultPlannerProvider,
			MaxRetries: DefaultPlannerMaxRetries,
		},
		Redis: RedisConfig{Addr: DefaultRedisAddr},
		Mongo: MongoConfig{URI: DefaultMongoURI, Database: DefaultMongoDatabase},
	}
}

// fillProviders resolves provider names the file and environment left unset
// from the mode preset. Local mode runs everything in process; every other
// mode pairs hosted storage and bus with local compute.
func (c *Config) fillProviders() {
	if c.StorageProvider == "" {
		if c.Mode == ModeLocal {
			c.StorageProvider = "local"
		} else {
			c.StorageProvider = "mongo"
		}
	}
	if c.EventBusProvider == "" {
		if c.Mode == ModeLocal {
			c.EventBusProvider = "local"
		} else {
			c.EventBusProvider = "redis"
		}
	}
	if c.ContainerRuntime == "" {
		c.ContainerRuntime = "local"
	}
	if c.ServerlessProvider == "" {
		c.ServerlessProvider = "local"
	}
}

// validate rejects values no provider could run with.
func (c *Config) validate() error {
	if c.MaxConcurrentOperations < 1 {
		return errorf("max_concurrent_operations", "must be at least 1, got %d", c.MaxConcurrentOperations)
	}
	if c.OperationTimeout <= 0 {
		return errorf("operation_timeout_seconds", "must be positive, got %s", c.OperationTimeout)
	}
	if c.RetryMaxAttempts < 0 {
		return errorf("retry_max_attempts", "must not be negative, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBackoff < 0 {
		return errorf("retry_backoff_seconds", "must not be negative, got %s", c.RetryBackoff)
	}
	if c.HealthCheckInterval <= 0 {
		return errorf("health_check_interval_seconds", "must be positive, got %s", c.HealthCheckInterval)
	}
	if c.HealthHistorySize < 1 {
		return errorf("health_history_size", "must be at least 1, got %d", c.HealthHistorySize)
	}
	if c.Breaker.FailureThreshold < 1 {
		return errorf("breaker_failure_threshold", "must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return errorf("breaker_success_threshold", "must be at least 1, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Breaker.Timeout <= 0 {
		return errorf("breaker_timeout_seconds", "must be positive, got %s", c.Breaker.Timeout)
	}
	if c.Breaker.HalfOpenRequestLimit < 1 {
		return errorf("breaker_half_open_request_limit", "must be at least 1, got %d", c.Breaker.HalfOpenRequestLimit)
	}
	if c.Planner.MaxRetries < 1 {
		return errorf("planner_max_retries", "must be at least 1, got %d", c.Planner.MaxRetries)
	}
	return nil
}
