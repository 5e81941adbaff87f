package runtime

import (
	"errors"
	"fmt"

	"github.com/lightning-runtime/lightning/features/planner/anthropic"
	"github.com/lightning-runtime/lightning/features/planner/middleware"
	"github.com/lightning-runtime/lightning/features/planner/openai"
	"github.com/lightning-runtime/lightning/runtime/config"
	"github.com/lightning-runtime/lightning/runtime/planner"
)

// ErrNoPlanner reports that a planner client could not be built from
// configuration alone. Callers that need plan generation inject one through
// Options.Planner instead.
var ErrNoPlanner = errors.New("runtime: no planner client available")

// buildPlanner constructs a planner client from configuration. Key-based
// providers (openai, anthropic) are built directly and wrapped with the
// adaptive rate limiter; bedrock authenticates through an AWS SDK client
// that cannot come from a flat config record, so it must be injected.
func buildPlanner(cfg config.PlannerConfig) (planner.Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: planner API key not configured", ErrNoPlanner)
	}

	var (
		client planner.Client
		err    error
	)
	switch cfg.Provider {
	case openai.ProviderName:
		client, err = openai.NewFromAPIKey(cfg.APIKey, modelOr(cfg.Model, openai.DefaultModel))
	case anthropic.ProviderName:
		client, err = anthropic.NewFromAPIKey(cfg.APIKey, modelOr(cfg.Model, anthropic.DefaultModel))
	default:
		return nil, fmt.Errorf("%w: provider %q requires an injected client", ErrNoPlanner, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s planner: %w", cfg.Provider, err)
	}

	limiter := middleware.NewAdaptiveRateLimiter(0, 0)
	return limiter.Middleware()(client), nil
}

func modelOr(model, fallback string) string {
	if model != "" {
		return model
	}
	return fallback
}
