package pulse

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	clientspulse "github.com/lightning-runtime/lightning/features/bus/pulse/clients/pulse"
	"github.com/lightning-runtime/lightning/runtime/bus"
	"github.com/lightning-runtime/lightning/runtime/config"
	"github.com/lightning-runtime/lightning/runtime/factory"
)

// ProviderName is the factory name the redis bus registers under.
const ProviderName = "redis"

// Register adds the redis bus constructor to f. Importing this package for
// side effects and calling Register on the default factory is the usual
// wiring:
//
//	pulse.Register(factory.Default())
func Register(f *factory.Factory) {
	f.RegisterEventBus(ProviderName, func(ctx context.Context, cfg config.Config, opts factory.Options) (bus.Bus, error) {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client, err := clientspulse.New(clientspulse.Options{
			Redis:            rdb,
			OperationTimeout: cfg.OperationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("redis bus client: %w", err)
		}
		b, err := New(Options{
			Client:           client,
			RetryMaxAttempts: cfg.RetryMaxAttempts,
			RetryBackoff:     cfg.RetryBackoff,
			OperationTimeout: cfg.OperationTimeout,
			MaxConcurrent:    int64(cfg.MaxConcurrentOperations),
			Logger:           opts.Logger,
			Metrics:          opts.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("redis bus: %w", err)
		}
		return b, nil
	})
}
