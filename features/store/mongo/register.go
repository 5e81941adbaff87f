package mongo

import (
	"context"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/lightning-runtime/lightning/features/store/mongo/clients/mongo"
	"github.com/lightning-runtime/lightning/runtime/config"
	"github.com/lightning-runtime/lightning/runtime/factory"
	"github.com/lightning-runtime/lightning/runtime/store"
)

// ProviderName is the factory name the mongo store registers under.
const ProviderName = "mongo"

// Register adds the mongo storage constructor to f:
//
//	mongo.Register(factory.Default())
func Register(f *factory.Factory) {
	f.RegisterStorage(ProviderName, func(ctx context.Context, cfg config.Config, opts factory.Options) (store.Provider, error) {
		mc, err := mongodriver.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		client, err := clientsmongo.New(clientsmongo.Options{
			Client:   mc,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("mongo store client: %w", err)
		}
		p, err := NewProvider(Options{
			Client:  client,
			Timeout: cfg.OperationTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("mongo store: %w", err)
		}
		return p, nil
	})
}
