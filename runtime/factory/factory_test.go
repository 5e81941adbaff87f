package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightning-runtime/lightning/runtime/bus"
	businmem "github.com/lightning-runtime/lightning/runtime/bus/inmem"
	"github.com/lightning-runtime/lightning/runtime/config"
	"github.com/lightning-runtime/lightning/runtime/store"
	storeinmem "github.com/lightning-runtime/lightning/runtime/store/inmem"
)

func TestLocalBuiltins(t *testing.T) {
	f := New()
	ctx := context.Background()
	cfg := config.Default()

	sp, err := f.Storage(ctx, cfg, Options{})
	require.NoError(t, err)
	require.IsType(t, &storeinmem.Provider{}, sp)

	eb, err := f.EventBus(ctx, cfg, Options{})
	require.NoError(t, err)
	require.IsType(t, &businmem.Bus{}, eb)

	cr, err := f.ContainerRuntime(ctx, cfg, Options{})
	require.NoError(t, err)
	require.NotNil(t, cr)

	sr, err := f.ServerlessRuntime(ctx, cfg, Options{})
	require.NoError(t, err)
	require.NotNil(t, sr)
}

func TestUnknownProvider(t *testing.T) {
	f := New()
	ctx := context.Background()

	cfg := config.Default()
	cfg.StorageProvider = "cosmos"
	_, err := f.Storage(ctx, cfg, Options{})
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.Contains(t, err.Error(), "cosmos")

	cfg = config.Default()
	cfg.EventBusProvider = "kafka"
	_, err = f.EventBus(ctx, cfg, Options{})
	require.ErrorIs(t, err, ErrUnknownProvider)

	cfg = config.Default()
	cfg.ContainerRuntime = "nomad"
	_, err = f.ContainerRuntime(ctx, cfg, Options{})
	require.ErrorIs(t, err, ErrUnknownProvider)

	cfg = config.Default()
	cfg.ServerlessProvider = "lambda"
	_, err = f.ServerlessRuntime(ctx, cfg, Options{})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

// Unknown names must fail before any constructor runs.
func TestUnknownProviderConstructsNothing(t *testing.T) {
	f := New()
	built := false
	f.RegisterStorage("traced", func(ctx context.Context, cfg config.Config, opts Options) (store.Provider, error) {
		built = true
		return storeinmem.NewProvider(), nil
	})

	cfg := config.Default()
	cfg.StorageProvider = "ghost"
	_, err := f.Storage(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, ErrUnknownProvider)
	require.False(t, built)
}

func TestRegisterReplaces(t *testing.T) {
	f := New()
	replaced := false
	f.RegisterEventBus(LocalProvider, func(ctx context.Context, cfg config.Config, opts Options) (bus.Bus, error) {
		replaced = true
		return businmem.New(businmem.Options{}), nil
	})

	_, err := f.EventBus(context.Background(), config.Default(), Options{})
	require.NoError(t, err)
	require.True(t, replaced)
}

func TestRegisterValidation(t *testing.T) {
	f := New()
	require.Panics(t, func() { f.RegisterStorage("", nil) })
	require.Panics(t, func() {
		f.RegisterServerless("lambda", nil)
	})
}

func TestNames(t *testing.T) {
	f := New()
	f.RegisterStorage("mongo", func(ctx context.Context, cfg config.Config, opts Options) (store.Provider, error) {
		return storeinmem.NewProvider(), nil
	})

	require.Equal(t, []string{"local", "mongo"}, f.StorageNames())
	require.Equal(t, []string{"local"}, f.EventBusNames())
	require.Equal(t, []string{"local"}, f.ContainerRuntimeNames())
	require.Equal(t, []string{"local"}, f.ServerlessNames())
}

func TestDefaultReset(t *testing.T) {
	t.Cleanup(Reset)

	Default().RegisterStorage("scratch", func(ctx context.Context, cfg config.Config, opts Options) (store.Provider, error) {
		return storeinmem.NewProvider(), nil
	})
	require.Contains(t, Default().StorageNames(), "scratch")

	Reset()
	require.NotContains(t, Default().StorageNames(), "scratch")
	require.Contains(t, Default().StorageNames(), LocalProvider)
}
