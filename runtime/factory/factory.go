// Package factory maps provider names to constructors, one registry per
// capability. The runtime asks the factory for the providers its
// configuration selects; backend packages register their constructors at
// import time the way database/sql drivers do, so binaries only link the
// backends they import.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lightning-runtime/lightning/runtime/bus"
	businmem "github.com/lightning-runtime/lightning/runtime/bus/inmem"
	"github.com/lightning-runtime/lightning/runtime/compute"
	computelocal "github.com/lightning-runtime/lightning/runtime/compute/local"
	"github.com/lightning-runtime/lightning/runtime/config"
	"github.com/lightning-runtime/lightning/runtime/store"
	storeinmem "github.com/lightning-runtime/lightning/runtime/store/inmem"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

// ErrUnknownProvider reports a provider name with no registered constructor.
var ErrUnknownProvider = errors.New("unknown provider")

// LocalProvider is the name the in-process implementations register under
// in every capability registry.
const LocalProvider = "local"

type (
	// Options carries cross-cutting dependencies into constructors.
	Options struct {
		// Logger receives provider lifecycle and delivery logs.
		Logger telemetry.Logger
		// Metrics receives provider counters and timers.
		Metrics telemetry.Metrics
	}

	// StorageConstructor builds a document store provider from config.
	StorageConstructor func(ctx context.Context, cfg config.Config, opts Options) (store.Provider, error)

	// BusConstructor builds an event bus from config.
	BusConstructor func(ctx context.Context, cfg config.Config, opts Options) (bus.Bus, error)

	// ContainerConstructor builds a container runtime from config.
	ContainerConstructor func(ctx context.Context, cfg config.Config, opts Options) (compute.ContainerRuntime, error)

	// ServerlessConstructor builds a serverless runtime from config.
	ServerlessConstructor func(ctx context.Context, cfg config.Config, opts Options) (compute.ServerlessRuntime, error)

	// Factory holds the per-capability constructor registries.
	Factory struct {
		mu         sync.RWMutex
		storage    map[string]StorageConstructor
		buses      map[string]BusConstructor
		containers map[string]ContainerConstructor
		serverless map[string]ServerlessConstructor
	}
)

// New returns a factory with the local builtins registered in every
// capability.
func New() *Factory {
	f := &Factory{
		storage:    map[string]StorageConstructor{},
		buses:      map[string]BusConstructor{},
		containers: map[string]ContainerConstructor{},
		serverless: map[string]ServerlessConstructor{},
	}
	f.RegisterStorage(LocalProvider, func(ctx context.Context, cfg config.Config, opts Options) (store.Provider, error) {
		return storeinmem.NewProvider(), nil
	})
	f.RegisterEventBus(LocalProvider, func(ctx context.Context, cfg config.Config, opts Options) (bus.Bus, error) {
		return businmem.New(businmem.Options{
			MaxConcurrent:    int64(cfg.MaxConcurrentOperations),
			OperationTimeout: cfg.OperationTimeout,
			RetryMaxAttempts: cfg.RetryMaxAttempts,
			RetryBackoff:     cfg.RetryBackoff,
			Logger:           opts.Logger,
			Metrics:          opts.Metrics,
		}), nil
	})
	f.RegisterContainerRuntime(LocalProvider, func(ctx context.Context, cfg config.Config, opts Options) (compute.ContainerRuntime, error) {
		return computelocal.NewContainerRuntime(opts.Logger), nil
	})
	f.RegisterServerless(LocalProvider, func(ctx context.Context, cfg config.Config, opts Options) (compute.ServerlessRuntime, error) {
		return computelocal.NewServerlessRuntime(opts.Logger), nil
	})
	return f
}

// RegisterStorage adds or replaces the storage constructor for name. It
// panics on an empty name or nil constructor, both programmer errors.
func (f *Factory) RegisterStorage(name string, ctor StorageConstructor) {
	if name == "" || ctor == nil {
		panic("factory: storage registration needs a name and a constructor")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storage[name] = ctor
}

// RegisterEventBus adds or replaces the bus constructor for name.
func (f *Factory) RegisterEventBus(name string, ctor BusConstructor) {
	if name == "" || ctor == nil {
		panic("factory: event bus registration needs a name and a constructor")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buses[name] = ctor
}

// RegisterContainerRuntime adds or replaces the container runtime
// constructor for name.
func (f *Factory) RegisterContainerRuntime(name string, ctor ContainerConstructor) {
	if name == "" || ctor == nil {
		panic("factory: container runtime registration needs a name and a constructor")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = ctor
}

// RegisterServerless adds or replaces the serverless constructor for name.
func (f *Factory) RegisterServerless(name string, ctor ServerlessConstructor) {
	if name == "" || ctor == nil {
		panic("factory: serverless registration needs a name and a constructor")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serverless[name] = ctor
}

// Storage constructs the document store provider cfg selects.
func (f *Factory) Storage(ctx context.Context, cfg config.Config, opts Options) (store.Provider, error) {
	f.mu.RLock()
	ctor, ok := f.storage[cfg.StorageProvider]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage provider %q: %w", cfg.StorageProvider, ErrUnknownProvider)
	}
	return ctor(ctx, cfg, opts)
}

// EventBus constructs the event bus cfg selects.
func (f *Factory) EventBus(ctx context.Context, cfg config.Config, opts Options) (bus.Bus, error) {
	f.mu.RLock()
	ctor, ok := f.buses[cfg.EventBusProvider]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("event bus provider %q: %w", cfg.EventBusProvider, ErrUnknownProvider)
	}
	return ctor(ctx, cfg, opts)
}

// ContainerRuntime constructs the container runtime cfg selects.
func (f *Factory) ContainerRuntime(ctx context.Context, cfg config.Config, opts Options) (compute.ContainerRuntime, error) {
	f.mu.RLock()
	ctor, ok := f.containers[cfg.ContainerRuntime]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("container runtime %q: %w", cfg.ContainerRuntime, ErrUnknownProvider)
	}
	return ctor(ctx, cfg, opts)
}

// ServerlessRuntime constructs the serverless runtime cfg selects.
func (f *Factory) ServerlessRuntime(ctx context.Context, cfg config.Config, opts Options) (compute.ServerlessRuntime, error) {
	f.mu.RLock()
	ctor, ok := f.serverless[cfg.ServerlessProvider]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("serverless provider %q: %w", cfg.ServerlessProvider, ErrUnknownProvider)
	}
	return ctor(ctx, cfg, opts)
}

// StorageNames lists the registered storage providers, sorted.
func (f *Factory) StorageNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.storage)
}

// EventBusNames lists the registered bus providers, sorted.
func (f *Factory) EventBusNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.buses)
}

// ContainerRuntimeNames lists the registered container runtimes, sorted.
func (f *Factory) ContainerRuntimeNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.containers)
}

// ServerlessNames lists the registered serverless providers, sorted.
func (f *Factory) ServerlessNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.serverless)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	defaultMu      sync.Mutex
	defaultFactory = New()
)

// Default returns the process-wide factory that backend packages register
// into at import time.
func Default() *Factory {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultFactory
}

// Reset replaces the default factory with a fresh one holding only the
// local builtins. Constructors registered at import time are gone after a
// reset; tests that need a backend call its Register function again.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultFactory = New()
}
