// Package resilience wraps providers with a circuit breaker. Every I/O
// method of a wrapped provider routes through one shared breaker so repeated
// backend failures fail fast with breaker.ErrOpen instead of piling up
// timeouts. Name and Ping pass through unwrapped: the health monitor always
// observes the raw provider.
//
// Expected domain errors (not found, conflict, duplicate registration) count
// as successes; they prove the backend answered.
package resilience

import (
	"context"
	"errors"

	"github.com/lightning-runtime/lightning/runtime/breaker"
	"github.com/lightning-runtime/lightning/runtime/compute"
	"github.com/lightning-runtime/lightning/runtime/store"
)

// storageOutcome classifies storage call results for the breaker.
func storageOutcome(err error) bool {
	return err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict)
}

// computeOutcome classifies compute call results for the breaker.
func computeOutcome(err error) bool {
	return err == nil ||
		errors.Is(err, compute.ErrContainerNotFound) ||
		errors.Is(err, compute.ErrFunctionNotFound) ||
		errors.Is(err, compute.ErrFunctionExists)
}

// NewStorageBreaker builds a breaker tuned for a storage provider.
func NewStorageBreaker(name string, opts breaker.Options) *breaker.Breaker {
	opts.Name = name
	opts.IsSuccessful = func(err error) bool { return storageOutcome(err) }
	return breaker.New(opts)
}

// NewComputeBreaker builds a breaker tuned for a compute runtime.
func NewComputeBreaker(name string, opts breaker.Options) *breaker.Breaker {
	opts.Name = name
	opts.IsSuccessful = func(err error) bool { return computeOutcome(err) }
	return breaker.New(opts)
}

// Provider wraps a store.Provider with a breaker.
type Provider struct {
	inner store.Provider
	brk   *breaker.Breaker
}

// WrapProvider guards every I/O method of the provider with brk. A nil brk
// gets default settings named after the provider.
func WrapProvider(inner store.Provider, brk *breaker.Breaker) *Provider {
	if brk == nil {
		brk = NewStorageBreaker(inner.Name(), breaker.Options{})
	}
	return &Provider{inner: inner, brk: brk}
}

// Name implements health.Pinger against the raw provider.
func (p *Provider) Name() string { return p.inner.Name() }

// Ping implements health.Pinger against the raw provider, bypassing the
// breaker so the monitor keeps observing an open-circuited backend.
func (p *Provider) Ping(ctx context.Context) error { return p.inner.Ping(ctx) }

// Breaker returns the guarding breaker.
func (p *Provider) Breaker() *breaker.Breaker { return p.brk }

// DocumentStore returns the container's store wrapped with the same breaker.
func (p *Provider) DocumentStore(ctx context.Context, container string) (store.DocumentStore, error) {
	ds, err := breaker.Call(ctx, p.brk, func(ctx context.Context) (store.DocumentStore, error) {
		return p.inner.DocumentStore(ctx, container)
	})
	if err != nil {
		return nil, err
	}
	return &DocumentStore{inner: ds, brk: p.brk}, nil
}

// Initialize implements store.Provider.
func (p *Provider) Initialize(ctx context.Context) error {
	return p.brk.Execute(ctx, p.inner.Initialize)
}

// Close implements store.Provider. Closing bypasses the breaker so shutdown
// always reaches the backend.
func (p *Provider) Close(ctx context.Context) error {
	return p.inner.Close(ctx)
}

// CreateContainerIfNotExists implements store.Provider.
func (p *Provider) CreateContainerIfNotExists(ctx context.Context, name, partitionKeyPath string) error {
	return p.brk.Execute(ctx, func(ctx context.Context) error {
		return p.inner.CreateContainerIfNotExists(ctx, name, partitionKeyPath)
	})
}

// DeleteContainer implements store.Provider.
func (p *Provider) DeleteContainer(ctx context.Context, name string) error {
	return p.brk.Execute(ctx, func(ctx context.Context) error {
		return p.inner.DeleteContainer(ctx, name)
	})
}

// ContainerExists implements store.Provider.
func (p *Provider) ContainerExists(ctx context.Context, name string) (bool, error) {
	return breaker.Call(ctx, p.brk, func(ctx context.Context) (bool, error) {
		return p.inner.ContainerExists(ctx, name)
	})
}

// DocumentStore wraps a store.DocumentStore with the provider's breaker.
type DocumentStore struct {
	inner store.DocumentStore
	brk   *breaker.Breaker
}

// Create implements store.DocumentStore.
func (s *DocumentStore) Create(ctx context.Context, doc store.Document) (store.Document, error) {
	return breaker.Call(ctx, s.brk, func(ctx context.Context) (store.Document, error) {
		return s.inner.Create(ctx, doc)
	})
}

// Read implements store.DocumentStore.
func (s *DocumentStore) Read(ctx context.Context, id, partition string) (store.Document, error) {
	return breaker.Call(ctx, s.brk, func(ctx context.Context) (store.Document, error) {
		return s.inner.Read(ctx, id, partition)
	})
}

// Update implements store.DocumentStore.
func (s *DocumentStore) Update(ctx context.Context, doc store.Document) (store.Document, error) {
	return breaker.Call(ctx, s.brk, func(ctx context.Context) (store.Document, error) {
		return s.inner.Update(ctx, doc)
	})
}

// Delete implements store.DocumentStore.
func (s *DocumentStore) Delete(ctx context.Context, id, partition string) (bool, error) {
	return breaker.Call(ctx, s.brk, func(ctx context.Context) (bool, error) {
		return s.inner.Delete(ctx, id, partition)
	})
}

// Query implements store.DocumentStore.
func (s *DocumentStore) Query(ctx context.Context, criteria store.Criteria, opts store.QueryOptions) ([]store.Document, error) {
	return breaker.Call(ctx, s.brk, func(ctx context.Context) ([]store.Document, error) {
		return s.inner.Query(ctx, criteria, opts)
	})
}

// ListAll implements store.DocumentStore.
func (s *DocumentStore) ListAll(ctx context.Context, opts store.QueryOptions) ([]store.Document, error) {
	return breaker.Call(ctx, s.brk, func(ctx context.Context) ([]store.Document, error) {
		return s.inner.ListAll(ctx, opts)
	})
}

// ContainerRuntime wraps a compute.ContainerRuntime with a breaker.
type ContainerRuntime struct {
	inner compute.ContainerRuntime
	brk   *breaker.Breaker
}

// WrapContainerRuntime guards the runtime's I/O methods with brk. A nil brk
// gets default settings named after the runtime.
func WrapContainerRuntime(inner compute.ContainerRuntime, brk *breaker.Breaker) *ContainerRuntime {
	if brk == nil {
		brk = NewComputeBreaker(inner.Name(), breaker.Options{})
	}
	return &ContainerRuntime{inner: inner, brk: brk}
}

// Name implements health.Pinger against the raw runtime.
func (r *ContainerRuntime) Name() string { return r.inner.Name() }

// Ping implements health.Pinger against the raw runtime.
func (r *ContainerRuntime) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

// Breaker returns the guarding breaker.
func (r *ContainerRuntime) Breaker() *breaker.Breaker { return r.brk }

// StartContainer implements compute.ContainerRuntime.
func (r *ContainerRuntime) StartContainer(ctx context.Context, spec compute.ContainerSpec) (compute.ContainerInfo, error) {
	return breaker.Call(ctx, r.brk, func(ctx context.Context) (compute.ContainerInfo, error) {
		return r.inner.StartContainer(ctx, spec)
	})
}

// StopContainer implements compute.ContainerRuntime.
func (r *ContainerRuntime) StopContainer(ctx context.Context, id string) error {
	return r.brk.Execute(ctx, func(ctx context.Context) error {
		return r.inner.StopContainer(ctx, id)
	})
}

// ContainerStatus implements compute.ContainerRuntime.
func (r *ContainerRuntime) ContainerStatus(ctx context.Context, id string) (compute.ContainerInfo, error) {
	return breaker.Call(ctx, r.brk, func(ctx context.Context) (compute.ContainerInfo, error) {
		return r.inner.ContainerStatus(ctx, id)
	})
}

// ListContainers implements compute.ContainerRuntime.
func (r *ContainerRuntime) ListContainers(ctx context.Context) ([]compute.ContainerInfo, error) {
	return breaker.Call(ctx, r.brk, func(ctx context.Context) ([]compute.ContainerInfo, error) {
		return r.inner.ListContainers(ctx)
	})
}

// Close implements compute.ContainerRuntime, bypassing the breaker.
func (r *ContainerRuntime) Close(ctx context.Context) error {
	return r.inner.Close(ctx)
}

// ServerlessRuntime wraps a compute.ServerlessRuntime with a breaker.
type ServerlessRuntime struct {
	inner compute.ServerlessRuntime
	brk   *breaker.Breaker
}

// WrapServerlessRuntime guards the runtime's I/O methods with brk. A nil
// brk gets default settings named after the runtime.
func WrapServerlessRuntime(inner compute.ServerlessRuntime, brk *breaker.Breaker) *ServerlessRuntime {
	if brk == nil {
		brk = NewComputeBreaker(inner.Name(), breaker.Options{})
	}
	return &ServerlessRuntime{inner: inner, brk: brk}
}

// Name implements health.Pinger against the raw runtime.
func (r *ServerlessRuntime) Name() string { return r.inner.Name() }

// Ping implements health.Pinger against the raw runtime.
func (r *ServerlessRuntime) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

// Breaker returns the guarding breaker.
func (r *ServerlessRuntime) Breaker() *breaker.Breaker { return r.brk }

// RegisterFunction implements compute.ServerlessRuntime.
func (r *ServerlessRuntime) RegisterFunction(ctx context.Context, def compute.FunctionDefinition) error {
	return r.brk.Execute(ctx, func(ctx context.Context) error {
		return r.inner.RegisterFunction(ctx, def)
	})
}

// InvokeFunction implements compute.ServerlessRuntime.
func (r *ServerlessRuntime) InvokeFunction(ctx context.Context, name string, payload map[string]any) (map[string]any, error) {
	return breaker.Call(ctx, r.brk, func(ctx context.Context) (map[string]any, error) {
		return r.inner.InvokeFunction(ctx, name, payload)
	})
}

// DeleteFunction implements compute.ServerlessRuntime.
func (r *ServerlessRuntime) DeleteFunction(ctx context.Context, name string) error {
	return r.brk.Execute(ctx, func(ctx context.Context) error {
		return r.inner.DeleteFunction(ctx, name)
	})
}

// ListFunctions implements compute.ServerlessRuntime.
func (r *ServerlessRuntime) ListFunctions(ctx context.Context) ([]string, error) {
	return breaker.Call(ctx, r.brk, func(ctx context.Context) ([]string, error) {
		return r.inner.ListFunctions(ctx)
	})
}

// Close implements compute.ServerlessRuntime, bypassing the breaker.
func (r *ServerlessRuntime) Close(ctx context.Context) error {
	return r.inner.Close(ctx)
}
