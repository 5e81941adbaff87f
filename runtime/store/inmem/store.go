// Package inmem implements the in-process reference document store. It is
// the semantic model for every other storage backend: uuid etags, conflict
// detection on update and deep-copied payloads so callers never share memory
// with the store.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lightning-runtime/lightning/runtime/store"
)

const providerName = "storage-local"

// Provider implements store.Provider backed by process memory.
type Provider struct {
	mu         sync.RWMutex
	containers map[string]*Store
}

// NewProvider returns an empty in-memory storage provider.
func NewProvider() *Provider {
	return &Provider{containers: make(map[string]*Store)}
}

// Name implements health.Pinger.
func (p *Provider) Name() string { return providerName }

// Ping probes the health-check container the way remote providers do.
func (p *Provider) Ping(ctx context.Context) error {
	_, err := p.ContainerExists(ctx, store.HealthProbeContainer)
	return err
}

// Initialize implements store.Provider. Memory needs no preparation.
func (p *Provider) Initialize(ctx context.Context) error { return nil }

// Close drops all containers.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.containers = make(map[string]*Store)
	return nil
}

// DocumentStore returns the container's store, creating it lazily.
func (p *Provider) DocumentStore(ctx context.Context, container string) (store.DocumentStore, error) {
	if container == "" {
		return nil, fmt.Errorf("container name is required")
	}
	return p.container(container), nil
}

// CreateContainerIfNotExists provisions the container. The partition key
// path is implicit in memory and therefore ignored.
func (p *Provider) CreateContainerIfNotExists(ctx context.Context, name, partitionKeyPath string) error {
	if name == "" {
		return fmt.Errorf("container name is required")
	}
	p.container(name)
	return nil
}

// DeleteContainer removes the container and its documents.
func (p *Provider) DeleteContainer(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.containers, name)
	return nil
}

// ContainerExists reports whether the container was created.
func (p *Provider) ContainerExists(ctx context.Context, name string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.containers[name]
	return ok, nil
}

func (p *Provider) container(name string) *Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.containers[name]
	if !ok {
		s = NewStore()
		p.containers[name] = s
	}
	return s
}

type docKey struct {
	partition string
	id        string
}

// Store is one in-memory container.
type Store struct {
	mu   sync.RWMutex
	docs map[docKey]store.Document
}

// NewStore returns an empty container store.
func NewStore() *Store {
	return &Store{docs: make(map[docKey]store.Document)}
}

// Create stores a new document with fresh timestamps and etag. Creating an
// id that already exists in the partition fails with ErrConflict.
func (s *Store) Create(ctx context.Context, doc store.Document) (store.Document, error) {
	if doc.ID == "" {
		return store.Document{}, fmt.Errorf("document id is required")
	}
	key := docKey{partition: doc.PartitionKey, id: doc.ID}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.ETag = uuid.NewString()
	doc.Data = cloneData(doc.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key]; ok {
		return store.Document{}, fmt.Errorf("create document %s: %w", doc.ID, store.ErrConflict)
	}
	s.docs[key] = doc
	return copyDoc(doc), nil
}

// Read returns the document or ErrNotFound.
func (s *Store) Read(ctx context.Context, id, partition string) (store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey{partition: partition, id: id}]
	if !ok {
		return store.Document{}, fmt.Errorf("read document %s: %w", id, store.ErrNotFound)
	}
	return copyDoc(doc), nil
}

// Update replaces the payload when doc.ETag matches the stored etag.
func (s *Store) Update(ctx context.Context, doc store.Document) (store.Document, error) {
	if doc.ID == "" {
		return store.Document{}, fmt.Errorf("document id is required")
	}
	key := docKey{partition: doc.PartitionKey, id: doc.ID}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[key]
	if !ok {
		return store.Document{}, fmt.Errorf("update document %s: %w", doc.ID, store.ErrNotFound)
	}
	if doc.ETag != current.ETag {
		return store.Document{}, fmt.Errorf("update document %s: %w", doc.ID, store.ErrConflict)
	}
	current.Data = cloneData(doc.Data)
	current.UpdatedAt = time.Now().UTC()
	current.ETag = uuid.NewString()
	s.docs[key] = current
	return copyDoc(current), nil
}

// Delete removes the document and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id, partition string) (bool, error) {
	key := docKey{partition: partition, id: id}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[key]
	delete(s.docs, key)
	return ok, nil
}

// Query returns documents matching the criteria ordered by creation time.
func (s *Store) Query(ctx context.Context, criteria store.Criteria, opts store.QueryOptions) ([]store.Document, error) {
	return s.collect(func(doc store.Document) bool { return criteria.Matches(doc) }, opts), nil
}

// ListAll returns every document ordered by creation time.
func (s *Store) ListAll(ctx context.Context, opts store.QueryOptions) ([]store.Document, error) {
	return s.collect(func(store.Document) bool { return true }, opts), nil
}

func (s *Store) collect(keep func(store.Document) bool, opts store.QueryOptions) []store.Document {
	s.mu.RLock()
	var out []store.Document
	for key, doc := range s.docs {
		if opts.Partition != "" && key.partition != opts.Partition {
			continue
		}
		if keep(doc) {
			out = append(out, copyDoc(doc))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Max > 0 && len(out) > opts.Max {
		out = out[:opts.Max]
	}
	return out
}

func copyDoc(doc store.Document) store.Document {
	doc.Data = cloneData(doc.Data)
	return doc
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneData(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
