// Package store defines the document storage contracts shared by every
// storage backend: a Document envelope with optimistic-concurrency etags, the
// DocumentStore CRUD interface, criteria-based querying and the Provider
// interface that hands out stores per container.
package store

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/health"
)

var (
	// ErrNotFound reports a missing document or container.
	ErrNotFound = errors.New("document not found")

	// ErrConflict reports an etag mismatch on update.
	ErrConflict = errors.New("document etag conflict")
)

type (
	// Document is the storage envelope. Stores maintain CreatedAt,
	// UpdatedAt and ETag; callers own ID, PartitionKey and Data.
	Document struct {
		// ID identifies the document within its partition.
		ID string `json:"id"`
		// PartitionKey scopes the document. Empty means the default
		// partition.
		PartitionKey string `json:"partition_key,omitempty"`
		// Data is the document payload.
		Data map[string]any `json:"data"`
		// CreatedAt is set by Create.
		CreatedAt time.Time `json:"created_at"`
		// UpdatedAt is set by Create and refreshed by Update.
		UpdatedAt time.Time `json:"updated_at"`
		// ETag changes on every write. Update fails with ErrConflict
		// when the submitted etag is stale.
		ETag string `json:"etag"`
	}

	// QueryOptions narrows Query and ListAll.
	QueryOptions struct {
		// Partition restricts results to one partition when non-empty.
		Partition string
		// Max bounds the result count; zero or negative means no bound.
		Max int
	}

	// DocumentStore is the CRUD contract over one container.
	DocumentStore interface {
		// Create stores a new document and returns it with CreatedAt,
		// UpdatedAt and a fresh ETag set.
		Create(ctx context.Context, doc Document) (Document, error)

		// Read returns the document or ErrNotFound.
		Read(ctx context.Context, id, partition string) (Document, error)

		// Update replaces the document payload. It fails with
		// ErrConflict when doc.ETag is stale and ErrNotFound when the
		// document no longer exists.
		Update(ctx context.Context, doc Document) (Document, error)

		// Delete removes the document and reports whether it existed.
		Delete(ctx context.Context, id, partition string) (bool, error)

		// Query returns documents matching the criteria.
		Query(ctx context.Context, criteria Criteria, opts QueryOptions) ([]Document, error)

		// ListAll returns every document, subject to opts.
		ListAll(ctx context.Context, opts QueryOptions) ([]Document, error)
	}

	// Provider hands out document stores and manages the backing
	// containers. Providers are health-checkable so the monitor can probe
	// them.
	Provider interface {
		health.Pinger

		// DocumentStore returns the store for the named container,
		// creating backing state lazily where the backend allows it.
		DocumentStore(ctx context.Context, container string) (DocumentStore, error)

		// Initialize prepares the backend. Call once before use.
		Initialize(ctx context.Context) error

		// Close releases backend resources.
		Close(ctx context.Context) error

		// CreateContainerIfNotExists provisions a container keyed by
		// partitionKeyPath. Existing containers are untouched.
		CreateContainerIfNotExists(ctx context.Context, name, partitionKeyPath string) error

		// DeleteContainer removes a container and its documents.
		DeleteContainer(ctx context.Context, name string) error

		// ContainerExists reports whether the container is provisioned.
		ContainerExists(ctx context.Context, name string) (bool, error)
	}
)

// HealthProbeContainer is the container name storage provider pings probe.
const HealthProbeContainer = "_health_check"
