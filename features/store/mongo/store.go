// Package mongo implements the document store on MongoDB. Each container
// maps to one collection in a single database; the envelope is stored as one
// BSON document under a unique (partition_key, id) index, which preserves
// the composite-key semantics of the in-process store and turns duplicate
// creates into conflicts at the server.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/lightning-runtime/lightning/features/store/mongo/clients/mongo"
	"github.com/lightning-runtime/lightning/runtime/store"
)

const (
	providerName     = "storage-mongo"
	defaultOpTimeout = 5 * time.Second
)

// Options configures the provider.
type Options struct {
	// Client supplies collections and database commands. Required.
	Client clientsmongo.Client

	// Timeout bounds individual operations. Zero uses the default.
	Timeout time.Duration
}

// Provider implements store.Provider backed by MongoDB.
type Provider struct {
	client  clientsmongo.Client
	timeout time.Duration

	// mu guards ensured, the containers whose collection and index this
	// process already provisioned.
	mu      sync.Mutex
	ensured map[string]struct{}
}

var _ store.Provider = (*Provider)(nil)

// NewProvider validates opts and builds the provider.
func NewProvider(opts Options) (*Provider, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultOpTimeout
	}
	return &Provider{
		client:  opts.Client,
		timeout: opts.Timeout,
		ensured: make(map[string]struct{}),
	}, nil
}

// Name implements health.Pinger.
func (p *Provider) Name() string { return providerName }

// Ping verifies the primary is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()
	return p.client.Ping(ctx)
}

// Initialize provisions the health-probe container so pings have something
// to touch on a fresh deployment.
func (p *Provider) Initialize(ctx context.Context) error {
	return p.CreateContainerIfNotExists(ctx, store.HealthProbeContainer, "/id")
}

// Close releases the driver connection.
func (p *Provider) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}

// DocumentStore returns the container's store, provisioning the collection
// and its key index on first use.
func (p *Provider) DocumentStore(ctx context.Context, container string) (store.DocumentStore, error) {
	if container == "" {
		return nil, fmt.Errorf("container name is required")
	}
	if err := p.ensureContainer(ctx, container); err != nil {
		return nil, err
	}
	return &Store{coll: p.client.Collection(container), timeout: p.timeout}, nil
}

// CreateContainerIfNotExists provisions the collection and its key index.
// The partition key path is implicit in the envelope's partition_key field
// and therefore ignored beyond validation.
func (p *Provider) CreateContainerIfNotExists(ctx context.Context, name, partitionKeyPath string) error {
	if name == "" {
		return fmt.Errorf("container name is required")
	}
	return p.ensureContainer(ctx, name)
}

// DeleteContainer drops the collection and its documents.
func (p *Provider) DeleteContainer(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("container name is required")
	}
	p.mu.Lock()
	delete(p.ensured, name)
	p.mu.Unlock()

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.DropCollection(ctx, name); err != nil {
		return fmt.Errorf("drop container %s: %w", name, err)
	}
	return nil
}

// ContainerExists reports whether the collection is provisioned.
func (p *Provider) ContainerExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()
	names, err := p.client.CollectionNames(ctx)
	if err != nil {
		return false, fmt.Errorf("list containers: %w", err)
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (p *Provider) ensureContainer(ctx context.Context, name string) error {
	p.mu.Lock()
	_, done := p.ensured[name]
	p.mu.Unlock()
	if done {
		return nil
	}

	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.CreateCollection(ctx, name); err != nil {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	index := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "partition_key", Value: 1},
			{Key: "id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := p.client.Collection(name).Indexes().CreateOne(ctx, index); err != nil {
		return fmt.Errorf("index container %s: %w", name, err)
	}

	p.mu.Lock()
	p.ensured[name] = struct{}{}
	p.mu.Unlock()
	return nil
}

// Store is one collection-backed container.
type Store struct {
	coll    clientsmongo.Collection
	timeout time.Duration
}

var _ store.DocumentStore = (*Store)(nil)

// Create stores a new document with fresh timestamps and etag. Creating an
// id that already exists in the partition fails with ErrConflict.
func (s *Store) Create(ctx context.Context, doc store.Document) (store.Document, error) {
	if doc.ID == "" {
		return store.Document{}, fmt.Errorf("document id is required")
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.ETag = uuid.NewString()

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.coll.InsertOne(ctx, fromDocument(doc)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return store.Document{}, fmt.Errorf("create document %s: %w", doc.ID, store.ErrConflict)
		}
		return store.Document{}, fmt.Errorf("create document %s: %w", doc.ID, err)
	}
	return doc, nil
}

// Read returns the document or ErrNotFound.
func (s *Store) Read(ctx context.Context, id, partition string) (store.Document, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	var rec document
	if err := s.coll.FindOne(ctx, keyFilter(id, partition)).Decode(&rec); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Document{}, fmt.Errorf("read document %s: %w", id, store.ErrNotFound)
		}
		return store.Document{}, fmt.Errorf("read document %s: %w", id, err)
	}
	return rec.toDocument(), nil
}

// Update replaces the payload when doc.ETag matches the stored etag. The
// etag rides in the filter so the compare-and-swap happens server-side.
func (s *Store) Update(ctx context.Context, doc store.Document) (store.Document, error) {
	if doc.ID == "" {
		return store.Document{}, fmt.Errorf("document id is required")
	}
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	filter := keyFilter(doc.ID, doc.PartitionKey)
	filter["etag"] = doc.ETag
	update := bson.M{"$set": bson.M{
		"data":       doc.Data,
		"updated_at": time.Now().UTC(),
		"etag":       uuid.NewString(),
	}}

	var rec document
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&rec)
	if err == nil {
		return rec.toDocument(), nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.Document{}, fmt.Errorf("update document %s: %w", doc.ID, err)
	}

	// The swap missed: distinguish a stale etag from a missing document.
	var probe document
	switch err := s.coll.FindOne(ctx, keyFilter(doc.ID, doc.PartitionKey)).Decode(&probe); {
	case err == nil:
		return store.Document{}, fmt.Errorf("update document %s: %w", doc.ID, store.ErrConflict)
	case errors.Is(err, mongodriver.ErrNoDocuments):
		return store.Document{}, fmt.Errorf("update document %s: %w", doc.ID, store.ErrNotFound)
	default:
		return store.Document{}, fmt.Errorf("update document %s: %w", doc.ID, err)
	}
}

// Delete removes the document and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id, partition string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.coll.DeleteOne(ctx, keyFilter(id, partition))
	if err != nil {
		return false, fmt.Errorf("delete document %s: %w", id, err)
	}
	return n > 0, nil
}

// Query returns documents matching the criteria ordered by creation time.
// Criteria paths translate to server-side filters, so matching happens in
// MongoDB rather than in this process.
func (s *Store) Query(ctx context.Context, criteria store.Criteria, opts store.QueryOptions) ([]store.Document, error) {
	filter := bson.M{}
	for path, want := range criteria {
		switch path {
		case "id":
			filter["id"] = want
		case "partition_key":
			filter["partition_key"] = want
		default:
			filter["data."+path] = want
		}
	}
	if opts.Partition != "" {
		if want, ok := filter["partition_key"]; ok && want != any(opts.Partition) {
			// The criteria pin a different partition; the
			// intersection is empty.
			return nil, nil
		}
		filter["partition_key"] = opts.Partition
	}
	return s.find(ctx, filter, opts.Max)
}

// ListAll returns every document ordered by creation time.
func (s *Store) ListAll(ctx context.Context, opts store.QueryOptions) ([]store.Document, error) {
	filter := bson.M{}
	if opts.Partition != "" {
		filter["partition_key"] = opts.Partition
	}
	return s.find(ctx, filter, opts.Max)
}

func (s *Store) find(ctx context.Context, filter bson.M, max int) ([]store.Document, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "id", Value: 1},
	})
	if max > 0 {
		findOpts = findOpts.SetLimit(int64(max))
	}
	cur, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer func() {
		_ = cur.Close(ctx)
	}()

	var out []store.Document
	for cur.Next(ctx) {
		var rec document
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, rec.toDocument())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	return out, nil
}

func keyFilter(id, partition string) bson.M {
	return bson.M{"id": id, "partition_key": partition}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// document is the BSON form of the storage envelope. Mongo supplies the _id;
// the envelope key is the (partition_key, id) pair.
type document struct {
	ID           string         `bson:"id"`
	PartitionKey string         `bson:"partition_key"`
	Data         map[string]any `bson:"data"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
	ETag         string         `bson:"etag"`
}

func fromDocument(doc store.Document) document {
	return document{
		ID:           doc.ID,
		PartitionKey: doc.PartitionKey,
		Data:         doc.Data,
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
		ETag:         doc.ETag,
	}
}

func (doc document) toDocument() store.Document {
	return store.Document{
		ID:           doc.ID,
		PartitionKey: doc.PartitionKey,
		Data:         normalizeData(doc.Data),
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
		ETag:         doc.ETag,
	}
}

// normalizeData converts BSON decode forms back into the JSON-shaped values
// the envelope contract promises: ordered documents become maps and BSON
// arrays become []any, recursively.
func normalizeData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case primitive.D:
		out := make(map[string]any, len(val))
		for _, elem := range val {
			out[elem.Key] = normalizeValue(elem.Value)
		}
		return out
	case primitive.M:
		return normalizeData(val)
	case map[string]any:
		return normalizeData(val)
	case primitive.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return val
	}
}
