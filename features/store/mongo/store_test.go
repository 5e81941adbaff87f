package mongo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	clientsmongo "github.com/lightning-runtime/lightning/features/store/mongo/clients/mongo"
	"github.com/lightning-runtime/lightning/runtime/store"
)

func newTestProvider(t *testing.T) (*Provider, *fakeClient) {
	t.Helper()
	client := newFakeClient()
	p, err := NewProvider(Options{Client: client})
	require.NoError(t, err)
	return p, client
}

func newTestStore(t *testing.T) (store.DocumentStore, *fakeClient) {
	t.Helper()
	p, client := newTestProvider(t)
	s, err := p.DocumentStore(context.Background(), "plans")
	require.NoError(t, err)
	return s, client
}

func TestNewProviderRequiresClient(t *testing.T) {
	_, err := NewProvider(Options{})
	require.EqualError(t, err, "mongo client is required")
}

func TestDocumentStoreProvisionsContainerOnce(t *testing.T) {
	ctx := context.Background()
	p, client := newTestProvider(t)

	_, err := p.DocumentStore(ctx, "plans")
	require.NoError(t, err)
	_, err = p.DocumentStore(ctx, "plans")
	require.NoError(t, err)

	require.Equal(t, 1, client.creates("plans"))
	indexes := client.collection("plans").indexModels()
	require.Len(t, indexes, 1)
	require.Equal(t, bson.D{
		{Key: "partition_key", Value: 1},
		{Key: "id", Value: 1},
	}, indexes[0].Keys)
	require.True(t, *indexes[0].Options.Unique)

	exists, err := p.ContainerExists(ctx, "plans")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestDocumentStoreRequiresContainerName(t *testing.T) {
	p, _ := newTestProvider(t)
	_, err := p.DocumentStore(context.Background(), "")
	require.EqualError(t, err, "container name is required")
}

func TestInitializeProvisionsHealthProbeContainer(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	require.NoError(t, p.Initialize(ctx))
	exists, err := p.ContainerExists(ctx, store.HealthProbeContainer)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestDeleteContainerForgetsProvisioning(t *testing.T) {
	ctx := context.Background()
	p, client := newTestProvider(t)

	_, err := p.DocumentStore(ctx, "plans")
	require.NoError(t, err)
	require.NoError(t, p.DeleteContainer(ctx, "plans"))

	exists, err := p.ContainerExists(ctx, "plans")
	require.NoError(t, err)
	require.False(t, exists)

	// The next use provisions the collection again.
	_, err = p.DocumentStore(ctx, "plans")
	require.NoError(t, err)
	require.Equal(t, 2, client.creates("plans"))
}

func TestPingDelegatesToClient(t *testing.T) {
	p, client := newTestProvider(t)

	require.Equal(t, "storage-mongo", p.Name())
	require.NoError(t, p.Ping(context.Background()))

	client.failPing(errors.New("primary unreachable"))
	require.EqualError(t, p.Ping(context.Background()), "primary unreachable")
}

func TestCloseDisconnectsClient(t *testing.T) {
	p, client := newTestProvider(t)
	require.NoError(t, p.Close(context.Background()))
	require.Equal(t, 1, client.disconnectCount())
}

func TestCreateFillsEnvelope(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	created, err := s.Create(ctx, store.Document{
		ID:           "p1",
		PartitionKey: "alice",
		Data:         map[string]any{"name": "digest"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ETag)
	require.False(t, created.CreatedAt.IsZero())
	require.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := s.Read(ctx, "p1", "alice")
	require.NoError(t, err)
	require.Equal(t, "digest", got.Data["name"])
	require.Equal(t, created.ETag, got.ETag)
}

func TestCreateRequiresID(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), store.Document{PartitionKey: "alice"})
	require.EqualError(t, err, "document id is required")
}

func TestCreateMapsDuplicateKeyToConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Create(ctx, store.Document{ID: "p1", PartitionKey: "alice"})
	require.NoError(t, err)
	_, err = s.Create(ctx, store.Document{ID: "p1", PartitionKey: "alice"})
	require.ErrorIs(t, err, store.ErrConflict)

	// Same id in another partition is a distinct document.
	_, err = s.Create(ctx, store.Document{ID: "p1", PartitionKey: "bob"})
	require.NoError(t, err)
}

func TestReadMissingIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Read(context.Background(), "ghost", "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSwapsOnMatchingETag(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	created, err := s.Create(ctx, store.Document{
		ID:           "p1",
		PartitionKey: "alice",
		Data:         map[string]any{"name": "digest"},
	})
	require.NoError(t, err)

	created.Data = map[string]any{"name": "weekly"}
	updated, err := s.Update(ctx, created)
	require.NoError(t, err)
	require.Equal(t, "weekly", updated.Data["name"])
	require.NotEqual(t, created.ETag, updated.ETag)

	// The original etag is now stale.
	_, err = s.Update(ctx, created)
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update(context.Background(), store.Document{
		ID: "ghost", PartitionKey: "alice", ETag: "whatever",
	})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteReportsExistence(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Create(ctx, store.Document{ID: "p1", PartitionKey: "alice"})
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "p1", "alice")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Delete(ctx, "p1", "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueryTranslatesCriteriaToServerFilters(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for _, doc := range []store.Document{
		{ID: "p1", PartitionKey: "alice", Data: map[string]any{"status": "ready"}},
		{ID: "p2", PartitionKey: "alice", Data: map[string]any{"status": "draft"}},
		{ID: "p3", PartitionKey: "bob", Data: map[string]any{"status": "ready"}},
		{ID: "p4", PartitionKey: "alice", Data: map[string]any{"spec": map[string]any{"kind": "cron"}}},
	} {
		_, err := s.Create(ctx, doc)
		require.NoError(t, err)
	}

	ready, err := s.Query(ctx, store.Criteria{"status": "ready"}, store.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, ready, 2)

	pinned, err := s.Query(ctx, store.Criteria{"status": "ready"}, store.QueryOptions{Partition: "alice"})
	require.NoError(t, err)
	require.Len(t, pinned, 1)
	require.Equal(t, "p1", pinned[0].ID)

	nested, err := s.Query(ctx, store.Criteria{"spec.kind": "cron"}, store.QueryOptions{Partition: "alice"})
	require.NoError(t, err)
	require.Len(t, nested, 1)
	require.Equal(t, "p4", nested[0].ID)
}

func TestQueryConflictingPartitionPinsIsEmpty(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Create(ctx, store.Document{ID: "p1", PartitionKey: "alice"})
	require.NoError(t, err)

	docs, err := s.Query(ctx, store.Criteria{"partition_key": "alice"}, store.QueryOptions{Partition: "bob"})
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestListAllOrdersByCreationTime(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Seed out of order with explicit timestamps so the sort option is
	// what produces the ordering.
	client.collection("plans").seed(
		document{ID: "p2", PartitionKey: "alice", CreatedAt: base.Add(time.Minute)},
		document{ID: "p1", PartitionKey: "alice", CreatedAt: base},
		document{ID: "p3", PartitionKey: "bob", CreatedAt: base.Add(2 * time.Minute)},
	)

	docs, err := s.ListAll(ctx, store.QueryOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2", "p3"}, ids(docs))

	bounded, err := s.ListAll(ctx, store.QueryOptions{Max: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2"}, ids(bounded))

	alice, err := s.ListAll(ctx, store.QueryOptions{Partition: "alice"})
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "p2"}, ids(alice))
}

func TestReadNormalizesDriverDecodeForms(t *testing.T) {
	ctx := context.Background()
	s, client := newTestStore(t)

	// The driver decodes nested BSON values as primitive.D / primitive.A;
	// the envelope contract promises JSON shapes.
	client.collection("plans").seed(document{
		ID:           "p1",
		PartitionKey: "alice",
		Data: map[string]any{
			"spec":  primitive.D{{Key: "kind", Value: "cron"}, {Key: "expression", Value: "0 9 * * *"}},
			"steps": primitive.A{primitive.D{{Key: "tool", Value: "llm.digest"}}, "done"},
		},
	})

	got, err := s.Read(ctx, "p1", "alice")
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"spec":  map[string]any{"kind": "cron", "expression": "0 9 * * *"},
		"steps": []any{map[string]any{"tool": "llm.digest"}, "done"},
	}, got.Data)
}

func ids(docs []store.Document) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = doc.ID
	}
	return out
}

// --- fakes ---

// fakeClient implements the clients seam in memory so store semantics can be
// exercised without a server. Duplicate inserts surface the same error shape
// the server produces so IsDuplicateKeyError holds.
type fakeClient struct {
	mu          sync.Mutex
	collections map[string]*fakeCollection
	createCalls map[string]int
	pingErr     error
	disconnects int
}

var _ clientsmongo.Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		collections: make(map[string]*fakeCollection),
		createCalls: make(map[string]int),
	}
}

func (c *fakeClient) Collection(name string) clientsmongo.Collection {
	return c.collection(name)
}

func (c *fakeClient) collection(name string) *fakeCollection {
	c.mu.Lock()
	defer c.mu.Unlock()
	coll, ok := c.collections[name]
	if !ok {
		coll = &fakeCollection{}
		c.collections[name] = coll
	}
	return coll
}

func (c *fakeClient) CollectionNames(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for name, coll := range c.collections {
		if coll.isCreated() {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *fakeClient) CreateCollection(_ context.Context, name string) error {
	coll := c.collection(name)
	c.mu.Lock()
	c.createCalls[name]++
	c.mu.Unlock()
	coll.setCreated(true)
	return nil
}

func (c *fakeClient) DropCollection(_ context.Context, name string) error {
	coll := c.collection(name)
	coll.setCreated(false)
	coll.clear()
	return nil
}

func (c *fakeClient) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	return nil
}

func (c *fakeClient) creates(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createCalls[name]
}

func (c *fakeClient) failPing(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

type fakeCollection struct {
	mu      sync.Mutex
	created bool
	docs    []document
	indexes []mongodriver.IndexModel
}

var _ clientsmongo.Collection = (*fakeCollection)(nil)

func (c *fakeCollection) InsertOne(_ context.Context, raw any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := raw.(document)
	for _, existing := range c.docs {
		if existing.ID == doc.ID && existing.PartitionKey == doc.PartitionKey {
			return mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{Code: 11000}}}
		}
	}
	c.docs = append(c.docs, doc)
	return nil
}

func (c *fakeCollection) FindOne(_ context.Context, rawFilter any, _ ...*options.FindOneOptions) clientsmongo.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	filter := rawFilter.(bson.M)
	for _, doc := range c.docs {
		if matchFilter(doc, filter) {
			return fakeResult{doc: doc}
		}
	}
	return fakeResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, rawFilter, rawUpdate any, _ ...*options.FindOneAndUpdateOptions) clientsmongo.SingleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	filter := rawFilter.(bson.M)
	set := rawUpdate.(bson.M)["$set"].(bson.M)
	for i, doc := range c.docs {
		if !matchFilter(doc, filter) {
			continue
		}
		if data, ok := set["data"]; ok {
			doc.Data, _ = data.(map[string]any)
		}
		if ts, ok := set["updated_at"]; ok {
			doc.UpdatedAt = ts.(time.Time)
		}
		if etag, ok := set["etag"]; ok {
			doc.ETag = etag.(string)
		}
		c.docs[i] = doc
		return fakeResult{doc: doc}
	}
	return fakeResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) Find(_ context.Context, rawFilter any, opts ...*options.FindOptions) (clientsmongo.Cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	filter := rawFilter.(bson.M)
	var out []document
	for _, doc := range c.docs {
		if matchFilter(doc, filter) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	for _, opt := range opts {
		if opt != nil && opt.Limit != nil && *opt.Limit > 0 && int64(len(out)) > *opt.Limit {
			out = out[:*opt.Limit]
		}
	}
	return &fakeCursor{docs: out}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, rawFilter any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	filter := rawFilter.(bson.M)
	for i, doc := range c.docs {
		if matchFilter(doc, filter) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *fakeCollection) Indexes() clientsmongo.IndexView {
	return fakeIndexView{coll: c}
}

func (c *fakeCollection) seed(docs ...document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, docs...)
}

func (c *fakeCollection) indexModels() []mongodriver.IndexModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mongodriver.IndexModel(nil), c.indexes...)
}

func (c *fakeCollection) isCreated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

func (c *fakeCollection) setCreated(created bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = created
}

func (c *fakeCollection) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = nil
}

func matchFilter(doc document, filter bson.M) bool {
	for key, want := range filter {
		var got any
		switch {
		case key == "id":
			got = doc.ID
		case key == "partition_key":
			got = doc.PartitionKey
		case key == "etag":
			got = doc.ETag
		case strings.HasPrefix(key, "data."):
			got = lookupPath(doc.Data, strings.TrimPrefix(key, "data."))
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

func lookupPath(data map[string]any, path string) any {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

type fakeResult struct {
	doc document
	err error
}

func (r fakeResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*val.(*document) = r.doc
	return nil
}

type fakeCursor struct {
	docs []document
	idx  int
}

func (c *fakeCursor) Close(context.Context) error { return nil }
func (c *fakeCursor) Err() error                  { return nil }

func (c *fakeCursor) Next(context.Context) bool {
	if c.idx >= len(c.docs) {
		return false
	}
	c.idx++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	*val.(*document) = c.docs[c.idx-1]
	return nil
}

type fakeIndexView struct {
	coll *fakeCollection
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...*options.CreateIndexesOptions) (string, error) {
	v.coll.mu.Lock()
	defer v.coll.mu.Unlock()
	v.coll.indexes = append(v.coll.indexes, model)
	return "partition_key_1_id_1", nil
}
