package inmem

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightning-runtime/lightning/runtime/store"
)

func TestCreateAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	created, err := s.Create(ctx, store.Document{ID: "d1", Data: map[string]any{"k": "v"}})
	require.NoError(t, err)
	require.NotEmpty(t, created.ETag)
	require.False(t, created.CreatedAt.IsZero())
	require.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := s.Read(ctx, "d1", "")
	require.NoError(t, err)
	require.Equal(t, created, got)
}

func TestCreateDuplicateConflicts(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.Create(ctx, store.Document{ID: "d1"})
	require.NoError(t, err)
	_, err = s.Create(ctx, store.Document{ID: "d1"})
	require.ErrorIs(t, err, store.ErrConflict)

	// Same id in another partition is a distinct document.
	_, err = s.Create(ctx, store.Document{ID: "d1", PartitionKey: "other"})
	require.NoError(t, err)
}

func TestReadMissing(t *testing.T) {
	_, err := NewStore().Read(context.Background(), "ghost", "")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	created, err := s.Create(ctx, store.Document{ID: "d1", Data: map[string]any{"n": 1}})
	require.NoError(t, err)

	created.Data["n"] = 2
	updated, err := s.Update(ctx, created)
	require.NoError(t, err)
	require.NotEqual(t, created.ETag, updated.ETag)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)

	// The original etag is now stale.
	_, err = s.Update(ctx, created)
	require.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Update(ctx, store.Document{ID: "ghost", ETag: "whatever"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentUpdateOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	created, err := s.Create(ctx, store.Document{ID: "d1", Data: map[string]any{"n": 0}})
	require.NoError(t, err)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc := created
			doc.Data = map[string]any{"n": 1}
			_, err := s.Update(ctx, doc)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, conflicts int
	for err := range errs {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, store.ErrConflict)
			conflicts++
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, conflicts)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.Create(ctx, store.Document{ID: "d1"})
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "d1", "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Delete(ctx, "d1", "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for _, doc := range []store.Document{
		{ID: "a", PartitionKey: "p1", Data: map[string]any{"status": "active"}},
		{ID: "b", PartitionKey: "p1", Data: map[string]any{"status": "done"}},
		{ID: "c", PartitionKey: "p2", Data: map[string]any{"status": "active"}},
	} {
		_, err := s.Create(ctx, doc)
		require.NoError(t, err)
	}

	active, err := s.Query(ctx, store.Criteria{"status": "active"}, store.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, active, 2)

	p1, err := s.Query(ctx, store.Criteria{"status": "active"}, store.QueryOptions{Partition: "p1"})
	require.NoError(t, err)
	require.Len(t, p1, 1)
	require.Equal(t, "a", p1[0].ID)

	bounded, err := s.Query(ctx, store.Criteria{}, store.QueryOptions{Max: 2})
	require.NoError(t, err)
	require.Len(t, bounded, 2)
}

func TestListAllOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for _, id := range []string{"c", "a", "b"} {
		_, err := s.Create(ctx, store.Document{ID: id})
		require.NoError(t, err)
	}

	docs, err := s.ListAll(ctx, store.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for i := 1; i < len(docs); i++ {
		prev, cur := docs[i-1], docs[i]
		require.False(t, cur.CreatedAt.Before(prev.CreatedAt))
		if cur.CreatedAt.Equal(prev.CreatedAt) {
			require.Less(t, prev.ID, cur.ID)
		}
	}
}

func TestPayloadIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.Create(ctx, store.Document{ID: "d1", Data: map[string]any{"nested": map[string]any{"k": "v"}}})
	require.NoError(t, err)

	got, err := s.Read(ctx, "d1", "")
	require.NoError(t, err)
	got.Data["nested"].(map[string]any)["k"] = "mutated"

	again, err := s.Read(ctx, "d1", "")
	require.NoError(t, err)
	require.Equal(t, "v", again.Data["nested"].(map[string]any)["k"])
}

func TestProviderContainers(t *testing.T) {
	ctx := context.Background()
	p := NewProvider()

	require.Equal(t, "storage-local", p.Name())
	require.NoError(t, p.Initialize(ctx))
	require.NoError(t, p.Ping(ctx))

	ok, err := p.ContainerExists(ctx, "plans")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.CreateContainerIfNotExists(ctx, "plans", "/partition_key"))
	ok, err = p.ContainerExists(ctx, "plans")
	require.NoError(t, err)
	require.True(t, ok)

	// DocumentStore creates containers lazily.
	ds, err := p.DocumentStore(ctx, "events")
	require.NoError(t, err)
	require.NotNil(t, ds)
	ok, err = p.ContainerExists(ctx, "events")
	require.NoError(t, err)
	require.True(t, ok)

	// The same container name yields the same backing store.
	first, err := p.DocumentStore(ctx, "plans")
	require.NoError(t, err)
	_, err = first.Create(ctx, store.Document{ID: "d1"})
	require.NoError(t, err)
	second, err := p.DocumentStore(ctx, "plans")
	require.NoError(t, err)
	_, err = second.Read(ctx, "d1", "")
	require.NoError(t, err)

	require.NoError(t, p.DeleteContainer(ctx, "plans"))
	ok, err = p.ContainerExists(ctx, "plans")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.Close(ctx))
}
