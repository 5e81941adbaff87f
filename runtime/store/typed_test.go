package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightning-runtime/lightning/runtime/store"
	"github.com/lightning-runtime/lightning/runtime/store/inmem"
)

type appRecord struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func TestEncodeDecode(t *testing.T) {
	data, err := store.Encode(appRecord{Name: "mailer", Version: 2})
	require.NoError(t, err)
	require.Equal(t, "mailer", data["name"])

	rec, err := store.Decode[appRecord](data)
	require.NoError(t, err)
	require.Equal(t, appRecord{Name: "mailer", Version: 2}, rec)
}

func TestTypedCRUD(t *testing.T) {
	ctx := context.Background()
	typed := store.NewTyped[appRecord](inmem.NewStore())

	doc, err := typed.Create(ctx, "app-1", "", appRecord{Name: "mailer", Version: 1})
	require.NoError(t, err)
	require.NotEmpty(t, doc.ETag)

	rec, doc, err := typed.Read(ctx, "app-1", "")
	require.NoError(t, err)
	require.Equal(t, "mailer", rec.Name)

	rec.Version = 2
	_, err = typed.Update(ctx, doc, rec)
	require.NoError(t, err)

	rec, _, err = typed.Read(ctx, "app-1", "")
	require.NoError(t, err)
	require.Equal(t, 2, rec.Version)

	got, err := typed.Query(ctx, store.Criteria{"name": "mailer"}, store.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)

	ok, err := typed.Delete(ctx, "app-1", "")
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = typed.Read(ctx, "app-1", "")
	require.ErrorIs(t, err, store.ErrNotFound)
}
