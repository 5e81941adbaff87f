package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Typed wraps a DocumentStore with struct payloads. Values round-trip
// through JSON, so the zero-value rules of the value's json tags apply.
type Typed[T any] struct {
	store DocumentStore
}

// NewTyped returns a typed view over the store.
func NewTyped[T any](s DocumentStore) Typed[T] {
	return Typed[T]{store: s}
}

// Encode converts a value into a document payload.
func Encode[T any](v T) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document payload: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("encode document payload: %w", err)
	}
	return data, nil
}

// Decode converts a document payload back into a value.
func Decode[T any](data map[string]any) (T, error) {
	var v T
	raw, err := json.Marshal(data)
	if err != nil {
		return v, fmt.Errorf("decode document payload: %w", err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode document payload: %w", err)
	}
	return v, nil
}

// Create stores v as a new document.
func (t Typed[T]) Create(ctx context.Context, id, partition string, v T) (Document, error) {
	data, err := Encode(v)
	if err != nil {
		return Document{}, err
	}
	return t.store.Create(ctx, Document{ID: id, PartitionKey: partition, Data: data})
}

// Read loads the document and decodes its payload. The returned Document
// carries the etag needed for a subsequent Update.
func (t Typed[T]) Read(ctx context.Context, id, partition string) (T, Document, error) {
	var v T
	doc, err := t.store.Read(ctx, id, partition)
	if err != nil {
		return v, Document{}, err
	}
	v, err = Decode[T](doc.Data)
	if err != nil {
		return v, Document{}, err
	}
	return v, doc, nil
}

// Update replaces the payload of doc with v, keeping doc's identity and
// etag for the concurrency check.
func (t Typed[T]) Update(ctx context.Context, doc Document, v T) (Document, error) {
	data, err := Encode(v)
	if err != nil {
		return Document{}, err
	}
	doc.Data = data
	return t.store.Update(ctx, doc)
}

// Delete removes the document and reports whether it existed.
func (t Typed[T]) Delete(ctx context.Context, id, partition string) (bool, error) {
	return t.store.Delete(ctx, id, partition)
}

// Query returns decoded values matching the criteria.
func (t Typed[T]) Query(ctx context.Context, criteria Criteria, opts QueryOptions) ([]T, error) {
	docs, err := t.store.Query(ctx, criteria, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](docs)
}

// List returns every decoded value, subject to opts.
func (t Typed[T]) List(ctx context.Context, opts QueryOptions) ([]T, error) {
	docs, err := t.store.ListAll(ctx, opts)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](docs)
}

func decodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := Decode[T](doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
