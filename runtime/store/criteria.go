package store

import (
	"reflect"
	"strings"
)

// Criteria maps dotted key-paths to required values. Paths address the
// document payload; the reserved names "id" and "partition_key" address the
// envelope. All conditions must hold. Values compare by equality with
// type-loose numbers so JSON-decoded payloads match literal Go values.
type Criteria map[string]any

// Matches reports whether the document satisfies every criterion.
func (c Criteria) Matches(doc Document) bool {
	for path, want := range c {
		got, ok := criterionValue(doc, path)
		if !ok || !equalValue(got, want) {
			return false
		}
	}
	return true
}

func criterionValue(doc Document, path string) (any, bool) {
	switch path {
	case "id":
		return doc.ID, true
	case "partition_key":
		return doc.PartitionKey, true
	}
	var current any = doc.Data
	for _, seg := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equalValue(got, want any) bool {
	if gf, ok := numberValue(got); ok {
		wf, ok := numberValue(want)
		return ok && gf == wf
	}
	return reflect.DeepEqual(got, want)
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
