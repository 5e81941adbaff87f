package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is a declarative bundle of tool and event definitions, typically
// loaded from a file at startup to seed the registries.
type Catalog struct {
	// Tools are registered into the tool registry.
	Tools []Tool `json:"tools,omitempty"`
	// Events are registered into the event registry.
	Events []EventDefinition `json:"events,omitempty"`
}

// LoadCatalog reads a catalog from a JSON or YAML file, chosen by extension.
// YAML documents are converted through JSON so both formats share the wire
// field names.
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return Catalog{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if raw, err = json.Marshal(doc); err != nil {
			return Catalog{}, fmt.Errorf("convert %s: %w", path, err)
		}
	default:
		return Catalog{}, fmt.Errorf("unsupported catalog file extension %q", ext)
	}

	var c Catalog
	if err := json.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// Apply registers every catalog entry. Invalid entries abort with an error
// naming the entry; duplicates follow the registries' first-wins policy.
func (c Catalog) Apply(ctx context.Context, tools *ToolRegistry, events *EventRegistry) error {
	for _, t := range c.Tools {
		if err := tools.Register(ctx, t); err != nil {
			return fmt.Errorf("catalog tool %q: %w", t.ID, err)
		}
	}
	for _, d := range c.Events {
		if err := events.Register(ctx, d); err != nil {
			return fmt.Errorf("catalog event %q: %w", d.Name, err)
		}
	}
	return nil
}
