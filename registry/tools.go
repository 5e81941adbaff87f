// Package registry holds the process-wide tool, event and application
// tables. Tool and event registries are in-memory maps with serialized
// writes and snapshot reads; the application registry persists through the
// document store. Plans reference tools and events by name, so the
// registries are populated before any plan is validated or executed.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

// ScopePlanner marks a tool as visible to the plan generator.
const ScopePlanner = "planner"

// ToolType classifies how a tool is executed.
type ToolType string

const (
	// ToolAgent delegates to another agent.
	ToolAgent ToolType = "agent"
	// ToolLLM invokes a model completion.
	ToolLLM ToolType = "llm"
	// ToolNative runs in-process code.
	ToolNative ToolType = "native"
	// ToolMCP calls a tool exposed over MCP.
	ToolMCP ToolType = "mcp"
	// ToolAPI calls an external HTTP API.
	ToolAPI ToolType = "api"
)

// ParseToolType converts a string into a ToolType.
func ParseToolType(s string) (ToolType, error) {
	t := ToolType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tool type %q", s)
	}
	return t, nil
}

// Valid reports whether the tool type is recognized.
func (t ToolType) Valid() bool {
	switch t {
	case ToolAgent, ToolLLM, ToolNative, ToolMCP, ToolAPI:
		return true
	}
	return false
}

type (
	// Tool describes one registered capability a plan step can invoke.
	Tool struct {
		// ID uniquely identifies the tool; plan steps reference it in
		// their action field.
		ID string `json:"id"`
		// Name is the human-readable title.
		Name string `json:"name"`
		// Description says what the tool does, surfaced to planners.
		Description string `json:"description,omitempty"`
		// Type classifies the execution mechanism.
		Type ToolType `json:"type"`
		// AccessScopes restrict who may see the tool.
		AccessScopes []string `json:"access_scopes,omitempty"`
		// Capabilities tag the tool for discovery filters.
		Capabilities []string `json:"capabilities,omitempty"`
		// Inputs maps required argument names to their declared types.
		Inputs map[string]string `json:"inputs,omitempty"`
		// Produces lists event names the tool may emit.
		Produces []string `json:"produces,omitempty"`
		// Enabled gates the tool; disabled tools fail plan validation.
		Enabled bool `json:"enabled"`
	}

	// PlannerTool is the reduced view handed to plan generators.
	PlannerTool struct {
		// Description says what the tool does.
		Description string `json:"description"`
		// Inputs maps required argument names to types.
		Inputs map[string]string `json:"inputs,omitempty"`
		// Produces lists event names the tool may emit.
		Produces []string `json:"produces,omitempty"`
	}

	// ToolRegistry is the id-keyed tool table. The zero value is not
	// usable, construct with NewToolRegistry.
	ToolRegistry struct {
		logger telemetry.Logger
		mu     sync.RWMutex
		tools  map[string]Tool
	}
)

// HasScope reports whether the tool carries the given access scope.
func (t Tool) HasScope(scope string) bool {
	for _, s := range t.AccessScopes {
		if strings.EqualFold(s, scope) {
			return true
		}
	}
	return false
}

// HasCapability reports whether the tool carries the given capability tag.
func (t Tool) HasCapability(capability string) bool {
	for _, c := range t.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// NewToolRegistry returns an empty tool registry. A nil logger disables
// duplicate-registration logging.
func NewToolRegistry(logger telemetry.Logger) *ToolRegistry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &ToolRegistry{logger: logger, tools: map[string]Tool{}}
}

// Register adds the tool. The first registration of an id wins: later
// attempts are logged and skipped without error so independent providers can
// offer overlapping catalogs.
func (r *ToolRegistry) Register(ctx context.Context, t Tool) error {
	if t.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if !t.Type.Valid() {
		return fmt.Errorf("unknown tool type %q", t.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[t.ID]; ok {
		r.logger.Warn(ctx, "tool already registered, keeping first",
			"tool", t.ID, "kept", existing.Name, "skipped", t.Name)
		return nil
	}
	r.tools[t.ID] = t
	return nil
}

// Get returns the tool registered under id.
func (r *ToolRegistry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns every registered tool sorted by id.
func (r *ToolRegistry) List() []Tool {
	return r.filter(func(Tool) bool { return true })
}

// FilterByType returns the tools of the given type, sorted by id.
func (r *ToolRegistry) FilterByType(t ToolType) []Tool {
	return r.filter(func(tool Tool) bool { return tool.Type == t })
}

// FilterByCapability returns the tools carrying the capability, sorted by id.
func (r *ToolRegistry) FilterByCapability(capability string) []Tool {
	return r.filter(func(tool Tool) bool { return tool.HasCapability(capability) })
}

// FilterByScope returns the tools carrying the access scope, sorted by id.
func (r *ToolRegistry) FilterByScope(scope string) []Tool {
	return r.filter(func(tool Tool) bool { return tool.HasScope(scope) })
}

// PlannerTools returns the reduced view of every enabled tool visible under
// the planner scope, keyed by tool id.
func (r *ToolRegistry) PlannerTools() map[string]PlannerTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := make(map[string]PlannerTool)
	for id, t := range r.tools {
		if !t.Enabled || !t.HasScope(ScopePlanner) {
			continue
		}
		view[id] = PlannerTool{
			Description: t.Description,
			Inputs:      t.Inputs,
			Produces:    t.Produces,
		}
	}
	return view
}

func (r *ToolRegistry) filter(keep func(Tool) bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, t := range r.tools {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
