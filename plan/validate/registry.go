package validate

import (
	"context"
	"sort"

	"github.com/lightning-runtime/lightning/plan"
	"github.com/lightning-runtime/lightning/registry"
)

// externalEventsValidator cross-checks declared events against the event
// registry. A plan may only attach a trigger kind to events the registry
// knows as external, and the kind must match what was registered.
type externalEventsValidator struct {
	events *registry.EventRegistry
}

func (externalEventsValidator) Name() string { return "external_events" }

func (v externalEventsValidator) Validate(ctx context.Context, p plan.Plan) []Result {
	var out []Result
	f := func(format string, args ...any) {
		out = append(out, fail("external_events", format, args...))
	}

	for _, e := range p.Events {
		def, ok := v.events.Get(e.Name)
		if !ok {
			if e.Kind != "" {
				f("event %q is not registered as an external trigger and must not declare kind %q", e.Name, e.Kind)
			}
			if e.Schedule != "" {
				f("event %q is not registered as an external trigger and must not declare a schedule", e.Name)
			}
			continue
		}
		if def.External() {
			if e.Kind != string(def.Kind) {
				f("event %q: kind %q does not match registered kind %q", e.Name, e.Kind, string(def.Kind))
			}
			continue
		}
		if e.Kind != "" {
			f("event %q is registered as %s and must not declare a trigger kind", e.Name, string(def.Category))
		}
	}

	return orPass("external_events", out)
}

// toolsValidator resolves every step action against the tool registry and
// checks the declared inputs are all supplied. Extra arguments beyond the
// declared inputs are allowed.
type toolsValidator struct {
	tools *registry.ToolRegistry
}

func (toolsValidator) Name() string { return "tools" }

func (v toolsValidator) Validate(ctx context.Context, p plan.Plan) []Result {
	var out []Result
	f := func(format string, args ...any) {
		out = append(out, fail("tools", format, args...))
	}

	for _, s := range p.Steps {
		if s.Action == "" {
			continue
		}
		tool, ok := v.tools.Get(s.Action)
		if !ok {
			f("step %q: action %q is not a registered tool", s.Name, s.Action)
			continue
		}
		if !tool.Enabled {
			f("step %q: tool %q is disabled", s.Name, s.Action)
			continue
		}
		var missing []string
		for input := range tool.Inputs {
			if _, ok := s.Args[input]; !ok {
				missing = append(missing, input)
			}
		}
		sort.Strings(missing)
		for _, arg := range missing {
			f("step %q: missing required argument %q for tool %q", s.Name, arg, s.Action)
		}
	}

	return orPass("tools", out)
}
