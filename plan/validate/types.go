package validate

import (
	"context"
	"strconv"
	"strings"

	"github.com/lightning-runtime/lightning/plan"
	"github.com/lightning-runtime/lightning/registry"
)

// typesValidator re-checks field shapes with messages that name the exact
// field, so planner feedback stays actionable even when the schema
// validator reports the same defect in schema-path form.
type typesValidator struct{}

func (typesValidator) Name() string { return "types" }

func (v typesValidator) Validate(ctx context.Context, p plan.Plan) []Result {
	var out []Result
	f := func(format string, args ...any) {
		out = append(out, fail(v.Name(), format, args...))
	}

	if strings.TrimSpace(p.PlanName) == "" {
		f("plan_name must be a non-empty string")
	}
	if !p.GraphType.Valid() {
		f("graph_type must be %q or %q, got %q", plan.GraphAcyclic, plan.GraphReactive, string(p.GraphType))
	}

	for i, e := range p.Events {
		name := e.Name
		if name == "" {
			f("events[%d]: name is required", i)
			continue
		}
		if !strings.HasPrefix(name, registry.EventNamePrefix) || len(name) == len(registry.EventNamePrefix) {
			f("event %q: name must start with %q", name, registry.EventNamePrefix)
		}
		if e.Kind != "" {
			if _, err := registry.ParseEventKind(e.Kind); err != nil {
				f("event %q: %v", name, err)
			}
		} else if e.Schedule != "" {
			f("event %q: schedule requires a timed kind", name)
		}
	}

	for i, s := range p.Steps {
		name := s.Name
		if name == "" {
			f("steps[%d]: name is required", i)
			name = "steps[" + strconv.Itoa(i) + "]"
		}
		if s.Action == "" {
			f("step %q: action is required", name)
		}
		if s.On == nil {
			f("step %q: on must list at least the triggering events", name)
		}
		for _, ev := range s.On {
			if !strings.HasPrefix(ev, registry.EventNamePrefix) {
				f("step %q: consumed event %q must start with %q", name, ev, registry.EventNamePrefix)
			}
		}
		for _, ev := range s.Emits {
			if !strings.HasPrefix(ev, registry.EventNamePrefix) {
				f("step %q: emitted event %q must start with %q", name, ev, registry.EventNamePrefix)
			}
		}
	}

	return orPass(v.Name(), out)
}
