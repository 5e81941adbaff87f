package validate

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lightning-runtime/lightning/plan"
)

// planSchema is the wire contract for plan documents. Nested objects
// tolerate extra members so providers can decorate steps, but the
// top-level key set is closed.
const planSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["plan_name", "graph_type"],
  "properties": {
    "plan_name": {"type": "string", "minLength": 1},
    "graph_type": {"enum": ["acyclic", "reactive"]},
    "summary": {"type": "string"},
    "revised_from": {"type": "string"},
    "revision_reason": {"type": "string"},
    "instruction_id": {"type": "string"},
    "instruction_name": {"type": "string"},
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "pattern": "^event\\..+"},
          "kind": {"enum": ["time.cron", "time.interval", "webhook", "manual"]},
          "schedule": {"type": "string"},
          "description": {"type": "string"}
        }
      }
    },
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "on", "action"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "on": {"type": "array", "items": {"type": "string", "pattern": "^event\\..+"}},
          "action": {"type": "string", "minLength": 1},
          "args": {"type": "object"},
          "emits": {"type": "array", "items": {"type": "string", "pattern": "^event\\..+"}},
          "guard": {"type": "string"},
          "description": {"type": "string"}
        }
      }
    }
  }
}`

var compiledPlanSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(planSchema), &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("plan.json")
})

// schemaValidator checks a plan against the wire schema plus the
// structural rules the schema grammar cannot express: unique names,
// resolvable event references and the reserved completion name.
type schemaValidator struct{}

func (schemaValidator) Name() string { return "schema" }

func (v schemaValidator) Validate(ctx context.Context, p plan.Plan) []Result {
	var out []Result
	f := func(format string, args ...any) {
		out = append(out, fail(v.Name(), format, args...))
	}

	schema, err := compiledPlanSchema()
	if err != nil {
		f("compile plan schema: %v", err)
		return out
	}
	doc, err := planDocument(p)
	if err != nil {
		f("encode plan: %v", err)
		return out
	}
	if err := schema.Validate(doc); err != nil {
		f("%v", err)
	}

	seenSteps := make(map[string]bool)
	for _, s := range p.Steps {
		if s.Name == "" {
			continue
		}
		if seenSteps[s.Name] {
			f("duplicate step name %q", s.Name)
		}
		seenSteps[s.Name] = true
	}
	seenEvents := make(map[string]bool)
	for _, e := range p.Events {
		if e.Name == "" {
			continue
		}
		if seenEvents[e.Name] {
			f("duplicate event name %q", e.Name)
		}
		seenEvents[e.Name] = true
	}

	// Every consumed event must be declared or emitted somewhere.
	resolvable := make(map[string]bool, len(p.Events))
	for _, e := range p.Events {
		resolvable[e.Name] = true
	}
	for _, s := range p.Steps {
		for _, name := range s.Emits {
			resolvable[name] = true
		}
	}
	for _, s := range p.Steps {
		for _, name := range s.On {
			if name == "" || resolvable[name] {
				continue
			}
			f("step %q waits for %q which is neither declared nor emitted by any step", s.Name, name)
		}
	}

	for _, name := range reservedUses(p) {
		f("%q is reserved for the synthesized completion event and cannot be %s", completionPlace, name)
	}

	return orPass(v.Name(), out)
}

// reservedUses reports how the plan misuses the reserved completion name,
// sorted for stable output.
func reservedUses(p plan.Plan) []string {
	uses := make(map[string]bool)
	for _, e := range p.Events {
		if e.Name == completionPlace {
			uses["declared"] = true
		}
	}
	for _, s := range p.Steps {
		for _, name := range s.On {
			if name == completionPlace {
				uses["consumed"] = true
			}
		}
		for _, name := range s.Emits {
			if name == completionPlace {
				uses["emitted"] = true
			}
		}
	}
	out := make([]string, 0, len(uses))
	for use := range uses {
		out = append(out, use)
	}
	sort.Strings(out)
	return out
}

// planDocument re-encodes the plan for schema validation.
func planDocument(p plan.Plan) (any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
