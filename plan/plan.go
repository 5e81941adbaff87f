// Package plan defines the workflow plan document: the events a workflow
// reacts to, the steps it runs, and what each step consumes and emits.
// Plans arrive as JSON from planners or operator files, are validated by
// plan/validate, and persist through the document store.
package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// GraphType constrains the shape of a plan's step graph.
type GraphType string

const (
	// GraphAcyclic forbids cycles between steps.
	GraphAcyclic GraphType = "acyclic"
	// GraphReactive allows feedback loops between steps.
	GraphReactive GraphType = "reactive"
)

// ParseGraphType converts a string into a GraphType.
func ParseGraphType(s string) (GraphType, error) {
	g := GraphType(strings.ToLower(strings.TrimSpace(s)))
	if !g.Valid() {
		return "", fmt.Errorf("unknown graph type %q", s)
	}
	return g, nil
}

// Valid reports whether the graph type is recognized.
func (g GraphType) Valid() bool {
	return g == GraphAcyclic || g == GraphReactive
}

type (
	// Event declares an event name the plan consumes or emits. External
	// trigger events carry a kind and, for timed kinds, a schedule.
	Event struct {
		// Name is the event name, prefixed "event.".
		Name string `json:"name"`
		// Kind marks the event as an external trigger.
		Kind string `json:"kind,omitempty"`
		// Schedule is the cron expression or interval of timed kinds.
		Schedule string `json:"schedule,omitempty"`
		// Description says what the event represents.
		Description string `json:"description,omitempty"`
	}

	// Step is one unit of work: it fires when every event in On has
	// occurred, invokes the tool named by Action, and emits the events
	// in Emits.
	Step struct {
		// Name identifies the step within the plan.
		Name string `json:"name"`
		// On lists the event names the step waits for.
		On []string `json:"on"`
		// Action names the tool the step invokes.
		Action string `json:"action"`
		// Args carries the tool arguments.
		Args map[string]any `json:"args,omitempty"`
		// Emits lists the event names the step publishes on success.
		Emits []string `json:"emits,omitempty"`
		// Guard is an optional condition gating the step.
		Guard string `json:"guard,omitempty"`
		// Description says what the step does.
		Description string `json:"description,omitempty"`
	}

	// Plan is the full workflow document.
	Plan struct {
		// PlanName titles the plan.
		PlanName string `json:"plan_name"`
		// GraphType constrains the step graph shape.
		GraphType GraphType `json:"graph_type"`
		// Events declares the event vocabulary of the plan.
		Events []Event `json:"events,omitempty"`
		// Steps lists the units of work.
		Steps []Step `json:"steps,omitempty"`
		// Summary is a one-paragraph description of the workflow.
		Summary string `json:"summary,omitempty"`
		// RevisedFrom points at the plan this one revises.
		RevisedFrom string `json:"revised_from,omitempty"`
		// RevisionReason records why the revision was made.
		RevisionReason string `json:"revision_reason,omitempty"`
		// InstructionID links the plan to the instruction that
		// produced it.
		InstructionID string `json:"instruction_id,omitempty"`
		// InstructionName echoes the instruction's name.
		InstructionName string `json:"instruction_name,omitempty"`
	}
)

// planKeys is the closed set of recognized top-level keys.
var planKeys = map[string]struct{}{
	"plan_name":        {},
	"graph_type":       {},
	"events":           {},
	"steps":            {},
	"summary":          {},
	"revised_from":     {},
	"revision_reason":  {},
	"instruction_id":   {},
	"instruction_name": {},
}

// Parse decodes a plan from JSON. Unknown top-level keys are rejected so a
// planner hallucinating structure fails loudly; nested objects tolerate
// extra keys and are checked by the validators instead.
func Parse(raw []byte) (Plan, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	var unknown []string
	for key := range top {
		if _, ok := planKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Plan{}, fmt.Errorf("parse plan: unknown keys: %s", strings.Join(unknown, ", "))
	}

	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	return p, nil
}

// Marshal encodes the plan as indented JSON, the form written to files and
// shown to operators.
func Marshal(p Plan) ([]byte, error) {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}
	return raw, nil
}

// Consumed returns the set of event names consumed by at least one step.
func (p Plan) Consumed() map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range p.Steps {
		for _, name := range s.On {
			out[name] = struct{}{}
		}
	}
	return out
}

// Emitted returns the set of event names emitted by at least one step.
func (p Plan) Emitted() map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range p.Steps {
		for _, name := range s.Emits {
			out[name] = struct{}{}
		}
	}
	return out
}

// Event returns the declared event with the given name.
func (p Plan) Event(name string) (Event, bool) {
	for _, e := range p.Events {
		if e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}
