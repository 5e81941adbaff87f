// Package instruction turns natural-language automation instructions into
// validated plans. The Processor subscribes to the instruction lifecycle
// events, prompts the configured planner with a deterministic rendering of
// the instruction, validates whatever comes back and persists the first plan
// that survives validation.
package instruction

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Event types the processor consumes and emits. Instruction lifecycle events
// arrive on the default topic with the instruction record as their payload.
const (
	// EventCreated announces a newly created instruction.
	EventCreated = "instruction.created"

	// EventUpdated announces a changed instruction.
	EventUpdated = "instruction.updated"

	// EventPlanSetup is emitted after a generated plan has been stored,
	// carrying the plan id so deployers can pick it up.
	EventPlanSetup = "plan.setup"

	// EventPlanExecute requests execution of a stored plan. The runtime
	// only emits it; execution engines subscribe downstream.
	EventPlanExecute = "plan.execute"
)

type (
	// Trigger describes when an instruction applies: the event type that
	// sets it off, optionally narrowed to providers and payload
	// conditions.
	Trigger struct {
		// EventType is the triggering event type, wildcards allowed.
		EventType string `json:"event_type"`
		// Providers restricts the trigger to events from these sources.
		Providers []string `json:"providers,omitempty"`
		// Conditions holds payload keywords or field requirements the
		// triggering event must satisfy.
		Conditions map[string]any `json:"conditions,omitempty"`
	}

	// Action describes what the instruction does when triggered. Type
	// selects the mechanism, Config carries its parameters.
	Action struct {
		// Type names the action mechanism (prompt, webhook, notify,
		// function or a provider-specific type).
		Type string `json:"type"`
		// Config carries the per-type parameters.
		Config map[string]any `json:"config,omitempty"`
	}

	// Instruction is one automation rule authored by a user. It is the
	// payload of the instruction lifecycle events.
	Instruction struct {
		// ID identifies the instruction across updates.
		ID string `json:"id"`
		// Name titles the instruction and the plans generated from it.
		Name string `json:"name"`
		// Description elaborates on what the user wants automated.
		Description string `json:"description,omitempty"`
		// Trigger says when the instruction applies.
		Trigger Trigger `json:"trigger"`
		// Action says what to do when it does.
		Action Action `json:"action"`
		// Enabled gates plan generation; disabled instructions are
		// acknowledged but produce nothing.
		Enabled bool `json:"enabled"`
	}
)

// Decode extracts the instruction record from an event payload.
func Decode(data map[string]any) (Instruction, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Instruction{}, fmt.Errorf("encode instruction payload: %w", err)
	}
	var inst Instruction
	if err := json.Unmarshal(raw, &inst); err != nil {
		return Instruction{}, fmt.Errorf("decode instruction payload: %w", err)
	}
	if err := inst.validate(); err != nil {
		return Instruction{}, err
	}
	return inst, nil
}

func (i Instruction) validate() error {
	var missing []string
	if i.ID == "" {
		missing = append(missing, "id")
	}
	if i.Name == "" {
		missing = append(missing, "name")
	}
	if i.Trigger.EventType == "" {
		missing = append(missing, "trigger.event_type")
	}
	if i.Action.Type == "" {
		missing = append(missing, "action.type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("instruction is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Fingerprint returns a stable digest of the trigger and action. The
// processor compares fingerprints across updates to decide whether an
// instruction still means the same thing; name and description changes do
// not alter it.
func (i Instruction) Fingerprint() string {
	payload, err := json.Marshal(struct {
		Trigger Trigger `json:"trigger"`
		Action  Action  `json:"action"`
	}{i.Trigger, i.Action})
	if err != nil {
		// Trigger and Action marshal unless a condition or config value
		// is unencodable; fold the failure into the digest so such
		// instructions at least compare equal to themselves.
		payload = []byte("unencodable:" + err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
