package instruction_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightning-runtime/lightning/plan"
	"github.com/lightning-runtime/lightning/registry"
	businmem "github.com/lightning-runtime/lightning/runtime/bus/inmem"
	"github.com/lightning-runtime/lightning/runtime/event"
	"github.com/lightning-runtime/lightning/runtime/instruction"
	"github.com/lightning-runtime/lightning/runtime/planner"
	storeinmem "github.com/lightning-runtime/lightning/runtime/store/inmem"
)

// validPlanJSON survives every validator against the fixture registries.
const validPlanJSON = `{"plan": {
  "plan_name": "summary-on-demand",
  "graph_type": "reactive",
  "events": [{"name": "event.manual.trigger", "kind": "manual"}],
  "steps": [{
    "name": "summarize",
    "on": ["event.manual.trigger"],
    "action": "llm.summarize",
    "args": {"text": "x", "style": "brief"},
    "emits": ["event.summary_complete"]
  }]
}}`

// invalidPlanJSON references a tool the registry does not know.
const invalidPlanJSON = `{"plan": {
  "plan_name": "summary-on-demand",
  "graph_type": "reactive",
  "events": [{"name": "event.manual.trigger", "kind": "manual"}],
  "steps": [{
    "name": "summarize",
    "on": ["event.manual.trigger"],
    "action": "no.such.tool",
    "emits": ["event.summary_complete"]
  }]
}}`

// scriptedPlanner replays canned responses and records every request. The
// last response repeats once the script runs out.
type scriptedPlanner struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []planner.Request
}

func (s *scriptedPlanner) Complete(_ context.Context, req planner.Request) (planner.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return planner.Response{}, s.err
	}
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return planner.Response{Content: s.responses[i], StopReason: "stop"}, nil
}

func (s *scriptedPlanner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedPlanner) request(i int) planner.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

type fixture struct {
	bus       *businmem.Bus
	plans     *plan.Store
	planner   *scriptedPlanner
	processor *instruction.Processor
}

func newFixture(t *testing.T, pl *scriptedPlanner) *fixture {
	t.Helper()
	ctx := context.Background()

	tools := registry.NewToolRegistry(nil)
	require.NoError(t, tools.Register(ctx, registry.Tool{
		ID:       "llm.summarize",
		Name:     "Summarize",
		Type:     registry.ToolLLM,
		Inputs:   map[string]string{"text": "string", "style": "string"},
		Produces: []string{"event.summary_complete"},
		Enabled:  true,
	}))
	events := registry.NewEventRegistry(nil)
	require.NoError(t, events.Register(ctx, registry.EventDefinition{
		Name:     "event.manual.trigger",
		Category: registry.CategoryExternal,
		Kind:     registry.KindManual,
	}))

	b := businmem.New(businmem.Options{RetryMaxAttempts: 0})
	require.NoError(t, b.Start(ctx))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })

	plans := plan.NewStore(storeinmem.NewStore())
	proc, err := instruction.NewProcessor(instruction.Options{
		Bus:     b,
		Planner: pl,
		Plans:   plans,
		Tools:   tools,
		Events:  events,
	})
	require.NoError(t, err)
	require.NoError(t, proc.Register(ctx))

	return &fixture{bus: b, plans: plans, planner: pl, processor: proc}
}

func testInstruction() instruction.Instruction {
	return instruction.Instruction{
		ID:          "inst-1",
		Name:        "summarize urgent mail",
		Description: "Summarize matching messages as they arrive.",
		Trigger: instruction.Trigger{
			EventType:  "event.manual.trigger",
			Providers:  []string{"gmail"},
			Conditions: map[string]any{"keywords": []any{"urgent"}},
		},
		Action:  instruction.Action{Type: "prompt", Config: map[string]any{"instruction": "summarize it"}},
		Enabled: true,
	}
}

func instructionPayload(inst instruction.Instruction) map[string]any {
	return map[string]any{
		"id":          inst.ID,
		"name":        inst.Name,
		"description": inst.Description,
		"trigger": map[string]any{
			"event_type": inst.Trigger.EventType,
			"providers":  toAny(inst.Trigger.Providers),
			"conditions": inst.Trigger.Conditions,
		},
		"action": map[string]any{
			"type":   inst.Action.Type,
			"config": inst.Action.Config,
		},
		"enabled": inst.Enabled,
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// subscribeSetup collects plan.setup events published by the processor.
func subscribeSetup(t *testing.T, b *businmem.Bus) func() []event.Event {
	t.Helper()
	var mu sync.Mutex
	var got []event.Event
	_, err := b.Subscribe(context.Background(), instruction.EventPlanSetup, func(_ context.Context, evt event.Event) error {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []event.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]event.Event(nil), got...)
	}
}

func TestCreatedGeneratesAndStoresPlan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedPlanner{responses: []string{"```json\n" + validPlanJSON + "\n```"}})
	setups := subscribeSetup(t, f.bus)

	evt := event.New(instruction.EventCreated, instructionPayload(testInstruction()),
		event.WithMetadata(map[string]any{"userID": "user-7"}))
	require.NoError(t, f.bus.Publish(ctx, evt, ""))

	require.Eventually(t, func() bool { return len(setups()) == 1 }, 2*time.Second, 10*time.Millisecond)

	saved, err := f.plans.GetByInstruction(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, "summary-on-demand", saved.Plan.PlanName)
	require.Equal(t, "inst-1", saved.Plan.InstructionID)
	require.Equal(t, "summarize urgent mail", saved.Plan.InstructionName)
	require.Equal(t, "user-7", saved.UserID)

	setup := setups()[0]
	require.Equal(t, saved.ID, setup.Data["plan_id"])
	require.Equal(t, "inst-1", setup.Data["instruction_id"])

	_, recorded := f.processor.LastError("inst-1")
	require.False(t, recorded)
}

func TestValidationFindingsFeedBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedPlanner{responses: []string{invalidPlanJSON, validPlanJSON}})
	setups := subscribeSetup(t, f.bus)

	require.NoError(t, f.bus.Publish(ctx, event.New(instruction.EventCreated, instructionPayload(testInstruction())), ""))
	require.Eventually(t, func() bool { return len(setups()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, 2, f.planner.calls())

	// The retry transcript carries the failed attempt and the findings.
	second := f.planner.request(1)
	require.Len(t, second.Messages, 4)
	require.Equal(t, planner.RoleAssistant, second.Messages[2].Role)
	require.Contains(t, second.Messages[2].Content, "no.such.tool")
	require.Equal(t, planner.RoleUser, second.Messages[3].Role)
	require.Contains(t, second.Messages[3].Content, "failed validation")
}

func TestGenerationExhaustionRecordsError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedPlanner{responses: []string{invalidPlanJSON}})

	require.NoError(t, f.bus.Publish(ctx, event.New(instruction.EventCreated, instructionPayload(testInstruction())), ""))

	require.Eventually(t, func() bool {
		_, ok := f.processor.LastError("inst-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, instruction.DefaultMaxRetries, f.planner.calls())
	msg, _ := f.processor.LastError("inst-1")
	require.Contains(t, msg, "no valid plan after 4 attempts")

	_, err := f.plans.GetByInstruction(ctx, "inst-1")
	require.Error(t, err)
}

func TestUpdateSkipsWhenTriggerAndActionUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedPlanner{responses: []string{validPlanJSON}})
	setups := subscribeSetup(t, f.bus)

	inst := testInstruction()
	require.NoError(t, f.bus.Publish(ctx, event.New(instruction.EventCreated, instructionPayload(inst)), ""))
	require.Eventually(t, func() bool { return len(setups()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// A rename alone must not regenerate.
	renamed := inst
	renamed.Name = "summarize urgent mail v2"
	require.NoError(t, f.bus.Publish(ctx, event.New(instruction.EventUpdated, instructionPayload(renamed)), ""))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, f.planner.calls())

	// A changed action must.
	changed := renamed
	changed.Action = instruction.Action{Type: "notify", Config: map[string]any{"channel": "ops"}}
	require.NoError(t, f.bus.Publish(ctx, event.New(instruction.EventUpdated, instructionPayload(changed)), ""))

	require.Eventually(t, func() bool { return len(setups()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, f.planner.calls())
}

func TestDisabledInstructionGeneratesOnlyOnceEnabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedPlanner{responses: []string{validPlanJSON}})
	setups := subscribeSetup(t, f.bus)

	inst := testInstruction()
	inst.Enabled = false
	require.NoError(t, f.bus.Publish(ctx, event.New(instruction.EventCreated, instructionPayload(inst)), ""))
	time.Sleep(100 * time.Millisecond)
	require.Zero(t, f.planner.calls())

	// Enabling without touching trigger or action regenerates.
	inst.Enabled = true
	require.NoError(t, f.bus.Publish(ctx, event.New(instruction.EventUpdated, instructionPayload(inst)), ""))

	require.Eventually(t, func() bool { return len(setups()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, f.planner.calls())
}

func TestProviderFailureRetriesSameTranscript(t *testing.T) {
	pl := &scriptedPlanner{err: errors.New("upstream unavailable")}
	f := newFixture(t, pl)

	_, err := f.processor.Generate(context.Background(), testInstruction())
	require.Error(t, err)

	var gerr *instruction.GenerationError
	require.ErrorAs(t, err, &gerr)
	require.Equal(t, "inst-1", gerr.InstructionID)
	require.Equal(t, instruction.DefaultMaxRetries, gerr.Attempts)
	require.Equal(t, instruction.DefaultMaxRetries, pl.calls())

	// Provider failures leave the transcript alone: every request holds
	// just the system prompt and the rendered instruction.
	for i := 0; i < pl.calls(); i++ {
		require.Len(t, pl.request(i).Messages, 2)
	}
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedPlanner{responses: []string{validPlanJSON}})

	evt := event.New(instruction.EventCreated, map[string]any{"id": "inst-9", "name": "incomplete"})
	require.NoError(t, f.bus.Publish(ctx, evt, ""))

	require.Eventually(t, func() bool {
		_, ok := f.processor.LastError("inst-9")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, f.planner.calls())
}

func TestDeregisterStopsProcessing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &scriptedPlanner{responses: []string{validPlanJSON}})

	require.NoError(t, f.processor.Deregister(ctx))
	require.NoError(t, f.bus.Publish(ctx, event.New(instruction.EventCreated, instructionPayload(testInstruction())), ""))

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.planner.calls())
	require.NoError(t, f.processor.Deregister(ctx))
}

func TestNewProcessorRequiresCollaborators(t *testing.T) {
	_, err := instruction.NewProcessor(instruction.Options{})
	require.ErrorContains(t, err, "bus is required")

	b := businmem.New(businmem.Options{})
	_, err = instruction.NewProcessor(instruction.Options{Bus: b})
	require.ErrorContains(t, err, "planner is required")

	_, err = instruction.NewProcessor(instruction.Options{Bus: b, Planner: &scriptedPlanner{}})
	require.ErrorContains(t, err, "plan store is required")
}

func TestGenerateDecoratesBeforeValidation(t *testing.T) {
	f := newFixture(t, &scriptedPlanner{responses: []string{validPlanJSON}})

	p, err := f.processor.Generate(context.Background(), testInstruction())
	require.NoError(t, err)
	require.Equal(t, "inst-1", p.InstructionID)
	require.Equal(t, "summarize urgent mail", p.InstructionName)
	require.True(t, strings.HasPrefix(p.PlanName, "summary"))
}
