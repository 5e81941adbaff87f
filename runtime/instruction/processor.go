package instruction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/lightning-runtime/lightning/plan"
	"github.com/lightning-runtime/lightning/plan/validate"
	"github.com/lightning-runtime/lightning/registry"
	"github.com/lightning-runtime/lightning/runtime/bus"
	"github.com/lightning-runtime/lightning/runtime/event"
	"github.com/lightning-runtime/lightning/runtime/planner"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

// DefaultMaxRetries is the generation attempt budget per instruction.
const DefaultMaxRetries = 4

// Metric names emitted by the processor.
const (
	metricProcessed   = "lightning.instruction.processed"
	metricGenerated   = "lightning.instruction.plans_generated"
	metricFailures    = "lightning.instruction.generation_failures"
	metricGenDuration = "lightning.instruction.generation_duration"
)

type (
	// Options configures a Processor. Bus, Planner and Plans are
	// required.
	Options struct {
		// Bus carries the instruction lifecycle events in and the
		// plan.setup events out.
		Bus bus.Bus

		// Planner generates plans from prompts.
		Planner planner.Client

		// Plans persists generated plans.
		Plans *plan.Store

		// Validator gates generated plans. Defaults to a runner over
		// Tools and Events.
		Validator *validate.Runner

		// Tools supplies the planner tool catalog. Defaults to the
		// process-wide registry.
		Tools *registry.ToolRegistry

		// Events resolves external trigger kinds when the default
		// validator is built. Defaults to the process-wide registry.
		Events *registry.EventRegistry

		// MaxRetries is the generation attempt budget per instruction.
		// Zero or negative takes DefaultMaxRetries.
		MaxRetries int

		// Model overrides the planner's default model when non-empty.
		Model string

		// MaxTokens caps completion length when positive.
		MaxTokens int

		// Topic is the topic carrying the lifecycle events. Empty means
		// bus.DefaultTopic.
		Topic string

		// Logger receives processing logs. Defaults to the no-op logger.
		Logger telemetry.Logger

		// Metrics receives processing counters and timings. Defaults to
		// the no-op recorder.
		Metrics telemetry.Metrics

		// Tracer spans each generation loop. Defaults to the no-op
		// tracer.
		Tracer telemetry.Tracer
	}

	// Processor subscribes to instruction lifecycle events and maintains
	// one validated plan per enabled instruction. Handler failures are
	// recorded per instruction and never propagate to the bus; an
	// instruction that cannot be planned must not poison redelivery.
	Processor struct {
		bus        bus.Bus
		planner    planner.Client
		plans      *plan.Store
		validator  *validate.Runner
		tools      *registry.ToolRegistry
		maxRetries int
		model      string
		maxTokens  int
		topic      string
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer

		mu         sync.Mutex
		registered bool
		subs       []string
		lastErrors map[string]string
		seen       map[string]snapshot
		inflight   map[string]*sync.Mutex
	}

	// snapshot is what the processor remembers about an instruction
	// between lifecycle events.
	snapshot struct {
		fingerprint string
		enabled     bool
	}
)

// GenerationError reports that the planner failed to produce a valid plan
// within the attempt budget. Err holds the last failure, whether from the
// provider, plan parsing or validation.
type GenerationError struct {
	InstructionID string
	Attempts      int
	Err           error
}

// Error implements error.
func (e *GenerationError) Error() string {
	return fmt.Sprintf("instruction %s: no valid plan after %d attempts: %v", e.InstructionID, e.Attempts, e.Err)
}

// Unwrap exposes the last failure.
func (e *GenerationError) Unwrap() error { return e.Err }

// NewProcessor validates opts and builds a processor. It does not
// subscribe; call Register once the bus runs.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("instruction: bus is required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("instruction: planner is required")
	}
	if opts.Plans == nil {
		return nil, fmt.Errorf("instruction: plan store is required")
	}
	if opts.Tools == nil {
		opts.Tools = registry.Tools()
	}
	if opts.Validator == nil {
		opts.Validator = validate.NewRunner(validate.RunnerOptions{Tools: opts.Tools, Events: opts.Events})
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Topic == "" {
		opts.Topic = bus.DefaultTopic
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Processor{
		bus:        opts.Bus,
		planner:    opts.Planner,
		plans:      opts.Plans,
		validator:  opts.Validator,
		tools:      opts.Tools,
		maxRetries: opts.MaxRetries,
		model:      opts.Model,
		maxTokens:  opts.MaxTokens,
		topic:      opts.Topic,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		lastErrors: make(map[string]string),
		seen:       make(map[string]snapshot),
		inflight:   make(map[string]*sync.Mutex),
	}, nil
}

// Register subscribes the processor to EventCreated and EventUpdated on its
// topic. It is idempotent.
func (p *Processor) Register(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registered {
		return nil
	}
	createdID, err := p.bus.Subscribe(ctx, EventCreated, p.handleCreated, bus.WithTopic(p.topic))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", EventCreated, err)
	}
	updatedID, err := p.bus.Subscribe(ctx, EventUpdated, p.handleUpdated, bus.WithTopic(p.topic))
	if err != nil {
		_ = p.bus.Unsubscribe(ctx, createdID)
		return fmt.Errorf("subscribe %s: %w", EventUpdated, err)
	}
	p.subs = []string{createdID, updatedID}
	p.registered = true
	p.logger.Info(ctx, "instruction: processor registered", "topic", p.topic)
	return nil
}

// Deregister removes the processor's subscriptions. It is idempotent.
func (p *Processor) Deregister(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.registered {
		return nil
	}
	var errs []error
	for _, id := range p.subs {
		if err := p.bus.Unsubscribe(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	p.subs = nil
	p.registered = false
	return errors.Join(errs...)
}

// LastError returns the most recent processing failure recorded for the
// instruction, if any. Successful processing clears the record.
func (p *Processor) LastError(instructionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg, ok := p.lastErrors[instructionID]
	return msg, ok
}

func (p *Processor) handleCreated(ctx context.Context, evt event.Event) error {
	p.process(ctx, evt, false)
	return nil
}

func (p *Processor) handleUpdated(ctx context.Context, evt event.Event) error {
	p.process(ctx, evt, true)
	return nil
}

// process runs one lifecycle event end to end. It never returns an error to
// the bus: failures are logged and recorded under the instruction id.
func (p *Processor) process(ctx context.Context, evt event.Event, updated bool) {
	p.metrics.IncCounter(metricProcessed, 1, "event_type", evt.Type)
	inst, err := Decode(evt.Data)
	if err != nil {
		if id, ok := evt.Data["id"].(string); ok && id != "" {
			p.recordError(id, err)
		}
		p.logger.Warn(ctx, "instruction: dropping undecodable payload", "event_id", evt.ID, "err", err)
		return
	}

	// Lifecycle events for one instruction are handled one at a time so
	// concurrent redeliveries cannot generate competing plans.
	unlock := p.lockInstruction(inst.ID)
	defer unlock()

	regenerate := true
	if updated {
		regenerate = p.needsPlan(inst)
	}
	p.remember(inst)

	if !inst.Enabled {
		p.logger.Debug(ctx, "instruction: disabled, skipping generation", "instruction_id", inst.ID)
		return
	}
	if !regenerate {
		p.logger.Debug(ctx, "instruction: trigger and action unchanged, keeping plan", "instruction_id", inst.ID)
		return
	}

	generated, err := p.Generate(ctx, inst)
	if err != nil {
		p.recordError(inst.ID, err)
		p.metrics.IncCounter(metricFailures, 1, "instruction_id", inst.ID)
		p.logger.Error(ctx, "instruction: plan generation failed", "instruction_id", inst.ID, "err", err)
		return
	}

	userID := eventUserID(evt)
	planID, err := p.plans.Save(ctx, userID, generated)
	if err != nil {
		p.recordError(inst.ID, err)
		p.logger.Error(ctx, "instruction: plan save failed", "instruction_id", inst.ID, "err", err)
		return
	}

	setup := event.New(EventPlanSetup, map[string]any{
		"plan_id":        planID,
		"plan_name":      generated.PlanName,
		"instruction_id": inst.ID,
	}, event.WithCorrelationID(evt.ID), event.WithMetadata(evt.Metadata))
	if err := p.bus.Publish(ctx, setup, p.topic); err != nil {
		p.recordError(inst.ID, err)
		p.logger.Error(ctx, "instruction: plan.setup publish failed", "instruction_id", inst.ID, "plan_id", planID, "err", err)
		return
	}

	p.clearError(inst.ID)
	p.metrics.IncCounter(metricGenerated, 1, "instruction_id", inst.ID)
	p.logger.Info(ctx, "instruction: plan generated", "instruction_id", inst.ID, "plan_id", planID, "plan_name", generated.PlanName)
}

// Generate runs the prompt, completion and validation loop once and returns
// the first plan that survives validation, decorated with the instruction's
// identity. Validator findings are fed back to the planner between attempts;
// provider failures retry on the unchanged transcript.
func (p *Processor) Generate(ctx context.Context, inst Instruction) (plan.Plan, error) {
	ctx, span := p.tracer.Start(ctx, "instruction.generate")
	defer span.End()

	prompt := BuildPrompt(inst, p.tools.PlannerTools())
	msgs := []planner.Message{
		{Role: planner.RoleSystem, Content: systemPrompt},
		{Role: planner.RoleUser, Content: prompt},
	}

	start := time.Now()
	defer func() {
		p.metrics.RecordTimer(metricGenDuration, time.Since(start), "instruction_id", inst.ID)
	}()

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		resp, err := p.planner.Complete(ctx, planner.Request{
			Messages:  msgs,
			Model:     p.model,
			MaxTokens: p.maxTokens,
			UserID:    inst.ID,
		})
		if err != nil {
			lastErr = err
			p.logger.Warn(ctx, "instruction: planner call failed", "instruction_id", inst.ID, "attempt", attempt, "err", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		raw, err := extractPlan(resp.Content)
		if err != nil {
			lastErr = err
			msgs = appendFeedback(msgs, resp.Content, fmt.Sprintf(
				"The response could not be used: %v. Respond with a single JSON object of the form {\"plan\": {...}}.", err))
			continue
		}

		parsed, err := plan.Parse(raw)
		if err != nil {
			lastErr = err
			msgs = appendFeedback(msgs, resp.Content, fmt.Sprintf(
				"The plan did not parse: %v. Return the corrected plan as {\"plan\": {...}}.", err))
			continue
		}
		parsed.InstructionID = inst.ID
		parsed.InstructionName = inst.Name

		if _, err := p.validator.Validate(ctx, parsed); err != nil {
			lastErr = err
			msgs = appendFeedback(msgs, resp.Content, validationFeedback(err))
			continue
		}
		return parsed, nil
	}
	genErr := &GenerationError{InstructionID: inst.ID, Attempts: p.maxRetries, Err: lastErr}
	span.SetStatus(codes.Error, "generation exhausted")
	span.RecordError(genErr)
	return plan.Plan{}, genErr
}

// needsPlan decides whether an updated instruction warrants regeneration:
// yes when the trigger or action changed or the instruction was just
// re-enabled, and always when the processor has no baseline to compare
// against (a restart loses the in-memory snapshots, so updates after one
// regenerate).
func (p *Processor) needsPlan(inst Instruction) bool {
	p.mu.Lock()
	prev, ok := p.seen[inst.ID]
	p.mu.Unlock()
	if !ok {
		return true
	}
	if prev.fingerprint != inst.Fingerprint() {
		return true
	}
	if !prev.enabled && inst.Enabled {
		return true
	}
	return false
}

// lockInstruction acquires the per-instruction mutex, creating it on first
// use, and returns its release.
func (p *Processor) lockInstruction(id string) func() {
	p.mu.Lock()
	m, ok := p.inflight[id]
	if !ok {
		m = &sync.Mutex{}
		p.inflight[id] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (p *Processor) remember(inst Instruction) {
	p.mu.Lock()
	p.seen[inst.ID] = snapshot{fingerprint: inst.Fingerprint(), enabled: inst.Enabled}
	p.mu.Unlock()
}

func (p *Processor) recordError(id string, err error) {
	p.mu.Lock()
	p.lastErrors[id] = err.Error()
	p.mu.Unlock()
}

func (p *Processor) clearError(id string) {
	p.mu.Lock()
	delete(p.lastErrors, id)
	p.mu.Unlock()
}

func appendFeedback(msgs []planner.Message, assistant, feedback string) []planner.Message {
	return append(msgs,
		planner.Message{Role: planner.RoleAssistant, Content: assistant},
		planner.Message{Role: planner.RoleUser, Content: feedback},
	)
}

// validationFeedback renders validator findings as a correction request.
func validationFeedback(err error) string {
	var verr *validate.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Sprintf("The plan failed validation: %v. Return the corrected plan as {\"plan\": {...}}.", err)
	}
	var b strings.Builder
	b.WriteString("The plan failed validation:\n")
	for _, r := range verr.Results {
		fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Message)
	}
	b.WriteString("Fix every finding and return the corrected plan as {\"plan\": {...}}.")
	return b.String()
}

// extractPlan pulls the plan JSON out of a model response. It tolerates
// markdown code fences and leading or trailing prose, accepts either the
// {"plan": {...}} envelope or a bare plan object, and returns the raw plan
// bytes for parsing.
func extractPlan(content string) ([]byte, error) {
	text := stripFences(strings.TrimSpace(content))
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, errors.New("response contains no JSON object")
	}
	text = text[start : end+1]

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if raw, ok := envelope["plan"]; ok {
		return raw, nil
	}
	if _, ok := envelope["plan_name"]; ok {
		// The model skipped the envelope and returned the plan directly.
		return []byte(text), nil
	}
	return nil, errors.New(`response JSON has no "plan" field`)
}

// stripFences removes a surrounding markdown code fence, language tag
// included, leaving other text untouched.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := s[3:]
	if i := strings.Index(rest, "\n"); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.LastIndex(rest, "```"); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

// eventUserID pulls the owning user out of event metadata.
func eventUserID(evt event.Event) string {
	for _, key := range []string{"userID", "user_id"} {
		if v, ok := evt.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
