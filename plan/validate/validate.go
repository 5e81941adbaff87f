// Package validate checks plans before they are stored or executed. A
// runner executes the independent validators in parallel and the Petri-net
// soundness validator sequentially, then merges every finding into one
// deterministic report.
package validate

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/lightning-runtime/lightning/plan"
	"github.com/lightning-runtime/lightning/registry"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

// Severity ranks a validation finding.
type Severity string

const (
	// SeverityError findings reject the plan.
	SeverityError Severity = "error"
	// SeverityWarning findings are reported but do not reject.
	SeverityWarning Severity = "warning"
	// SeverityInfo marks informational results such as a clean pass.
	SeverityInfo Severity = "info"
)

type (
	// Result is one validator finding.
	Result struct {
		// Name is the validator that produced the finding.
		Name string `json:"name"`
		// Success is false for findings and true for a clean pass.
		Success bool `json:"success"`
		// Severity ranks the finding.
		Severity Severity `json:"severity"`
		// Message describes the finding.
		Message string `json:"message"`
	}

	// Validator checks one aspect of a plan. Implementations return every
	// finding they can make in one pass so operators see the full picture.
	Validator interface {
		// Name identifies the validator in results.
		Name() string
		// Validate returns the findings for p.
		Validate(ctx context.Context, p plan.Plan) []Result
	}

	// ValidationError aggregates the error-severity findings that
	// rejected a plan.
	ValidationError struct {
		// Results holds the failing error-severity findings.
		Results []Result
	}

	// RunnerOptions configures a validation runner.
	RunnerOptions struct {
		// Tools resolves step actions. Defaults to the process-wide
		// tool registry.
		Tools *registry.ToolRegistry
		// Events resolves external trigger kinds. Defaults to the
		// process-wide event registry.
		Events *registry.EventRegistry
		// Tracer spans each validation run. Defaults to the no-op
		// tracer.
		Tracer telemetry.Tracer
	}

	// Runner executes the validator set.
	Runner struct {
		parallel   []Validator
		sequential []Validator
		tracer     telemetry.Tracer
	}
)

// Error implements error.
func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Results))
	for i, r := range e.Results {
		msgs[i] = r.Name + ": " + r.Message
	}
	return "plan validation failed: " + strings.Join(msgs, "; ")
}

// NewRunner returns a runner wired to the registries. The schema, types,
// external_events and tools validators are independent and run in
// parallel; the soundness validator runs after them, alone.
func NewRunner(opts RunnerOptions) *Runner {
	if opts.Tools == nil {
		opts.Tools = registry.Tools()
	}
	if opts.Events == nil {
		opts.Events = registry.Events()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Runner{
		parallel: []Validator{
			schemaValidator{},
			typesValidator{},
			externalEventsValidator{events: opts.Events},
			toolsValidator{tools: opts.Tools},
		},
		sequential: []Validator{soundnessValidator{}},
		tracer:     opts.Tracer,
	}
}

// Validate runs every validator against p and returns the merged report in
// validator order. It returns a *ValidationError iff any error-severity
// finding failed; warnings and infos never reject.
func (r *Runner) Validate(ctx context.Context, p plan.Plan) ([]Result, error) {
	ctx, span := r.tracer.Start(ctx, "plan.validate")
	defer span.End()

	reports := make([][]Result, len(r.parallel))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range r.parallel {
		g.Go(func() error {
			reports[i] = v.Validate(gctx, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var results []Result
	for _, report := range reports {
		results = append(results, report...)
	}
	for _, v := range r.sequential {
		results = append(results, v.Validate(ctx, p)...)
	}

	var failing []Result
	for _, res := range results {
		if !res.Success && res.Severity == SeverityError {
			failing = append(failing, res)
		}
	}
	if len(failing) > 0 {
		err := &ValidationError{Results: failing}
		span.SetStatus(codes.Error, "plan rejected")
		span.RecordError(err)
		return results, err
	}
	return results, nil
}

func pass(name string) Result {
	return Result{Name: name, Success: true, Severity: SeverityInfo, Message: "ok"}
}

func fail(name, format string, args ...any) Result {
	return Result{Name: name, Success: false, Severity: SeverityError, Message: fmt.Sprintf(format, args...)}
}

func warn(name, format string, args ...any) Result {
	return Result{Name: name, Success: false, Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)}
}

// orPass returns the findings, or a clean pass when there are none.
func orPass(name string, findings []Result) []Result {
	if len(findings) == 0 {
		return []Result{pass(name)}
	}
	return findings
}
