// Package runtime assembles the Lightning orchestration runtime. It builds
// the providers its configuration selects through the factory, guards them
// with circuit breakers, watches them with the health monitor, and wires the
// event bus to the subsystems that ride on it: the instruction processor
// that turns user instructions into validated plans and the trigger
// scheduler that fires timed external events.
//
// Lifecycle:
//
//  1. Construct with New. Providers are instantiated, wrapped and
//     initialized; the plan and app containers are provisioned.
//  2. Start launches the health monitor, the bus dispatchers, the
//     instruction subscriptions and the trigger timers, in that order.
//  3. Stop reverses Start and closes the providers.
//
// Both Start and Stop are idempotent and safe for concurrent use. The
// zero-value Options run everything in process: in-memory storage, the
// in-process bus and the local compute runtimes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"goa.design/clue/health"

	"github.com/lightning-runtime/lightning/plan"
	"github.com/lightning-runtime/lightning/plan/validate"
	"github.com/lightning-runtime/lightning/registry"
	"github.com/lightning-runtime/lightning/runtime/breaker"
	"github.com/lightning-runtime/lightning/runtime/bus"
	"github.com/lightning-runtime/lightning/runtime/config"
	"github.com/lightning-runtime/lightning/runtime/event"
	"github.com/lightning-runtime/lightning/runtime/factory"
	healthmon "github.com/lightning-runtime/lightning/runtime/health"
	"github.com/lightning-runtime/lightning/runtime/instruction"
	"github.com/lightning-runtime/lightning/runtime/planner"
	"github.com/lightning-runtime/lightning/runtime/resilience"
	"github.com/lightning-runtime/lightning/runtime/store"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
	"github.com/lightning-runtime/lightning/runtime/trigger"
)

type (
	// Options configures a Runtime. Every field is optional: the zero
	// value assembles a fully local runtime with no-op telemetry.
	Options struct {
		// Config selects providers and tunables. The zero value takes
		// config.Default().
		Config config.Config

		// Factory resolves provider names to constructors. Defaults to
		// factory.Default(), which backend packages register into.
		Factory *factory.Factory

		// Planner generates plans for the instruction processor. When
		// nil, a client is built from Config.Planner; when that is not
		// possible (no API key, or a provider that needs an injected
		// SDK client such as bedrock), the instruction processor is
		// left unregistered and Start logs a warning.
		Planner planner.Client

		// Tools is the tool catalog plans validate against. Defaults to
		// the process-wide registry.
		Tools *registry.ToolRegistry

		// Events is the event definition table driving validation and
		// the trigger scheduler. Defaults to the process-wide registry.
		Events *registry.EventRegistry

		// Logger emits structured logs (usually backed by Clue).
		Logger telemetry.Logger

		// Metrics records counters and timers for runtime operations.
		Metrics telemetry.Metrics

		// Tracer emits spans for validation and plan generation.
		Tracer telemetry.Tracer
	}

	// Runtime is the assembled system. Construct with New; the zero value
	// is not usable.
	Runtime struct {
		cfg     config.Config
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		storage    *resilience.Provider
		eventBus   bus.Bus
		containers *resilience.ContainerRuntime
		serverless *resilience.ServerlessRuntime

		monitor   *healthmon.Monitor
		tools     *registry.ToolRegistry
		events    *registry.EventRegistry
		plans     *plan.Store
		apps      *registry.AppStore
		validator *validate.Runner
		processor *instruction.Processor
		scheduler *trigger.Scheduler

		mu      sync.Mutex
		started bool
		closed  bool
	}
)

// New assembles a runtime from opts. Providers are constructed through the
// factory, wrapped with circuit breakers, initialized, and registered with
// the health monitor; the plan and app containers are provisioned before
// New returns. The runtime is stopped until Start.
func New(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == (config.Config{}) {
		cfg = config.Default()
	}
	if opts.Factory == nil {
		opts.Factory = factory.Default()
	}
	if opts.Tools == nil {
		opts.Tools = registry.Tools()
	}
	if opts.Events == nil {
		opts.Events = registry.Events()
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

	r := &Runtime{
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		tools:   opts.Tools,
		events:  opts.Events,
	}

	factOpts := factory.Options{Logger: opts.Logger, Metrics: opts.Metrics}
	brk := breaker.Options{
		FailureThreshold:     cfg.Breaker.FailureThreshold,
		SuccessThreshold:     cfg.Breaker.SuccessThreshold,
		Timeout:              cfg.Breaker.Timeout,
		HalfOpenRequestLimit: cfg.Breaker.HalfOpenRequestLimit,
	}

	rawStorage, err := opts.Factory.Storage(ctx, cfg, factOpts)
	if err != nil {
		return nil, fmt.Errorf("build storage provider: %w", err)
	}
	r.storage = resilience.WrapProvider(rawStorage, resilience.NewStorageBreaker(rawStorage.Name(), brk))

	r.eventBus, err = opts.Factory.EventBus(ctx, cfg, factOpts)
	if err != nil {
		return nil, fmt.Errorf("build event bus: %w", err)
	}

	rawContainers, err := opts.Factory.ContainerRuntime(ctx, cfg, factOpts)
	if err != nil {
		return nil, fmt.Errorf("build container runtime: %w", err)
	}
	r.containers = resilience.WrapContainerRuntime(rawContainers, resilience.NewComputeBreaker(rawContainers.Name(), brk))

	rawServerless, err := opts.Factory.ServerlessRuntime(ctx, cfg, factOpts)
	if err != nil {
		return nil, fmt.Errorf("build serverless runtime: %w", err)
	}
	r.serverless = resilience.WrapServerlessRuntime(rawServerless, resilience.NewComputeBreaker(rawServerless.Name(), brk))

	if err := r.storage.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	plansStore, err := r.container(ctx, plan.PlansContainer, "/user_id")
	if err != nil {
		return nil, err
	}
	r.plans = plan.NewStore(plansStore)

	appsStore, err := r.container(ctx, registry.AppsContainer, "/user_id")
	if err != nil {
		return nil, err
	}
	r.apps = registry.NewAppStore(appsStore)

	r.monitor = healthmon.NewMonitor(
		healthmon.WithCheckInterval(cfg.HealthCheckInterval),
		healthmon.WithHistorySize(cfg.HealthHistorySize),
		healthmon.WithLogger(opts.Logger),
	)
	r.monitor.Register(r.storage)
	r.monitor.Register(r.containers)
	r.monitor.Register(r.serverless)
	// Brokered buses expose a pinger; the in-process bus has nothing to
	// probe.
	if pinger, ok := r.eventBus.(health.Pinger); ok {
		r.monitor.Register(pinger)
	}

	r.validator = validate.NewRunner(validate.RunnerOptions{
		Tools:  opts.Tools,
		Events: opts.Events,
		Tracer: opts.Tracer,
	})

	plannerClient := opts.Planner
	if plannerClient == nil {
		plannerClient, err = buildPlanner(cfg.Planner)
		if err != nil {
			r.logger.Warn(ctx, "instruction processor disabled: no planner available",
				"provider", cfg.Planner.Provider, "err", err)
			plannerClient = nil
		}
	}
	if plannerClient != nil {
		r.processor, err = instruction.NewProcessor(instruction.Options{
			Bus:        r.eventBus,
			Planner:    plannerClient,
			Plans:      r.plans,
			Validator:  r.validator,
			Tools:      opts.Tools,
			Events:     opts.Events,
			MaxRetries: cfg.Planner.MaxRetries,
			Model:      cfg.Planner.Model,
			Logger:     opts.Logger,
			Metrics:    opts.Metrics,
			Tracer:     opts.Tracer,
		})
		if err != nil {
			return nil, fmt.Errorf("build instruction processor: %w", err)
		}
	}

	r.scheduler, err = trigger.New(trigger.Options{
		Bus:     r.eventBus,
		Events:  opts.Events,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build trigger scheduler: %w", err)
	}

	return r, nil
}

// container provisions the named container and returns its document store.
func (r *Runtime) container(ctx context.Context, name, partitionKeyPath string) (store.DocumentStore, error) {
	if err := r.storage.CreateContainerIfNotExists(ctx, name, partitionKeyPath); err != nil {
		return nil, fmt.Errorf("provision container %q: %w", name, err)
	}
	ds, err := r.storage.DocumentStore(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open container %q: %w", name, err)
	}
	return ds, nil
}

// Start brings the runtime online: health monitor, bus dispatchers,
// instruction subscriptions, trigger timers. Idempotent.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("runtime: already stopped")
	}
	if r.started {
		return nil
	}

	if err := r.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}
	if err := r.eventBus.Start(ctx); err != nil {
		_ = r.monitor.Stop(ctx)
		return fmt.Errorf("start event bus: %w", err)
	}
	if r.processor != nil {
		if err := r.processor.Register(ctx); err != nil {
			_ = r.eventBus.Stop(ctx)
			_ = r.monitor.Stop(ctx)
			return fmt.Errorf("register instruction processor: %w", err)
		}
	} else {
		r.logger.Warn(ctx, "starting without instruction processor")
	}
	if err := r.scheduler.Start(ctx); err != nil {
		if r.processor != nil {
			_ = r.processor.Deregister(ctx)
		}
		_ = r.eventBus.Stop(ctx)
		_ = r.monitor.Stop(ctx)
		return fmt.Errorf("start trigger scheduler: %w", err)
	}

	r.started = true
	r.logger.Info(ctx, "runtime started",
		"mode", string(r.cfg.Mode),
		"storage", r.storage.Name(),
		"bus", r.cfg.EventBusProvider)
	return nil
}

// Stop takes the runtime offline in reverse Start order and closes the
// providers, including when Start was never called. Idempotent; errors are
// joined rather than short-circuiting so every subsystem gets its shutdown
// call.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	var errs []error
	if r.started {
		if err := r.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop trigger scheduler: %w", err))
		}
		if r.processor != nil {
			if err := r.processor.Deregister(ctx); err != nil {
				errs = append(errs, fmt.Errorf("deregister instruction processor: %w", err))
			}
		}
		if err := r.eventBus.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop event bus: %w", err))
		}
		if err := r.monitor.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop health monitor: %w", err))
		}
		r.started = false
	}
	if err := r.serverless.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close serverless runtime: %w", err))
	}
	if err := r.containers.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close container runtime: %w", err))
	}
	if err := r.storage.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close storage provider: %w", err))
	}

	r.closed = true
	r.logger.Info(ctx, "runtime stopped")
	return errors.Join(errs...)
}

// Publish forwards an event to the runtime's bus.
func (r *Runtime) Publish(ctx context.Context, evt event.Event, topic string) error {
	return r.eventBus.Publish(ctx, evt, topic)
}

// Subscribe registers a handler on the runtime's bus.
func (r *Runtime) Subscribe(ctx context.Context, pattern string, h bus.Handler, opts ...bus.SubscribeOption) (string, error) {
	return r.eventBus.Subscribe(ctx, pattern, h, opts...)
}

// Config returns the configuration the runtime was assembled from.
func (r *Runtime) Config() config.Config { return r.cfg }

// Bus returns the event bus.
func (r *Runtime) Bus() bus.Bus { return r.eventBus }

// Storage returns the breaker-wrapped storage provider.
func (r *Runtime) Storage() *resilience.Provider { return r.storage }

// Containers returns the breaker-wrapped container runtime.
func (r *Runtime) Containers() *resilience.ContainerRuntime { return r.containers }

// Serverless returns the breaker-wrapped serverless runtime.
func (r *Runtime) Serverless() *resilience.ServerlessRuntime { return r.serverless }

// Monitor returns the health monitor.
func (r *Runtime) Monitor() *healthmon.Monitor { return r.monitor }

// Tools returns the tool registry plans validate against.
func (r *Runtime) Tools() *registry.ToolRegistry { return r.tools }

// Events returns the event definition registry.
func (r *Runtime) Events() *registry.EventRegistry { return r.events }

// Plans returns the plan store.
func (r *Runtime) Plans() *plan.Store { return r.plans }

// Apps returns the application manifest store.
func (r *Runtime) Apps() *registry.AppStore { return r.apps }

// Validator returns the plan validation runner.
func (r *Runtime) Validator() *validate.Runner { return r.validator }

// Processor returns the instruction processor, or nil when no planner was
// available at assembly time.
func (r *Runtime) Processor() *instruction.Processor { return r.processor }

// Scheduler returns the trigger scheduler.
func (r *Runtime) Scheduler() *trigger.Scheduler { return r.scheduler }
