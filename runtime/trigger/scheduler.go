// Package trigger fires the timed external events plans wait on. The
// scheduler walks the event registry when started, arms one cron entry per
// time.cron definition and one ticker per time.interval definition, and
// publishes the event each time a schedule comes due. Webhook and manual
// events are someone else's to fire.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lightning-runtime/lightning/registry"
	"github.com/lightning-runtime/lightning/runtime/bus"
	"github.com/lightning-runtime/lightning/runtime/event"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

const metricFired = "lightning.trigger.fired"

type (
	// Options configures a Scheduler. Bus is required.
	Options struct {
		// Bus receives the fired events.
		Bus bus.Bus

		// Events supplies the external event definitions. Defaults to
		// the process-wide registry.
		Events *registry.EventRegistry

		// Topic is where fired events are published. Empty means
		// bus.DefaultTopic.
		Topic string

		// Logger receives scheduler logs. Defaults to the no-op logger.
		Logger telemetry.Logger

		// Metrics counts fired events. Defaults to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Scheduler owns the timers behind timed external events. Start reads
	// the registry once; definitions registered afterwards are picked up
	// by the next Start.
	Scheduler struct {
		bus     bus.Bus
		events  *registry.EventRegistry
		topic   string
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.Mutex
		running bool
		cron    *cron.Cron
		stop    chan struct{}
		wg      sync.WaitGroup
		armed   int
	}
)

// New validates opts and builds a stopped scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("trigger: bus is required")
	}
	if opts.Events == nil {
		opts.Events = registry.Events()
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
	return &Scheduler{
		bus:     opts.Bus,
		events:  opts.Events,
		topic:   opts.Topic,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// Start arms the timers for every timed external definition currently
// registered. Definitions whose schedule fails to parse are skipped with a
// warning rather than blocking the rest. Start is idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	stop := make(chan struct{})
	armed := 0
	for _, def := range s.events.ExternalEvents() {
		switch def.Kind {
		case registry.KindCron:
			sched, err := def.CronSchedule()
			if err != nil {
				s.logger.Warn(ctx, "trigger: skipping cron event", "event", def.Name, "err", err)
				continue
			}
			def := def
			c.Schedule(sched, cron.FuncJob(func() { s.fire(def, time.Now()) }))
			armed++
		case registry.KindInterval:
			period, err := def.Interval()
			if err != nil || period <= 0 {
				s.logger.Warn(ctx, "trigger: skipping interval event", "event", def.Name, "schedule", def.Schedule, "err", err)
				continue
			}
			def := def
			s.wg.Add(1)
			go s.tick(def, period, stop)
			armed++
		}
	}
	c.Start()

	s.cron = c
	s.stop = stop
	s.armed = armed
	s.running = true
	s.logger.Info(ctx, "trigger: scheduler started", "armed", armed, "topic", s.topic)
	return nil
}

// Stop disarms every timer and waits for in-flight firings to finish. It is
// idempotent; ctx bounds the wait for running cron jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	close(s.stop)
	s.wg.Wait()
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.cron = nil
	s.stop = nil
	s.armed = 0
	s.running = false
	s.logger.Info(ctx, "trigger: scheduler stopped")
	return nil
}

// Armed reports how many definitions currently have a live timer.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}

func (s *Scheduler) tick(def registry.EventDefinition, period time.Duration, stop <-chan struct{}) {
	defer s.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			s.fire(def, now)
		}
	}
}

// fire publishes one occurrence of the definition. The payload carries the
// schedule time so consumers can distinguish firing from delivery time.
func (s *Scheduler) fire(def registry.EventDefinition, at time.Time) {
	ctx := context.Background()
	evt := event.New(def.Name, map[string]any{"scheduled_at": at.UTC().Format(time.RFC3339)})
	if err := s.bus.Publish(ctx, evt, s.topic); err != nil {
		s.logger.Error(ctx, "trigger: publish failed", "event", def.Name, "err", err)
		return
	}
	s.metrics.IncCounter(metricFired, 1, "event", def.Name)
}
