// Package inmem implements the in-process reference event bus. It honors the
// full bus contract: lazily created FIFO topics, literal and wildcard
// subscriptions with filters, a global concurrency ceiling on handler
// invocations, exponential retry, a bounded dead-letter log and an orphan
// record for events no subscription matched.
//
// Queued events survive Stop and are dispatched again after a subsequent
// Start, which makes the bus suitable as the durable-enough local backend
// behind the provider factory.
package inmem

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lightning-runtime/lightning/runtime/bus"
	"github.com/lightning-runtime/lightning/runtime/event"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

const (
	// DefaultRetryMaxAttempts bounds handler retries before dead-lettering.
	// Applied by the runtime configuration, not by New.
	DefaultRetryMaxAttempts = 3

	// DefaultRetryBackoff is the base of the exponential retry delay.
	// Applied by the runtime configuration, not by New.
	DefaultRetryBackoff = time.Second

	// DefaultOperationTimeout is the per-invocation handler deadline.
	DefaultOperationTimeout = 30 * time.Second

	// DefaultMaxConcurrent bounds handler invocations in flight globally.
	DefaultMaxConcurrent = 100

	// DefaultDeadLetterLimit bounds the dead-letter log; the oldest record
	// is dropped when the limit is reached.
	DefaultDeadLetterLimit = 1000

	// DefaultOrphanLimit bounds the per-topic orphan record.
	DefaultOrphanLimit = 1000
)

type (
	// Options configures the bus. The zero value is usable. Zero timeout,
	// concurrency and limit fields take the defaults above; the retry
	// fields are taken literally so callers can turn retries off.
	Options struct {
		// RetryMaxAttempts is the number of retries after the first failed
		// invocation. Zero or negative disables retries.
		RetryMaxAttempts int

		// RetryBackoff is the base delay before the first retry; attempt k
		// waits RetryBackoff * 2^k. Zero retries immediately.
		RetryBackoff time.Duration

		// OperationTimeout is the hard per-invocation handler deadline.
		OperationTimeout time.Duration

		// MaxConcurrent bounds handler invocations in flight across all
		// topics.
		MaxConcurrent int64

		// DeadLetterLimit bounds the dead-letter log.
		DeadLetterLimit int

		// OrphanLimit bounds the per-topic orphan record.
		OrphanLimit int

		// Logger receives bus lifecycle and failure logs. Defaults to the
		// no-op logger.
		Logger telemetry.Logger

		// Metrics receives bus counters and handler timings. Defaults to
		// the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Bus is the in-process bus. Create instances with New.
	Bus struct {
		opts    Options
		logger  telemetry.Logger
		metrics telemetry.Metrics

		// lifecycle serializes Start and Stop; running is read on the
		// publish and subscribe paths without it.
		lifecycle sync.Mutex
		running   atomic.Bool
		runCtx    context.Context
		cancel    context.CancelFunc

		sem *semaphore.Weighted

		topicsMu sync.RWMutex
		topics   map[string]*topic

		subsMu   sync.RWMutex
		literal  map[string][]*subscription
		wildcard []*subscription
		byID     map[string]*subscription

		dlqMu sync.Mutex
		dlq   []bus.DeadLetter

		orphansMu sync.Mutex
		orphans   map[string][]event.Event

		timersMu sync.Mutex
		timers   map[*time.Timer]struct{}
	}

	subscription struct {
		id      string
		topic   string
		pattern bus.Pattern
		filter  bus.Filter
		expr    *bus.Expression
		handler bus.Handler
		created time.Time
	}
)

// New constructs a stopped bus. Call Start to begin dispatching.
func New(opts Options) *Bus {
	if opts.RetryMaxAttempts < 0 {
		opts.RetryMaxAttempts = 0
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.DeadLetterLimit <= 0 {
		opts.DeadLetterLimit = DefaultDeadLetterLimit
	}
	if opts.OrphanLimit <= 0 {
		opts.OrphanLimit = DefaultOrphanLimit
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Bus{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		topics:  make(map[string]*topic),
		literal: make(map[string][]*subscription),
		byID:    make(map[string]*subscription),
		orphans: make(map[string][]event.Event),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Publish enqueues the event on the topic, creating it if absent. Events
// published while the bus is stopped are dispatched after the next Start.
func (b *Bus) Publish(ctx context.Context, evt event.Event, topicName string) error {
	return b.PublishBatch(ctx, []event.Event{evt}, topicName)
}

// PublishBatch enqueues the events in submission order on one topic.
func (b *Bus) PublishBatch(ctx context.Context, evts []event.Event, topicName string) error {
	if len(evts) == 0 {
		return nil
	}
	for _, evt := range evts {
		if evt.Type == "" {
			return errors.New("event type is required")
		}
	}
	if topicName == "" {
		topicName = bus.DefaultTopic
	}
	t := b.ensureTopic(topicName)
	t.push(evts)
	b.metrics.IncCounter("lightning.bus.published", float64(len(evts)), "topic", topicName)
	return nil
}

// Subscribe registers a handler for event types matching pattern and starts
// a dispatcher for the topic when the bus is already running.
func (b *Bus) Subscribe(ctx context.Context, pattern string, h bus.Handler, opts ...bus.SubscribeOption) (string, error) {
	if h == nil {
		return "", errors.New("handler is required")
	}
	o := bus.Options(opts...)
	compiled, err := bus.CompilePattern(pattern)
	if err != nil {
		return "", err
	}
	var expression *bus.Expression
	if o.Expression != "" {
		expression, err = bus.CompileExpression(o.Expression)
		if err != nil {
			return "", err
		}
	}
	sub := &subscription{
		id:      newSubscriptionID(),
		topic:   o.Topic,
		pattern: compiled,
		filter:  o.Filter,
		expr:    expression,
		handler: h,
		created: time.Now().UTC(),
	}

	b.subsMu.Lock()
	b.byID[sub.id] = sub
	if compiled.Literal() {
		b.literal[pattern] = append(b.literal[pattern], sub)
	} else {
		b.wildcard = append(b.wildcard, sub)
	}
	b.subsMu.Unlock()

	b.ensureTopic(o.Topic)
	b.logger.Debug(ctx, "subscribed", "subscription", sub.id, "pattern", pattern, "topic", o.Topic)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(ctx context.Context, id string) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)
	if sub.pattern.Literal() {
		b.literal[sub.pattern.String()] = removeSub(b.literal[sub.pattern.String()], sub)
		if len(b.literal[sub.pattern.String()]) == 0 {
			delete(b.literal, sub.pattern.String())
		}
	} else {
		b.wildcard = removeSub(b.wildcard, sub)
	}
	return nil
}

// Start launches one dispatcher per known topic. Idempotent.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.running.Load() {
		return nil
	}
	b.runCtx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.running.Store(true)

	b.topicsMu.Lock()
	for _, t := range b.topics {
		b.startDispatcher(t)
	}
	b.topicsMu.Unlock()

	b.logger.Info(ctx, "bus started", "topics", b.topicCount())
	return nil
}

// Stop signals dispatchers, awaits in-flight handlers up to the operation
// timeout and cancels pending retries. Queued events remain for a later
// Start. Idempotent.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if !b.running.Load() {
		return nil
	}
	b.running.Store(false)
	b.cancel()

	b.topicsMu.Lock()
	for _, t := range b.topics {
		b.stopDispatcher(t)
	}
	b.topicsMu.Unlock()

	b.cancelTimers()

	// Every in-flight handler holds one semaphore unit, so acquiring the
	// full weight waits for all of them.
	waitCtx, waitCancel := context.WithTimeout(ctx, b.opts.OperationTimeout)
	defer waitCancel()
	if err := b.sem.Acquire(waitCtx, b.opts.MaxConcurrent); err != nil {
		b.logger.Warn(ctx, "abandoning in-flight handlers", "grace", b.opts.OperationTimeout.String())
	} else {
		b.sem.Release(b.opts.MaxConcurrent)
	}

	b.logger.Info(ctx, "bus stopped")
	return nil
}

// CreateTopic creates an empty topic; existing topics are untouched.
func (b *Bus) CreateTopic(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("topic name is required")
	}
	b.ensureTopic(name)
	return nil
}

// DeleteTopic stops the topic's dispatcher and drops its queued events.
// Dead-letter records for the topic are retained.
func (b *Bus) DeleteTopic(ctx context.Context, name string) error {
	b.topicsMu.Lock()
	t, ok := b.topics[name]
	if ok {
		delete(b.topics, name)
		b.stopDispatcher(t)
	}
	b.topicsMu.Unlock()
	return nil
}

// TopicExists reports whether the topic is known.
func (b *Bus) TopicExists(ctx context.Context, name string) (bool, error) {
	b.topicsMu.RLock()
	defer b.topicsMu.RUnlock()
	_, ok := b.topics[name]
	return ok, nil
}

// HasSubscribers reports whether any subscription on the topic matches the
// event type. Filters are ignored.
func (b *Bus) HasSubscribers(ctx context.Context, eventType, topicName string) (bool, error) {
	if topicName == "" {
		topicName = bus.DefaultTopic
	}
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, sub := range b.literal[eventType] {
		if sub.topic == topicName {
			return true, nil
		}
	}
	for _, sub := range b.wildcard {
		if sub.topic == topicName && sub.pattern.Matches(eventType) {
			return true, nil
		}
	}
	return false, nil
}

// ensureTopic returns the named topic, creating it and, when the bus runs,
// its dispatcher.
func (b *Bus) ensureTopic(name string) *topic {
	b.topicsMu.Lock()
	defer b.topicsMu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = newTopic(name)
		b.topics[name] = t
	}
	b.lifecycleStartIfRunning(t)
	return t
}

// lifecycleStartIfRunning starts the topic dispatcher when the bus is
// running. Callers hold topicsMu.
func (b *Bus) lifecycleStartIfRunning(t *topic) {
	if b.running.Load() && !t.dispatching {
		b.startDispatcher(t)
	}
}

func (b *Bus) topicCount() int {
	b.topicsMu.RLock()
	defer b.topicsMu.RUnlock()
	return len(b.topics)
}

func removeSub(subs []*subscription, target *subscription) []*subscription {
	for i, s := range subs {
		if s == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
