// Package pulse implements the event bus on Redis via Pulse streams. Each
// topic maps to one stream named "lightning:<topic>" and each bus instance
// consumes it through one sink, so instances that share a sink name split
// the stream while uniquely named instances each see every event.
//
// Matching, filtering, retries and dead-lettering run locally: stream
// entries are acknowledged as soon as they are read and the bus applies the
// same pattern, filter and backoff semantics as the in-process bus.
// Dead-letter records land in a capped Redis list per topic so they survive
// the process; the known-topic set lives in Redis too, which makes topics
// visible across processes.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	clientspulse "github.com/lightning-runtime/lightning/features/bus/pulse/clients/pulse"
	"github.com/lightning-runtime/lightning/runtime/bus"
	"github.com/lightning-runtime/lightning/runtime/event"
	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

// Redis key layout. Streams, the topic set and the dead-letter lists share
// the "lightning:" namespace so one deployment can be inspected with a
// single key scan.
const (
	streamPrefix     = "lightning:"
	topicsKey        = "lightning:topics"
	deadLetterPrefix = "lightning:dlq:"
)

const (
	// DefaultSinkName is the consumer group joined when Options.SinkName
	// is empty. Every instance using the default shares one group.
	DefaultSinkName = "lightning-bus"

	// DefaultDeadLetterLimit caps each per-topic dead-letter list.
	DefaultDeadLetterLimit = 1000

	// DefaultDeadLetterFetch is the window ReprocessDeadLetter scans.
	DefaultDeadLetterFetch = 100

	// DefaultOperationTimeout is the per-invocation handler deadline.
	DefaultOperationTimeout = 30 * time.Second

	// DefaultMaxConcurrent bounds handler invocations in flight.
	DefaultMaxConcurrent = 100
)

// providerName is what the health monitor sees.
const providerName = "bus-redis"

type (
	// Options configures the bus. Client and Redis-backed operations come
	// in through the clients/pulse wrapper, which is required.
	Options struct {
		// Client supplies streams and the raw Redis commands.
		Client clientspulse.Client

		// SinkName names the consumer group this instance joins. Empty
		// means DefaultSinkName; give each instance a unique name to
		// fan events out to all of them.
		SinkName string

		// RetryMaxAttempts is the number of retries after the first
		// failed invocation. Zero or negative disables retries.
		RetryMaxAttempts int

		// RetryBackoff is the base delay before the first retry;
		// attempt k waits RetryBackoff * 2^k.
		RetryBackoff time.Duration

		// OperationTimeout is the hard per-invocation handler deadline.
		OperationTimeout time.Duration

		// MaxConcurrent bounds handler invocations in flight across all
		// topics.
		MaxConcurrent int64

		// DeadLetterLimit caps each per-topic dead-letter list.
		DeadLetterLimit int

		// DeadLetterFetch is how many records ReprocessDeadLetter
		// fetches and scans. Records deeper in the list are not found.
		DeadLetterFetch int

		// Logger receives bus lifecycle and failure logs. Defaults to
		// the no-op logger.
		Logger telemetry.Logger

		// Metrics receives bus counters and handler timings. Defaults
		// to the no-op recorder.
		Metrics telemetry.Metrics
	}

	// Bus is the Redis-backed bus. Create instances with New.
	Bus struct {
		client  clientspulse.Client
		opts    Options
		logger  telemetry.Logger
		metrics telemetry.Metrics
		sem     *semaphore.Weighted

		// lifecycle serializes Start, Stop and Close; running is read
		// on the subscribe path without it.
		lifecycle sync.Mutex
		running   atomic.Bool
		runCtx    context.Context
		cancel    context.CancelFunc
		wg        sync.WaitGroup

		// topicsMu guards consumers and the locally known topic set.
		topicsMu  sync.Mutex
		consumers map[string]*consumer
		local     map[string]struct{}

		// subsMu guards the subscription tables.
		subsMu  sync.RWMutex
		byID    map[string]*subscription
		byTopic map[string]map[string]*subscription

		// timersMu guards pending retry timers.
		timersMu sync.Mutex
		timers   map[*time.Timer]struct{}

		// streamsMu guards the publish-side stream handle cache.
		streamsMu sync.Mutex
		streams   map[string]clientspulse.Stream
	}

	// subscription is one registered handler with its match state.
	subscription struct {
		id      string
		topic   string
		pattern bus.Pattern
		filter  bus.Filter
		expr    *bus.Expression
		handler bus.Handler
	}
)

var _ bus.Bus = (*Bus)(nil)

// New validates opts and builds a stopped bus.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.SinkName == "" {
		opts.SinkName = DefaultSinkName
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
	if opts.DeadLetterFetch <= 0 {
		opts.DeadLetterFetch = DefaultDeadLetterFetch
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Bus{
		client:    opts.Client,
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		consumers: make(map[string]*consumer),
		local:     make(map[string]struct{}),
		byID:      make(map[string]*subscription),
		byTopic:   make(map[string]map[string]*subscription),
		timers:    make(map[*time.Timer]struct{}),
		streams:   make(map[string]clientspulse.Stream),
	}, nil
}

// Name implements health.Pinger.
func (b *Bus) Name() string { return providerName }

// Ping probes the Redis connection behind the bus.
func (b *Bus) Ping(ctx context.Context) error { return b.client.Ping(ctx) }

// Publish encodes the event and appends it to the topic's stream. The topic
// is registered in the cross-process set on first use.
func (b *Bus) Publish(ctx context.Context, evt event.Event, topicName string) error {
	if evt.Type == "" {
		return errors.New("event type is required")
	}
	topicName = normalizeTopic(topicName)
	if err := b.ensureTopic(ctx, topicName); err != nil {
		return err
	}
	payload, err := event.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", evt.ID, err)
	}
	stream, err := b.streamFor(topicName)
	if err != nil {
		return err
	}
	if _, err := stream.Add(ctx, evt.Type, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topicName, err)
	}
	b.metrics.IncCounter("lightning.bus.published", 1, "topic", topicName)
	return nil
}

// PublishBatch appends the events in submission order.
func (b *Bus) PublishBatch(ctx context.Context, evts []event.Event, topicName string) error {
	for _, evt := range evts {
		if err := b.Publish(ctx, evt, topicName); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for event types matching pattern. The
// topic's consumer is started when the bus runs; filters are evaluated
// locally after decode.
func (b *Bus) Subscribe(ctx context.Context, pattern string, h bus.Handler, opts ...bus.SubscribeOption) (string, error) {
	if h == nil {
		return "", errors.New("handler is required")
	}
	compiled, err := bus.CompilePattern(pattern)
	if err != nil {
		return "", err
	}
	folded := bus.Options(opts...)
	topicName := normalizeTopic(folded.Topic)

	var expr *bus.Expression
	if folded.Expression != "" {
		if expr, err = bus.CompileExpression(folded.Expression); err != nil {
			return "", err
		}
	}

	sub := &subscription{
		id:      "sub-" + uuid.NewString(),
		topic:   topicName,
		pattern: compiled,
		filter:  folded.Filter,
		expr:    expr,
		handler: h,
	}

	if err := b.ensureTopic(ctx, topicName); err != nil {
		return "", err
	}

	b.subsMu.Lock()
	b.byID[sub.id] = sub
	if b.byTopic[topicName] == nil {
		b.byTopic[topicName] = make(map[string]*subscription)
	}
	b.byTopic[topicName][sub.id] = sub
	b.subsMu.Unlock()

	if err := b.startConsumerIfRunning(topicName); err != nil {
		b.subsMu.Lock()
		delete(b.byID, sub.id)
		delete(b.byTopic[topicName], sub.id)
		b.subsMu.Unlock()
		return "", err
	}
	return sub.id, nil
}

// Unsubscribe removes a subscription. Unknown ids are a no-op. The topic's
// consumer keeps running so the consumer group does not fall behind.
func (b *Bus) Unsubscribe(ctx context.Context, id string) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return nil
	}
	delete(b.byID, id)
	delete(b.byTopic[sub.topic], id)
	return nil
}

// Start opens one consumer per topic that has local subscriptions. It is
// idempotent and serializes with Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.running.Load() {
		return nil
	}
	b.runCtx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	b.running.Store(true)

	b.subsMu.RLock()
	topics := make([]string, 0, len(b.byTopic))
	for name, subs := range b.byTopic {
		if len(subs) > 0 {
			topics = append(topics, name)
		}
	}
	b.subsMu.RUnlock()

	for _, name := range topics {
		if err := b.startConsumer(name); err != nil {
			b.stopLocked(ctx)
			return err
		}
	}
	b.logger.Info(ctx, "bus started", "backend", "redis", "topics", len(topics))
	return nil
}

// Stop closes every consumer, drops pending retries and awaits in-flight
// handlers. Stream entries not yet read stay in Redis, so a later Start
// resumes where the consumer group left off. It is idempotent.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if !b.running.Load() {
		return nil
	}
	b.stopLocked(ctx)
	b.logger.Info(ctx, "bus stopped", "backend", "redis")
	return nil
}

// Close stops the bus and releases the Redis client. Use it when the bus
// owns the connection; callers sharing the connection should Stop instead.
func (b *Bus) Close(ctx context.Context) error {
	if err := b.Stop(ctx); err != nil {
		return err
	}
	return b.client.Close(ctx)
}

func (b *Bus) stopLocked(ctx context.Context) {
	b.running.Store(false)
	b.cancel()
	b.cancelTimers()

	b.topicsMu.Lock()
	consumers := make([]*consumer, 0, len(b.consumers))
	for name, c := range b.consumers {
		consumers = append(consumers, c)
		delete(b.consumers, name)
	}
	b.topicsMu.Unlock()
	for _, c := range consumers {
		c.sink.Close(ctx)
	}
	b.wg.Wait()

	// Every in-flight handler holds one semaphore unit, so acquiring the
	// full weight waits for all of them.
	waitCtx, waitCancel := context.WithTimeout(ctx, b.opts.OperationTimeout)
	defer waitCancel()
	if err := b.sem.Acquire(waitCtx, b.opts.MaxConcurrent); err != nil {
		b.logger.Warn(ctx, "abandoning in-flight handlers", "grace", b.opts.OperationTimeout.String())
	} else {
		b.sem.Release(b.opts.MaxConcurrent)
	}
}

// CreateTopic adds the topic to the cross-process set. Streams materialize
// lazily on first publish, so there is nothing else to provision.
func (b *Bus) CreateTopic(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("topic name is required")
	}
	return b.ensureTopic(ctx, name)
}

// DeleteTopic removes the topic from the set, stops its consumer and
// destroys the stream. The topic's dead-letter list is retained for
// operators.
func (b *Bus) DeleteTopic(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("topic name is required")
	}
	if err := b.client.SRem(ctx, topicsKey, name); err != nil {
		return fmt.Errorf("deregister topic %s: %w", name, err)
	}

	b.topicsMu.Lock()
	delete(b.local, name)
	c, ok := b.consumers[name]
	if ok {
		delete(b.consumers, name)
	}
	b.topicsMu.Unlock()
	if ok {
		c.sink.Close(ctx)
	}

	b.streamsMu.Lock()
	delete(b.streams, name)
	b.streamsMu.Unlock()

	stream, err := b.client.Stream(streamPrefix + name)
	if err != nil {
		return err
	}
	if err := stream.Destroy(ctx); err != nil {
		return fmt.Errorf("destroy stream for %s: %w", name, err)
	}
	return nil
}

// TopicExists consults the cross-process topic set.
func (b *Bus) TopicExists(ctx context.Context, name string) (bool, error) {
	return b.client.SIsMember(ctx, topicsKey, name)
}

// HasSubscribers reports true: remote processes may hold subscriptions this
// instance cannot see.
func (b *Bus) HasSubscribers(ctx context.Context, eventType, topicName string) (bool, error) {
	return true, nil
}

// OrphanedEvents returns nothing. Events with no local match may still be
// consumed elsewhere, so the bus does not record them.
func (b *Bus) OrphanedEvents(ctx context.Context, topicName string) ([]event.Event, error) {
	return nil, nil
}

// DrainOrphanedEvents reports zero for the same reason.
func (b *Bus) DrainOrphanedEvents(ctx context.Context, topicName string) (int, error) {
	return 0, nil
}

// ensureTopic registers the topic in Redis and remembers it locally.
func (b *Bus) ensureTopic(ctx context.Context, name string) error {
	b.topicsMu.Lock()
	_, known := b.local[name]
	if !known {
		b.local[name] = struct{}{}
	}
	b.topicsMu.Unlock()
	if known {
		return nil
	}
	if err := b.client.SAdd(ctx, topicsKey, name); err != nil {
		return fmt.Errorf("register topic %s: %w", name, err)
	}
	return nil
}

// streamFor returns the cached publish handle for the topic's stream.
func (b *Bus) streamFor(topicName string) (clientspulse.Stream, error) {
	b.streamsMu.Lock()
	defer b.streamsMu.Unlock()
	if s, ok := b.streams[topicName]; ok {
		return s, nil
	}
	s, err := b.client.Stream(streamPrefix + topicName)
	if err != nil {
		return nil, err
	}
	b.streams[topicName] = s
	return s, nil
}

// match snapshots the subscriptions accepting the event, ordered by id so
// delivery fan-out is deterministic.
func (b *Bus) match(evt event.Event, topicName string) []*subscription {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	var out []*subscription
	for _, sub := range b.byTopic[topicName] {
		if !sub.pattern.Matches(evt.Type) {
			continue
		}
		if sub.filter != nil && !sub.filter.Matches(evt) {
			continue
		}
		if sub.expr != nil && !sub.expr.Matches(evt) {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func normalizeTopic(name string) string {
	if name == "" {
		return bus.DefaultTopic
	}
	return name
}
