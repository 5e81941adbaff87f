// Package bus defines the event bus contract: topic-addressed asynchronous
// delivery with wildcard subscriptions, per-subscription filters, bounded
// retry and a dead-letter log.
//
// Implementations share the semantics documented on Bus:
//
//   - Topics are FIFO channels created lazily on first publish or subscribe.
//   - A subscription matches an event iff its pattern matches the event type
//     AND its filter (when present) evaluates true.
//   - Handler failures are retried with exponential backoff and dead-lettered
//     after the attempt budget; they are never surfaced to publishers.
//   - Events whose TTL elapsed are dropped, not delivered and not
//     dead-lettered.
//
// The in-process reference implementation lives in bus/inmem; a Redis-backed
// implementation lives in features/bus/pulse.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lightning-runtime/lightning/runtime/event"
)

// DefaultTopic receives events published without an explicit topic.
const DefaultTopic = "default"

// ErrDeadLetterNotFound is returned when reprocessing targets an event id
// with no dead-letter record on the given topic.
var ErrDeadLetterNotFound = errors.New("dead-letter record not found")

type (
	// Handler consumes one matched event. A non-nil error (or a panic, or
	// an expired context) counts as a failed delivery and drives the
	// retry/dead-letter path. Handlers must not call Stop on the bus that
	// invoked them.
	Handler func(ctx context.Context, evt event.Event) error

	// Bus routes events from publishers to matching subscriptions.
	Bus interface {
		// Publish enqueues the event on the topic. An empty topic selects
		// DefaultTopic; the topic is created if absent. Publish never
		// reports handler outcomes.
		Publish(ctx context.Context, evt event.Event, topic string) error

		// PublishBatch enqueues the events in submission order on one
		// topic. Ordering across topics is not promised.
		PublishBatch(ctx context.Context, evts []event.Event, topic string) error

		// Subscribe registers a handler for event types matching pattern
		// and returns the subscription id. Options select the topic and
		// attach filters. If the bus runs and the topic has no dispatcher
		// yet, one is started.
		Subscribe(ctx context.Context, pattern string, h Handler, opts ...SubscribeOption) (string, error)

		// Unsubscribe removes a subscription. Unknown ids are a no-op.
		Unsubscribe(ctx context.Context, id string) error

		// Start launches one dispatcher per known topic. It is idempotent
		// and serializes with Stop.
		Start(ctx context.Context) error

		// Stop signals dispatchers and awaits them, leaving queued events
		// intact for a later Start. It is idempotent and serializes with
		// Start.
		Stop(ctx context.Context) error

		// CreateTopic creates an empty topic. Existing topics are left
		// untouched.
		CreateTopic(ctx context.Context, name string) error

		// DeleteTopic removes a topic and its queued events. Dead-letter
		// records for the topic are retained for operators.
		DeleteTopic(ctx context.Context, name string) error

		// TopicExists reports whether the topic is known.
		TopicExists(ctx context.Context, name string) (bool, error)

		// DeadLetters returns up to max dead-letter records, newest last.
		// An empty topic selects DefaultTopic; max <= 0 means no limit.
		DeadLetters(ctx context.Context, topic string, max int) ([]DeadLetter, error)

		// ReprocessDeadLetter republishes the dead-lettered event to its
		// originating topic through the full dispatch path and removes the
		// record atomically. Unknown ids fail with ErrDeadLetterNotFound.
		ReprocessDeadLetter(ctx context.Context, eventID, topic string) error

		// HasSubscribers reports whether any subscription on the topic
		// matches the event type, ignoring filters. Implementations that
		// cannot know (e.g. brokered buses) report true.
		HasSubscribers(ctx context.Context, eventType, topic string) (bool, error)

		// OrphanedEvents returns events that matched zero subscriptions,
		// when the implementation records them. Others return nothing.
		OrphanedEvents(ctx context.Context, topic string) ([]event.Event, error)

		// DrainOrphanedEvents clears the orphan record and reports how
		// many events were dropped.
		DrainOrphanedEvents(ctx context.Context, topic string) (int, error)
	}

	// DeadLetter records one delivery that exhausted its retry budget.
	DeadLetter struct {
		// Event is the undelivered event.
		Event event.Event

		// Topic is the originating topic.
		Topic string

		// SubscriptionID identifies the failing subscription.
		SubscriptionID string

		// Reason is the final failure message.
		Reason string

		// Attempts counts handler invocations, including the first.
		Attempts int

		// FailedAt is when the record was written.
		FailedAt time.Time
	}

	// SubscribeOptions collects the optional Subscribe parameters.
	// Implementations fold them with Options.
	SubscribeOptions struct {
		// Topic names the topic to bind to. Empty means DefaultTopic.
		Topic string

		// Filter holds dotted-path equality conditions, all of which must
		// hold. See Filter for path resolution.
		Filter Filter

		// Expression is an optional boolean expression evaluated against
		// the event. See CompileExpression.
		Expression string
	}

	// SubscribeOption customizes a subscription.
	SubscribeOption func(*SubscribeOptions)
)

// WithTopic binds the subscription to a topic other than DefaultTopic.
func WithTopic(topic string) SubscribeOption {
	return func(o *SubscribeOptions) { o.Topic = topic }
}

// WithFilter attaches dotted-path equality conditions to the subscription.
func WithFilter(f map[string]any) SubscribeOption {
	return func(o *SubscribeOptions) { o.Filter = Filter(f) }
}

// WithExpression attaches a boolean filter expression to the subscription.
// Subscribe fails if the expression does not compile.
func WithExpression(src string) SubscribeOption {
	return func(o *SubscribeOptions) { o.Expression = src }
}

// Options folds subscribe options into a SubscribeOptions value with the
// default topic applied.
func Options(opts ...SubscribeOption) SubscribeOptions {
	var o SubscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.Topic == "" {
		o.Topic = DefaultTopic
	}
	return o
}

// HandlerError wraps a handler failure with enough context for the retry and
// dead-letter paths. It never propagates to publishers.
type HandlerError struct {
	// SubscriptionID identifies the failing subscription.
	SubscriptionID string

	// EventID and EventType identify the event under delivery.
	EventID   string
	EventType string

	// Err is the underlying failure: the handler's error, a recovered
	// panic, or the invocation context's error on timeout.
	Err error
}

// Error implements error.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for subscription %s failed on event %s (%s): %v", e.SubscriptionID, e.EventID, e.EventType, e.Err)
}

// Unwrap exposes the underlying failure to errors.Is/As.
func (e *HandlerError) Unwrap() error { return e.Err }
