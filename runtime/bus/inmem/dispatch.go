package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/lightning-runtime/lightning/runtime/bus"
	"github.com/lightning-runtime/lightning/runtime/event"
)

// topic owns one FIFO queue and at most one dispatcher goroutine. The queue
// outlives the dispatcher so Stop/Start cycles keep pending events.
type topic struct {
	name string

	mu    sync.Mutex
	queue []event.Event

	// dispatching and the channels below are guarded by the bus's
	// topicsMu.
	dispatching bool
	stop        chan struct{}
	done        chan struct{}

	// wake signals the dispatcher that the queue became non-empty.
	wake chan struct{}
}

func newTopic(name string) *topic {
	return &topic{
		name: name,
		wake: make(chan struct{}, 1),
	}
}

func (t *topic) push(evts []event.Event) {
	t.mu.Lock()
	t.queue = append(t.queue, evts...)
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *topic) pop() (event.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return event.Event{}, false
	}
	evt := t.queue[0]
	t.queue = t.queue[1:]
	return evt, true
}

// startDispatcher launches the topic's dispatcher goroutine. Callers hold
// topicsMu; the bus must be running.
func (b *Bus) startDispatcher(t *topic) {
	if t.dispatching {
		return
	}
	t.dispatching = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go b.dispatchLoop(b.runCtx, t, t.stop, t.done)
}

// stopDispatcher signals the dispatcher and awaits it. Callers hold
// topicsMu.
func (b *Bus) stopDispatcher(t *topic) {
	if !t.dispatching {
		return
	}
	t.dispatching = false
	close(t.stop)
	<-t.done
}

// dispatchLoop drains the topic queue. The match set for one event is
// computed before the next event is dequeued, which preserves the per-topic
// FIFO contract for the match step.
func (b *Bus) dispatchLoop(ctx context.Context, t *topic, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		evt, ok := t.pop()
		if !ok {
			select {
			case <-stop:
				return
			case <-t.wake:
				continue
			}
		}
		if evt.Expired(time.Now()) {
			b.metrics.IncCounter("lightning.bus.expired", 1, "topic", t.name)
			b.logger.Debug(ctx, "dropping expired event", "event", evt.ID, "type", evt.Type, "topic", t.name)
			continue
		}
		matches := b.match(evt, t.name)
		if len(matches) == 0 {
			b.recordOrphan(ctx, t.name, evt)
			continue
		}
		for _, sub := range matches {
			if err := b.sem.Acquire(ctx, 1); err != nil {
				return
			}
			go b.deliver(ctx, t.name, sub, evt, 0, b.newBackoff())
		}
	}
}

// match snapshots the subscriptions whose pattern and filters accept the
// event on the topic.
func (b *Bus) match(evt event.Event, topicName string) []*subscription {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	var out []*subscription
	for _, sub := range b.literal[evt.Type] {
		if sub.topic == topicName && sub.allows(evt) {
			out = append(out, sub)
		}
	}
	for _, sub := range b.wildcard {
		if sub.topic == topicName && sub.pattern.Matches(evt.Type) && sub.allows(evt) {
			out = append(out, sub)
		}
	}
	return out
}

func (s *subscription) allows(evt event.Event) bool {
	if s.filter != nil && !s.filter.Matches(evt) {
		return false
	}
	if s.expr != nil && !s.expr.Matches(evt) {
		return false
	}
	return true
}

// deliver invokes the handler once and routes the outcome: success clears
// the retry chain, failure schedules the next attempt or dead-letters the
// event. attempt counts completed invocations before this one.
func (b *Bus) deliver(ctx context.Context, topicName string, sub *subscription, evt event.Event, attempt int, policy backoff.BackOff) {
	defer b.sem.Release(1)

	start := time.Now()
	err := b.invoke(ctx, sub, evt)
	b.metrics.RecordTimer("lightning.bus.handler_duration", time.Since(start), "topic", topicName)

	if err == nil {
		b.metrics.IncCounter("lightning.bus.delivered", 1, "topic", topicName)
		if attempt > 0 {
			b.logger.Debug(ctx, "retry succeeded", "event", evt.ID, "subscription", sub.id, "attempt", attempt)
		}
		return
	}

	herr := &bus.HandlerError{SubscriptionID: sub.id, EventID: evt.ID, EventType: evt.Type, Err: err}
	b.metrics.IncCounter("lightning.bus.handler_failures", 1, "topic", topicName)

	if attempt >= b.opts.RetryMaxAttempts {
		b.deadLetter(ctx, topicName, sub, evt, herr, attempt+1)
		return
	}
	b.scheduleRetry(ctx, topicName, sub, evt, attempt+1, policy)
}

// invoke runs the handler under the per-invocation timeout. Panics convert
// to errors; on timeout the handler goroutine is abandoned and the context
// error counts as the failure.
func (b *Bus) invoke(parent context.Context, sub *subscription, evt event.Event) error {
	ctx, cancel := context.WithTimeout(parent, b.opts.OperationTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		result <- sub.handler(ctx, evt)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newBackoff builds the per-chain retry policy: base * 2^attempt with no
// jitter, bounded by the attempt budget rather than elapsed time.
func (b *Bus) newBackoff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.opts.RetryBackoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2
	policy.MaxInterval = 24 * time.Hour
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// scheduleRetry arms a timer for the next attempt. Retries skip
// subscriptions that disappeared meanwhile and are dropped wholesale when
// the bus stops.
func (b *Bus) scheduleRetry(ctx context.Context, topicName string, sub *subscription, evt event.Event, attempt int, policy backoff.BackOff) {
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		delay = b.opts.RetryBackoff
	}
	b.metrics.IncCounter("lightning.bus.retries", 1, "topic", topicName)
	b.logger.Debug(ctx, "scheduling retry", "event", evt.ID, "subscription", sub.id, "attempt", attempt, "delay", delay.String())

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.forgetTimer(timer)
		if ctx.Err() != nil {
			return
		}
		b.subsMu.RLock()
		_, alive := b.byID[sub.id]
		b.subsMu.RUnlock()
		if !alive {
			return
		}
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return
		}
		b.deliver(ctx, topicName, sub, evt, attempt, policy)
	})
	b.trackTimer(timer)
}

func (b *Bus) trackTimer(timer *time.Timer) {
	b.timersMu.Lock()
	b.timers[timer] = struct{}{}
	b.timersMu.Unlock()
}

func (b *Bus) forgetTimer(timer *time.Timer) {
	b.timersMu.Lock()
	delete(b.timers, timer)
	b.timersMu.Unlock()
}

func (b *Bus) cancelTimers() {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	for timer := range b.timers {
		timer.Stop()
		delete(b.timers, timer)
	}
}

// deadLetter appends one record and logs at error level. The log is bounded
// by dropping the oldest record.
func (b *Bus) deadLetter(ctx context.Context, topicName string, sub *subscription, evt event.Event, herr *bus.HandlerError, attempts int) {
	rec := bus.DeadLetter{
		Event:          evt,
		Topic:          topicName,
		SubscriptionID: sub.id,
		Reason:         herr.Err.Error(),
		Attempts:       attempts,
		FailedAt:       time.Now().UTC(),
	}
	b.dlqMu.Lock()
	if len(b.dlq) >= b.opts.DeadLetterLimit {
		b.dlq = b.dlq[1:]
	}
	b.dlq = append(b.dlq, rec)
	b.dlqMu.Unlock()

	b.metrics.IncCounter("lightning.bus.dead_letters", 1, "topic", topicName)
	b.logger.Error(ctx, "event dead-lettered",
		"event", evt.ID,
		"type", evt.Type,
		"topic", topicName,
		"subscription", sub.id,
		"attempts", attempts,
		"reason", rec.Reason,
	)
}

// DeadLetters returns up to max records for the topic, oldest first. An
// empty topic selects the default topic; max <= 0 returns all.
func (b *Bus) DeadLetters(ctx context.Context, topicName string, max int) ([]bus.DeadLetter, error) {
	if topicName == "" {
		topicName = bus.DefaultTopic
	}
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	var out []bus.DeadLetter
	for _, rec := range b.dlq {
		if rec.Topic != topicName {
			continue
		}
		out = append(out, rec)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}

// ReprocessDeadLetter removes the record and republishes its event to the
// originating topic through the full dispatch path.
func (b *Bus) ReprocessDeadLetter(ctx context.Context, eventID, topicName string) error {
	if topicName == "" {
		topicName = bus.DefaultTopic
	}
	b.dlqMu.Lock()
	idx := -1
	for i, rec := range b.dlq {
		if rec.Event.ID == eventID && rec.Topic == topicName {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.dlqMu.Unlock()
		return fmt.Errorf("reprocess event %s on topic %s: %w", eventID, topicName, bus.ErrDeadLetterNotFound)
	}
	rec := b.dlq[idx]
	b.dlq = append(b.dlq[:idx], b.dlq[idx+1:]...)
	b.dlqMu.Unlock()

	if err := b.Publish(ctx, rec.Event, rec.Topic); err != nil {
		b.dlqMu.Lock()
		b.dlq = append(b.dlq, rec)
		b.dlqMu.Unlock()
		return err
	}
	b.logger.Info(ctx, "dead-letter reprocessed", "event", eventID, "topic", topicName)
	return nil
}

// recordOrphan keeps events that matched zero subscriptions in a bounded
// per-topic record, dropping the oldest.
func (b *Bus) recordOrphan(ctx context.Context, topicName string, evt event.Event) {
	b.orphansMu.Lock()
	list := b.orphans[topicName]
	if len(list) >= b.opts.OrphanLimit {
		list = list[1:]
	}
	b.orphans[topicName] = append(list, evt)
	b.orphansMu.Unlock()

	b.metrics.IncCounter("lightning.bus.orphaned", 1, "topic", topicName)
	b.logger.Debug(ctx, "event matched no subscriptions", "event", evt.ID, "type", evt.Type, "topic", topicName)
}

// OrphanedEvents returns the recorded orphans for the topic, oldest first.
func (b *Bus) OrphanedEvents(ctx context.Context, topicName string) ([]event.Event, error) {
	if topicName == "" {
		topicName = bus.DefaultTopic
	}
	b.orphansMu.Lock()
	defer b.orphansMu.Unlock()
	out := make([]event.Event, len(b.orphans[topicName]))
	copy(out, b.orphans[topicName])
	return out, nil
}

// DrainOrphanedEvents clears the orphan record for the topic.
func (b *Bus) DrainOrphanedEvents(ctx context.Context, topicName string) (int, error) {
	if topicName == "" {
		topicName = bus.DefaultTopic
	}
	b.orphansMu.Lock()
	defer b.orphansMu.Unlock()
	n := len(b.orphans[topicName])
	delete(b.orphans, topicName)
	return n, nil
}

func newSubscriptionID() string {
	return "sub-" + uuid.NewString()
}
