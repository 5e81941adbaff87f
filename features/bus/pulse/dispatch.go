package pulse

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	clientspulse "github.com/lightning-runtime/lightning/features/bus/pulse/clients/pulse"
	"github.com/lightning-runtime/lightning/runtime/bus"
	"github.com/lightning-runtime/lightning/runtime/event"
)

// consumer owns one topic's sink. The consume goroutine exits when the sink
// channel closes or the run context ends.
type consumer struct {
	topic string
	sink  clientspulse.Sink
}

// startConsumerIfRunning opens the topic's consumer when the bus runs.
// Subscribe calls it so topics gain consumers as soon as someone listens.
func (b *Bus) startConsumerIfRunning(topicName string) error {
	if !b.running.Load() {
		return nil
	}
	return b.startConsumer(topicName)
}

// startConsumer opens the stream and sink for the topic and launches its
// consume goroutine. It is a no-op when the topic already has a consumer or
// the bus stopped meanwhile.
func (b *Bus) startConsumer(topicName string) error {
	b.topicsMu.Lock()
	defer b.topicsMu.Unlock()
	if !b.running.Load() {
		return nil
	}
	if _, ok := b.consumers[topicName]; ok {
		return nil
	}

	stream, err := b.client.Stream(streamPrefix + topicName)
	if err != nil {
		return fmt.Errorf("open stream for %s: %w", topicName, err)
	}
	sink, err := stream.NewSink(b.runCtx, b.opts.SinkName)
	if err != nil {
		return fmt.Errorf("open sink for %s: %w", topicName, err)
	}

	c := &consumer{topic: topicName, sink: sink}
	b.consumers[topicName] = c
	b.wg.Add(1)
	go b.consume(b.runCtx, c)
	return nil
}

// consume drains the sink. Every entry is acknowledged on receipt: retries
// and dead-lettering are handled locally, so Pulse-level redelivery is
// deliberately not relied on.
func (b *Bus) consume(ctx context.Context, c *consumer) {
	defer b.wg.Done()
	ch := c.sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case sevt, ok := <-ch:
			if !ok {
				return
			}
			if err := c.sink.Ack(ctx, sevt); err != nil && ctx.Err() == nil {
				b.logger.Warn(ctx, "ack failed", "topic", c.topic, "stream_event", sevt.ID, "err", err)
			}

			evt, err := event.Unmarshal(sevt.Payload)
			if err != nil {
				b.logger.Warn(ctx, "dropping undecodable stream entry", "topic", c.topic, "stream_event", sevt.ID, "err", err)
				continue
			}
			if evt.Expired(time.Now()) {
				b.metrics.IncCounter("lightning.bus.expired", 1, "topic", c.topic)
				b.logger.Debug(ctx, "dropping expired event", "event", evt.ID, "type", evt.Type, "topic", c.topic)
				continue
			}

			matches := b.match(evt, c.topic)
			if len(matches) == 0 {
				b.logger.Debug(ctx, "no local subscription matched", "event", evt.ID, "type", evt.Type, "topic", c.topic)
				continue
			}
			for _, sub := range matches {
				if err := b.sem.Acquire(ctx, 1); err != nil {
					return
				}
				go b.deliver(ctx, c.topic, sub, evt, 0, b.newBackoff())
			}
		}
	}
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
