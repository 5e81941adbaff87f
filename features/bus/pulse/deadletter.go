package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lightning-runtime/lightning/runtime/bus"
	"github.com/lightning-runtime/lightning/runtime/event"
)

// deadLetterRecord is the JSON form stored in the per-topic Redis list.
type deadLetterRecord struct {
	Event          event.Event `json:"event"`
	Topic          string      `json:"topic"`
	SubscriptionID string      `json:"subscription_id"`
	Reason         string      `json:"reason"`
	Attempts       int         `json:"attempts"`
	FailedAt       time.Time   `json:"failed_at"`
}

func deadLetterKey(topicName string) string { return deadLetterPrefix + topicName }

// deadLetter writes one record to the topic's capped list and logs at error
// level. The write runs on an uncancelable context so records survive bus
// shutdown.
func (b *Bus) deadLetter(ctx context.Context, topicName string, sub *subscription, evt event.Event, herr *bus.HandlerError, attempts int) {
	rec := deadLetterRecord{
		Event:          evt,
		Topic:          topicName,
		SubscriptionID: sub.id,
		Reason:         herr.Err.Error(),
		Attempts:       attempts,
		FailedAt:       time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		b.logger.Error(ctx, "dead-letter encode failed", "event", evt.ID, "topic", topicName, "err", err)
		return
	}
	wctx := context.WithoutCancel(ctx)
	if err := b.client.LPushTrim(wctx, deadLetterKey(topicName), raw, b.opts.DeadLetterLimit); err != nil {
		b.logger.Error(ctx, "dead-letter write failed", "event", evt.ID, "topic", topicName, "err", err)
		return
	}

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

// DeadLetters returns up to max records for the topic, oldest first within
// the newest max entries. An empty topic selects the default topic; max <= 0
// returns the whole list.
func (b *Bus) DeadLetters(ctx context.Context, topicName string, max int) ([]bus.DeadLetter, error) {
	topicName = normalizeTopic(topicName)
	raws, err := b.client.LRange(ctx, deadLetterKey(topicName), max)
	if err != nil {
		return nil, fmt.Errorf("read dead letters for %s: %w", topicName, err)
	}
	out := make([]bus.DeadLetter, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var rec deadLetterRecord
		if err := json.Unmarshal([]byte(raws[i]), &rec); err != nil {
			b.logger.Warn(ctx, "skipping undecodable dead-letter record", "topic", topicName, "err", err)
			continue
		}
		out = append(out, bus.DeadLetter{
			Event:          rec.Event,
			Topic:          rec.Topic,
			SubscriptionID: rec.SubscriptionID,
			Reason:         rec.Reason,
			Attempts:       rec.Attempts,
			FailedAt:       rec.FailedAt,
		})
	}
	return out, nil
}

// ReprocessDeadLetter scans the newest DeadLetterFetch records for the
// event, removes the record and republishes the event through the full
// dispatch path. Records deeper in the list, or removed concurrently by
// another instance, fail with bus.ErrDeadLetterNotFound.
func (b *Bus) ReprocessDeadLetter(ctx context.Context, eventID, topicName string) error {
	topicName = normalizeTopic(topicName)
	key := deadLetterKey(topicName)

	raws, err := b.client.LRange(ctx, key, b.opts.DeadLetterFetch)
	if err != nil {
		return fmt.Errorf("read dead letters for %s: %w", topicName, err)
	}

	var (
		match string
		rec   deadLetterRecord
		found bool
	)
	for _, raw := range raws {
		var candidate deadLetterRecord
		if err := json.Unmarshal([]byte(raw), &candidate); err != nil {
			continue
		}
		if candidate.Event.ID == eventID {
			match, rec, found = raw, candidate, true
			break
		}
	}
	if !found {
		return fmt.Errorf("reprocess event %s on topic %s: %w", eventID, topicName, bus.ErrDeadLetterNotFound)
	}

	n, err := b.client.LRem(ctx, key, []byte(match))
	if err != nil {
		return fmt.Errorf("remove dead letter %s: %w", eventID, err)
	}
	if n == 0 {
		// Another instance reprocessed it first.
		return fmt.Errorf("reprocess event %s on topic %s: %w", eventID, topicName, bus.ErrDeadLetterNotFound)
	}

	if err := b.Publish(ctx, rec.Event, topicName); err != nil {
		if pushErr := b.client.LPushTrim(ctx, key, []byte(match), b.opts.DeadLetterLimit); pushErr != nil {
			b.logger.Error(ctx, "restoring dead letter failed", "event", eventID, "topic", topicName, "err", pushErr)
		}
		return err
	}
	b.logger.Info(ctx, "dead-letter reprocessed", "event", eventID, "topic", topicName)
	return nil
}
