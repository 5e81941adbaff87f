// Package event defines the message type carried by the bus. Events are
// immutable once published: producers build them with New, consumers receive
// them by value and must not mutate the payload maps.
//
// The JSON wire format is stable and explicit. Every field is named, the
// timestamp is RFC 3339 UTC, and unknown fields are ignored on decode so
// newer producers can talk to older consumers.
package event

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority orders events for operators and downstream consumers. It does not
// affect dispatch order, which is FIFO per topic.
type Priority string

const (
	// PriorityLow marks events that can be processed opportunistically.
	PriorityLow Priority = "low"

	// PriorityNormal is the default for events built with New.
	PriorityNormal Priority = "normal"

	// PriorityHigh marks events operators should look at first.
	PriorityHigh Priority = "high"

	// PriorityCritical marks events tied to user-visible failures.
	PriorityCritical Priority = "critical"
)

// ParsePriority normalizes s to a Priority. It returns the zero value when s
// is not a recognized priority.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case string(PriorityLow):
		return PriorityLow
	case string(PriorityNormal):
		return PriorityNormal
	case string(PriorityHigh):
		return PriorityHigh
	case string(PriorityCritical):
		return PriorityCritical
	default:
		return ""
	}
}

// Valid reports whether p is a recognized non-zero priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

type (
	// Event is a typed message routed by the bus.
	Event struct {
		// ID uniquely identifies one publication.
		ID string `json:"id"`

		// Type is the dotted hierarchical event name, e.g. "user.created"
		// or "voice.call.started".
		Type string `json:"event_type"`

		// Data carries the structured payload.
		Data map[string]any `json:"data"`

		// Metadata carries transport-level context such as userID,
		// request_id and session_id.
		Metadata map[string]any `json:"metadata,omitempty"`

		// Timestamp records when the event was created, in UTC.
		Timestamp time.Time `json:"timestamp"`

		// Priority defaults to PriorityNormal.
		Priority Priority `json:"priority"`

		// CorrelationID links related events across topics.
		CorrelationID string `json:"correlation_id,omitempty"`

		// ReplyTo names the topic responses should be published to.
		ReplyTo string `json:"reply_to,omitempty"`

		// TTLSeconds bounds the event's useful lifetime. Zero means the
		// event never expires.
		TTLSeconds int64 `json:"ttl_seconds,omitempty"`
	}

	// Option customizes an event built with New.
	Option func(*Event)
)

// WithID overrides the generated event id.
func WithID(id string) Option {
	return func(e *Event) { e.ID = id }
}

// WithMetadata sets the event metadata map.
func WithMetadata(md map[string]any) Option {
	return func(e *Event) { e.Metadata = md }
}

// WithPriority sets the event priority.
func WithPriority(p Priority) Option {
	return func(e *Event) { e.Priority = p }
}

// WithCorrelationID links the event to a correlation chain.
func WithCorrelationID(id string) Option {
	return func(e *Event) { e.CorrelationID = id }
}

// WithReplyTo names the topic responses should be published to.
func WithReplyTo(topic string) Option {
	return func(e *Event) { e.ReplyTo = topic }
}

// WithTTL bounds the event's lifetime in seconds.
func WithTTL(seconds int64) Option {
	return func(e *Event) { e.TTLSeconds = seconds }
}

// WithTimestamp overrides the creation timestamp. The value is normalized to
// UTC.
func WithTimestamp(t time.Time) Option {
	return func(e *Event) { e.Timestamp = t.UTC() }
}

// New builds an event of the given type. It assigns a fresh id, the current
// UTC time and normal priority; options override any of them.
func New(eventType string, data map[string]any, opts ...Option) Event {
	e := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Expired reports whether the event's TTL has elapsed at the given instant.
// Events without a TTL never expire.
func (e Event) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) > time.Duration(e.TTLSeconds)*time.Second
}

// Attribute resolves a top-level event attribute by its wire name. It backs
// bare-name subscription filters.
func (e Event) Attribute(name string) (any, bool) {
	switch name {
	case "id":
		return e.ID, true
	case "event_type":
		return e.Type, true
	case "priority":
		return string(e.Priority), true
	case "correlation_id":
		return e.CorrelationID, true
	case "reply_to":
		return e.ReplyTo, true
	case "ttl_seconds":
		return e.TTLSeconds, true
	default:
		return nil, false
	}
}

// Marshal encodes the event into its JSON wire form.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an event from its JSON wire form. Missing optional
// fields take their defaults: priority falls back to normal and the
// timestamp is normalized to UTC. Unknown fields are ignored.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}
	if !e.Timestamp.IsZero() {
		e.Timestamp = e.Timestamp.UTC()
	}
	return e, nil
}
