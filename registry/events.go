package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

// EventNamePrefix is the mandatory prefix of registered event names.
const EventNamePrefix = "event."

// EventCategory classifies how an event participates in plans.
type EventCategory string

const (
	// CategoryInput events arrive from inside the runtime.
	CategoryInput EventCategory = "input"
	// CategoryInternal events connect steps within a plan.
	CategoryInternal EventCategory = "internal"
	// CategoryOutput events leave the runtime.
	CategoryOutput EventCategory = "output"
	// CategoryExternal events originate outside the runtime and carry a
	// trigger kind.
	CategoryExternal EventCategory = "external"
)

// ParseEventCategory converts a string into an EventCategory.
func ParseEventCategory(s string) (EventCategory, error) {
	c := EventCategory(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown event category %q", s)
	}
	return c, nil
}

// Valid reports whether the category is recognized.
func (c EventCategory) Valid() bool {
	switch c {
	case CategoryInput, CategoryInternal, CategoryOutput, CategoryExternal:
		return true
	}
	return false
}

// EventKind names the trigger mechanism of an external event.
type EventKind string

const (
	// KindCron fires on a cron schedule.
	KindCron EventKind = "time.cron"
	// KindInterval fires on a fixed period.
	KindInterval EventKind = "time.interval"
	// KindWebhook fires when an HTTP callback arrives.
	KindWebhook EventKind = "webhook"
	// KindManual fires only when requested explicitly.
	KindManual EventKind = "manual"
)

// ParseEventKind converts a string into an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// Valid reports whether the kind is recognized.
func (k EventKind) Valid() bool {
	switch k {
	case KindCron, KindInterval, KindWebhook, KindManual:
		return true
	}
	return false
}

type (
	// EventDefinition describes one event name plans may reference.
	EventDefinition struct {
		// Name is the registered event name, always prefixed "event.".
		Name string `json:"name"`
		// Category classifies the event's role.
		Category EventCategory `json:"category"`
		// Kind names the trigger mechanism. Present exactly when the
		// category is external.
		Kind EventKind `json:"kind,omitempty"`
		// Schedule holds the cron expression or interval duration for
		// timed kinds.
		Schedule string `json:"schedule,omitempty"`
		// RequiredData lists payload fields the event must carry.
		RequiredData []string `json:"required_data,omitempty"`
	}

	// EventRegistry is the name-keyed event definition table. The zero
	// value is not usable, construct with NewEventRegistry.
	EventRegistry struct {
		logger telemetry.Logger
		mu     sync.RWMutex
		events map[string]EventDefinition
	}
)

// cronParser accepts the standard five-field cron syntax.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// External reports whether the definition describes an external trigger.
func (d EventDefinition) External() bool { return d.Category == CategoryExternal }

// Interval returns the parsed period of a time.interval definition.
func (d EventDefinition) Interval() (time.Duration, error) {
	if d.Kind != KindInterval {
		return 0, fmt.Errorf("event %s is not an interval trigger", d.Name)
	}
	return time.ParseDuration(d.Schedule)
}

// CronSchedule returns the parsed schedule of a time.cron definition.
func (d EventDefinition) CronSchedule() (cron.Schedule, error) {
	if d.Kind != KindCron {
		return nil, fmt.Errorf("event %s is not a cron trigger", d.Name)
	}
	return cronParser.Parse(d.Schedule)
}

// validate rejects definitions plans could never trigger correctly.
func (d EventDefinition) validate() error {
	if !strings.HasPrefix(d.Name, EventNamePrefix) {
		return fmt.Errorf("event name %q must start with %q", d.Name, EventNamePrefix)
	}
	if len(d.Name) == len(EventNamePrefix) {
		return fmt.Errorf("event name %q needs a suffix after %q", d.Name, EventNamePrefix)
	}
	if !d.Category.Valid() {
		return fmt.Errorf("unknown event category %q", d.Category)
	}
	if d.External() != (d.Kind != "") {
		return fmt.Errorf("event %s: kind is required for external events and forbidden otherwise", d.Name)
	}
	if d.Kind != "" && !d.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", d.Kind)
	}
	switch d.Kind {
	case KindCron:
		if _, err := cronParser.Parse(d.Schedule); err != nil {
			return fmt.Errorf("event %s: invalid cron schedule %q: %w", d.Name, d.Schedule, err)
		}
	case KindInterval:
		iv, err := time.ParseDuration(d.Schedule)
		if err != nil {
			return fmt.Errorf("event %s: invalid interval %q: %w", d.Name, d.Schedule, err)
		}
		if iv <= 0 {
			return fmt.Errorf("event %s: interval must be positive, got %s", d.Name, iv)
		}
	default:
		if d.Schedule != "" {
			return fmt.Errorf("event %s: schedule is only valid for timed kinds", d.Name)
		}
	}
	return nil
}

// NewEventRegistry returns an empty event registry. A nil logger disables
// duplicate-registration logging.
func NewEventRegistry(logger telemetry.Logger) *EventRegistry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &EventRegistry{logger: logger, events: map[string]EventDefinition{}}
}

// Register adds the definition. As with tools, the first registration of a
// name wins and later attempts are logged and skipped.
func (r *EventRegistry) Register(ctx context.Context, d EventDefinition) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[d.Name]; ok {
		r.logger.Warn(ctx, "event already registered, keeping first", "event", d.Name)
		return nil
	}
	r.events[d.Name] = d
	return nil
}

// Get returns the definition registered under name.
func (r *EventRegistry) Get(name string) (EventDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.events[name]
	return d, ok
}

// List returns every registered definition sorted by name.
func (r *EventRegistry) List() []EventDefinition {
	return r.filter(func(EventDefinition) bool { return true })
}

// ExternalEvents returns the definitions with category external, sorted by
// name. These are the plan trigger points.
func (r *EventRegistry) ExternalEvents() []EventDefinition {
	return r.filter(EventDefinition.External)
}

func (r *EventRegistry) filter(keep func(EventDefinition) bool) []EventDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []EventDefinition
	for _, d := range r.events {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
