// Package breaker implements a per-provider circuit breaker. The breaker
// tracks consecutive failures in the closed state, rejects calls while open,
// and probes with a bounded number of concurrent calls while half-open.
// Admission decisions and counter updates run inside the breaker mutex; the
// guarded call itself runs outside it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrOpen is returned when the breaker rejects a call.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open probe budget is
	// exhausted. It wraps ErrOpen so callers can treat both uniformly.
	ErrTooManyRequests = fmt.Errorf("too many half-open requests: %w", ErrOpen)
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens
	// the breaker.
	DefaultFailureThreshold = 5

	// DefaultSuccessThreshold is the half-open success count that closes
	// the breaker.
	DefaultSuccessThreshold = 2

	// DefaultTimeout is how long the breaker stays open before admitting
	// a probe.
	DefaultTimeout = 60 * time.Second

	// DefaultHalfOpenRequestLimit bounds concurrent half-open probes.
	DefaultHalfOpenRequestLimit = 1
)

// State is the breaker state.
type State int

const (
	// Closed admits every call.
	Closed State = iota
	// Open rejects every call until the timeout elapses.
	Open
	// HalfOpen admits a bounded number of concurrent probe calls.
	HalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type (
	// Options configures a breaker. Zero fields take the defaults above.
	Options struct {
		// Name identifies the breaker in logs and state-change hooks.
		Name string

		// FailureThreshold is the consecutive-failure count that moves
		// the breaker from closed to open.
		FailureThreshold int

		// SuccessThreshold is the success count that moves the breaker
		// from half-open back to closed.
		SuccessThreshold int

		// Timeout is how long the breaker stays open before the next
		// call is admitted as a half-open probe.
		Timeout time.Duration

		// HalfOpenRequestLimit bounds concurrent in-flight probes while
		// half-open; calls beyond it fail with ErrTooManyRequests.
		HalfOpenRequestLimit int

		// OnStateChange, when set, is invoked on every transition. The
		// hook runs with the breaker mutex held and must not call back
		// into the breaker.
		OnStateChange func(name string, from, to State)

		// IsSuccessful classifies a call outcome. It lets callers keep
		// expected errors such as not-found from counting as provider
		// failures. Defaults to err == nil.
		IsSuccessful func(err error) bool

		// Clock overrides the time source.
		Clock func() time.Time
	}

	// Counts is a snapshot of the breaker counters.
	Counts struct {
		// Failures is the consecutive-failure count while closed.
		Failures int
		// Successes is the probe success count while half-open.
		Successes int
		// HalfOpenInFlight is the number of admitted probes not yet
		// settled.
		HalfOpenInFlight int
	}

	// Breaker is a circuit breaker. Create instances with New.
	Breaker struct {
		name          string
		failureLimit  int
		successLimit  int
		timeout       time.Duration
		halfOpenLimit int
		onStateChange func(name string, from, to State)
		isSuccessful  func(err error) bool
		now           func() time.Time

		mu          sync.Mutex
		state       State
		generation  uint64
		counts      Counts
		lastFailure time.Time
	}
)

// New constructs a closed breaker.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = DefaultSuccessThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HalfOpenRequestLimit <= 0 {
		opts.HalfOpenRequestLimit = DefaultHalfOpenRequestLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.IsSuccessful == nil {
		opts.IsSuccessful = func(err error) bool { return err == nil }
	}
	return &Breaker{
		name:          opts.Name,
		failureLimit:  opts.FailureThreshold,
		successLimit:  opts.SuccessThreshold,
		timeout:       opts.Timeout,
		halfOpenLimit: opts.HalfOpenRequestLimit,
		onStateChange: opts.OnStateChange,
		isSuccessful:  opts.IsSuccessful,
		now:           opts.Clock,
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. It does not advance the open timeout;
// that happens when the next call is admitted.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a snapshot of the counters.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn under the breaker. Rejected calls fail with ErrOpen (or
// ErrTooManyRequests while half-open) without invoking fn. fn's error is
// returned as-is and recorded as the call outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gen, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.settle(gen, b.isSuccessful(err))
	return err
}

// Call runs fn under the breaker and returns its value. Rejected or failed
// calls return the zero value alongside the error.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// admit decides whether a call may proceed and returns the generation the
// decision was made under so stale outcomes can be discarded.
func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return b.generation, nil
	case Open:
		if b.now().Sub(b.lastFailure) < b.timeout {
			return 0, ErrOpen
		}
		b.transition(HalfOpen)
		b.counts.HalfOpenInFlight++
		return b.generation, nil
	default: // HalfOpen
		if b.counts.HalfOpenInFlight >= b.halfOpenLimit {
			return 0, ErrTooManyRequests
		}
		b.counts.HalfOpenInFlight++
		return b.generation, nil
	}
}

// settle records the outcome of a call admitted under gen. Outcomes from a
// generation that has since transitioned are ignored; their counters were
// reset by the transition.
func (b *Breaker) settle(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}

	switch b.state {
	case Closed:
		if success {
			b.counts.Failures = 0
			return
		}
		b.counts.Failures++
		if b.counts.Failures >= b.failureLimit {
			b.lastFailure = b.now()
			b.transition(Open)
		}
	case HalfOpen:
		b.counts.HalfOpenInFlight--
		if success {
			b.counts.Successes++
			if b.counts.Successes >= b.successLimit {
				b.transition(Closed)
			}
			return
		}
		b.lastFailure = b.now()
		b.transition(Open)
	}
}

// transition moves to the target state, bumps the generation and resets the
// counters. Callers hold the mutex.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.counts = Counts{}
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}
