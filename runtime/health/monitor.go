// Package health implements the provider health monitor. The monitor probes
// registered pingers on a fixed interval and keeps a bounded history of
// observations per provider. Observations never feed back into circuit
// breakers; they exist for operators and auto-recovery policies layered on
// top.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/health"

	"github.com/lightning-runtime/lightning/runtime/telemetry"
)

const (
	// DefaultCheckInterval is the time between probe sweeps.
	DefaultCheckInterval = 30 * time.Second

	// DefaultProbeTimeout bounds a single Ping call.
	DefaultProbeTimeout = 10 * time.Second

	// DefaultHistorySize is the per-provider observation ring capacity.
	DefaultHistorySize = 100

	// DefaultDegradedLatency is the probe latency beyond which a healthy
	// provider is reported degraded.
	DefaultDegradedLatency = 2 * time.Second
)

// Status classifies one observation.
type Status string

const (
	// StatusUnknown means the provider has not been probed yet.
	StatusUnknown Status = "unknown"
	// StatusHealthy means the last probe succeeded within budget.
	StatusHealthy Status = "healthy"
	// StatusDegraded means the last probe succeeded but slowly.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the last probe failed.
	StatusUnhealthy Status = "unhealthy"
)

type (
	// Result is one health observation.
	Result struct {
		// Status classifies the observation.
		Status Status `json:"status"`
		// Latency is how long the probe took.
		Latency time.Duration `json:"latency"`
		// Err is the probe error message, empty on success.
		Err string `json:"error,omitempty"`
		// CheckedAt is when the probe completed.
		CheckedAt time.Time `json:"checked_at"`
	}

	// Option configures the monitor.
	Option func(*options)

	options struct {
		checkInterval   time.Duration
		probeTimeout    time.Duration
		historySize     int
		degradedLatency time.Duration
		logger          telemetry.Logger
	}

	// Monitor probes registered providers in the background. Create
	// instances with NewMonitor.
	Monitor struct {
		checkInterval   time.Duration
		probeTimeout    time.Duration
		historySize     int
		degradedLatency time.Duration
		logger          telemetry.Logger

		lifecycle sync.Mutex
		cancel    context.CancelFunc
		done      chan struct{}

		mu      sync.RWMutex
		pingers map[string]health.Pinger
		history map[string][]Result
	}
)

// WithCheckInterval sets the time between probe sweeps.
func WithCheckInterval(d time.Duration) Option {
	return func(o *options) {
		o.checkInterval = d
	}
}

// WithProbeTimeout sets the per-probe deadline.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.probeTimeout = d
	}
}

// WithHistorySize sets the per-provider observation ring capacity.
func WithHistorySize(n int) Option {
	return func(o *options) {
		o.historySize = n
	}
}

// WithDegradedLatency sets the latency beyond which a successful probe is
// reported degraded. Zero disables the classification.
func WithDegradedLatency(d time.Duration) Option {
	return func(o *options) {
		o.degradedLatency = d
	}
}

// WithLogger sets the monitor logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// NewMonitor creates a stopped monitor. Call Start to begin probing.
func NewMonitor(opts ...Option) *Monitor {
	o := &options{
		checkInterval:   DefaultCheckInterval,
		probeTimeout:    DefaultProbeTimeout,
		historySize:     DefaultHistorySize,
		degradedLatency: DefaultDegradedLatency,
		logger:          telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.checkInterval <= 0 {
		o.checkInterval = DefaultCheckInterval
	}
	if o.probeTimeout <= 0 {
		o.probeTimeout = DefaultProbeTimeout
	}
	if o.historySize <= 0 {
		o.historySize = DefaultHistorySize
	}
	return &Monitor{
		checkInterval:   o.checkInterval,
		probeTimeout:    o.probeTimeout,
		historySize:     o.historySize,
		degradedLatency: o.degradedLatency,
		logger:          o.logger,
		pingers:         make(map[string]health.Pinger),
		history:         make(map[string][]Result),
	}
}

// Register adds a provider to the probe set. Re-registering a name replaces
// the pinger and keeps its history.
func (m *Monitor) Register(p health.Pinger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingers[p.Name()] = p
}

// Unregister removes a provider and its history.
func (m *Monitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pingers, name)
	delete(m.history, name)
}

// Start launches the probe loop. Idempotent.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(runCtx, m.done)
	m.logger.Info(ctx, "health monitor started", "interval", m.checkInterval.String())
	return nil
}

// Stop terminates the probe loop and awaits it. Idempotent.
func (m *Monitor) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil
	m.logger.Info(ctx, "health monitor stopped")
	return nil
}

func (m *Monitor) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow probes every registered provider once.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.RLock()
	pingers := make([]health.Pinger, 0, len(m.pingers))
	for _, p := range m.pingers {
		pingers = append(pingers, p)
	}
	m.mu.RUnlock()

	for _, p := range pingers {
		if ctx.Err() != nil {
			return
		}
		res := m.probe(ctx, p)
		m.record(p.Name(), res)
		if res.Status == StatusUnhealthy {
			m.logger.Warn(ctx, "provider unhealthy", "provider", p.Name(), "error", res.Err, "latency", res.Latency.String())
		}
	}
}

func (m *Monitor) probe(ctx context.Context, p health.Pinger) Result {
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	start := time.Now()
	err := safePing(pctx, p)
	latency := time.Since(start)

	res := Result{Latency: latency, CheckedAt: time.Now().UTC()}
	switch {
	case err != nil:
		res.Status = StatusUnhealthy
		res.Err = err.Error()
	case m.degradedLatency > 0 && latency > m.degradedLatency:
		res.Status = StatusDegraded
	default:
		res.Status = StatusHealthy
	}
	return res
}

func safePing(ctx context.Context, p health.Pinger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panic: %v", r)
		}
	}()
	return p.Ping(ctx)
}

func (m *Monitor) record(name string, res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pingers[name]; !ok {
		return
	}
	ring := m.history[name]
	if len(ring) >= m.historySize {
		ring = ring[1:]
	}
	m.history[name] = append(ring, res)
}

// Latest returns the newest observation for the provider. Registered but
// never-probed providers report StatusUnknown. The second return is false
// for unregistered names.
func (m *Monitor) Latest(name string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.pingers[name]; !ok {
		return Result{}, false
	}
	ring := m.history[name]
	if len(ring) == 0 {
		return Result{Status: StatusUnknown}, true
	}
	return ring[len(ring)-1], true
}

// History returns the provider's observations, oldest first.
func (m *Monitor) History(name string) []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ring := m.history[name]
	out := make([]Result, len(ring))
	copy(out, ring)
	return out
}

// Overall folds the latest observation of every registered provider into a
// single status. Unhealthy dominates, then degraded, then unknown. A
// monitor with no providers is unknown.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.pingers) == 0 {
		return StatusUnknown
	}
	overall := StatusHealthy
	for name := range m.pingers {
		ring := m.history[name]
		status := StatusUnknown
		if len(ring) > 0 {
			status = ring[len(ring)-1].Status
		}
		switch status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		case StatusUnknown:
			if overall == StatusHealthy {
				overall = StatusUnknown
			}
		}
	}
	return overall
}

// Providers returns the registered provider names.
func (m *Monitor) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pingers))
	for name := range m.pingers {
		out = append(out, name)
	}
	return out
}
