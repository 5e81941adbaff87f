package trigger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lightning-runtime/lightning/registry"
	businmem "github.com/lightning-runtime/lightning/runtime/bus/inmem"
	"github.com/lightning-runtime/lightning/runtime/event"
	"github.com/lightning-runtime/lightning/runtime/trigger"
)

func newBus(t *testing.T) *businmem.Bus {
	t.Helper()
	b := businmem.New(businmem.Options{})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func newEvents(t *testing.T, defs ...registry.EventDefinition) *registry.EventRegistry {
	t.Helper()
	r := registry.NewEventRegistry(nil)
	for _, d := range defs {
		require.NoError(t, r.Register(context.Background(), d))
	}
	return r
}

func TestIntervalEventsFire(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	events := newEvents(t, registry.EventDefinition{
		Name:     "event.tick.fast",
		Category: registry.CategoryExternal,
		Kind:     registry.KindInterval,
		Schedule: "20ms",
	})

	var mu sync.Mutex
	var got []event.Event
	_, err := b.Subscribe(ctx, "event.tick.fast", func(_ context.Context, evt event.Event) error {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	s, err := trigger.New(trigger.Options{Bus: b, Events: events})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	first := got[0]
	mu.Unlock()
	raw, ok := first.Data["scheduled_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, raw)
	require.NoError(t, err)

	require.NoError(t, s.Stop(ctx))
	time.Sleep(50 * time.Millisecond) // drain deliveries already published
	mu.Lock()
	settled := len(got)
	mu.Unlock()
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	after := len(got)
	mu.Unlock()
	require.Equal(t, settled, after)
}

func TestOnlyTimedKindsAreArmed(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	events := newEvents(t,
		registry.EventDefinition{Name: "event.daily.report", Category: registry.CategoryExternal, Kind: registry.KindCron, Schedule: "0 9 * * *"},
		registry.EventDefinition{Name: "event.sync.poll", Category: registry.CategoryExternal, Kind: registry.KindInterval, Schedule: "1h"},
		registry.EventDefinition{Name: "event.github.push", Category: registry.CategoryExternal, Kind: registry.KindWebhook},
		registry.EventDefinition{Name: "event.run.now", Category: registry.CategoryExternal, Kind: registry.KindManual},
		registry.EventDefinition{Name: "event.step.done", Category: registry.CategoryInternal},
	)

	s, err := trigger.New(trigger.Options{Bus: b, Events: events})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.Equal(t, 2, s.Armed())
}

func TestStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	events := newEvents(t, registry.EventDefinition{
		Name:     "event.sync.poll",
		Category: registry.CategoryExternal,
		Kind:     registry.KindInterval,
		Schedule: "1h",
	})

	s, err := trigger.New(trigger.Options{Bus: b, Events: events})
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	require.Equal(t, 1, s.Armed())

	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	require.Zero(t, s.Armed())

	// A stopped scheduler can be rearmed.
	require.NoError(t, s.Start(ctx))
	require.Equal(t, 1, s.Armed())
	require.NoError(t, s.Stop(ctx))
}

func TestNewRequiresBus(t *testing.T) {
	_, err := trigger.New(trigger.Options{})
	require.ErrorContains(t, err, "bus is required")
}
