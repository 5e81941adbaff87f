package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lightning-runtime/lightning/registry"
	"github.com/lightning-runtime/lightning/runtime/store"
	"github.com/lightning-runtime/lightning/runtime/store/inmem"
)

func TestAppRegisterGetList(t *testing.T) {
	apps := registry.NewAppStore(inmem.NewStore())
	ctx := context.Background()

	registered, err := apps.Register(ctx, registry.App{
		Name:        "voicemail-digest",
		Description: "Summarize missed calls every morning",
		PlanID:      "plan-123",
		UserID:      "user-1",
	})
	require.NoError(t, err)
	require.False(t, registered.RegisteredAt.IsZero())

	got, err := apps.Get(ctx, "voicemail-digest", "user-1")
	require.NoError(t, err)
	require.Equal(t, "plan-123", got.PlanID)

	_, err = apps.Register(ctx, registry.App{Name: "inbox-triage", PlanID: "plan-456", UserID: "user-2"})
	require.NoError(t, err)

	all, err := apps.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "inbox-triage", all[0].Name)

	mine, err := apps.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, "voicemail-digest", mine[0].Name)
}

func TestAppRegisterConflict(t *testing.T) {
	apps := registry.NewAppStore(inmem.NewStore())
	ctx := context.Background()

	_, err := apps.Register(ctx, registry.App{Name: "voicemail-digest", PlanID: "plan-123"})
	require.NoError(t, err)

	_, err = apps.Register(ctx, registry.App{Name: "voicemail-digest", PlanID: "plan-999"})
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestAppRegisterValidation(t *testing.T) {
	apps := registry.NewAppStore(inmem.NewStore())
	ctx := context.Background()

	_, err := apps.Register(ctx, registry.App{PlanID: "plan-123"})
	require.Error(t, err)

	_, err = apps.Register(ctx, registry.App{Name: "nameless-plan"})
	require.Error(t, err)
}

func TestAppUnregister(t *testing.T) {
	apps := registry.NewAppStore(inmem.NewStore())
	ctx := context.Background()

	_, err := apps.Register(ctx, registry.App{Name: "voicemail-digest", PlanID: "plan-123"})
	require.NoError(t, err)

	require.NoError(t, apps.Unregister(ctx, "voicemail-digest", ""))
	require.ErrorIs(t, apps.Unregister(ctx, "voicemail-digest", ""), store.ErrNotFound)

	_, err = apps.Get(ctx, "voicemail-digest", "")
	require.ErrorIs(t, err, store.ErrNotFound)
}
