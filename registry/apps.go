package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lightning-runtime/lightning/runtime/store"
)

// AppsContainer names the document container holding application manifests.
const AppsContainer = "apps"

type (
	// App is a registered application manifest: a pointer to a validated
	// plan plus registration metadata. The name doubles as the document
	// id, so registrations are unique per name.
	App struct {
		// Name identifies the application.
		Name string `json:"name"`
		// Description says what the application automates.
		Description string `json:"description,omitempty"`
		// PlanID points at the stored plan backing the application.
		PlanID string `json:"plan_id"`
		// UserID owns the registration and partitions the container.
		UserID string `json:"user_id,omitempty"`
		// RegisteredAt records when the application was registered.
		RegisteredAt time.Time `json:"registered_at"`
	}

	// AppStore persists application manifests through the document store.
	AppStore struct {
		docs store.Typed[App]
	}
)

// NewAppStore returns an app store over the apps container.
func NewAppStore(ds store.DocumentStore) *AppStore {
	return &AppStore{docs: store.NewTyped[App](ds)}
}

// Register stores the manifest. Registering a name twice fails with
// store.ErrConflict.
func (s *AppStore) Register(ctx context.Context, app App) (App, error) {
	if app.Name == "" {
		return App{}, errors.New("app name is required")
	}
	if app.PlanID == "" {
		return App{}, errors.New("app plan id is required")
	}
	if app.RegisteredAt.IsZero() {
		app.RegisteredAt = time.Now().UTC()
	}

	if _, err := s.docs.Create(ctx, app.Name, app.UserID, app); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return App{}, fmt.Errorf("app %q already registered: %w", app.Name, err)
		}
		return App{}, fmt.Errorf("register app %q: %w", app.Name, err)
	}
	return app, nil
}

// Unregister removes the manifest. Unknown names fail with
// store.ErrNotFound.
func (s *AppStore) Unregister(ctx context.Context, name, userID string) error {
	deleted, err := s.docs.Delete(ctx, name, userID)
	if err != nil {
		return fmt.Errorf("unregister app %q: %w", name, err)
	}
	if !deleted {
		return fmt.Errorf("app %q: %w", name, store.ErrNotFound)
	}
	return nil
}

// Get returns the manifest registered under name.
func (s *AppStore) Get(ctx context.Context, name, userID string) (App, error) {
	app, _, err := s.docs.Read(ctx, name, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return App{}, fmt.Errorf("app %q: %w", name, err)
		}
		return App{}, fmt.Errorf("read app %q: %w", name, err)
	}
	return app, nil
}

// List returns every registered manifest sorted by name. An empty userID
// spans all users.
func (s *AppStore) List(ctx context.Context, userID string) ([]App, error) {
	apps, err := s.docs.List(ctx, store.QueryOptions{Partition: userID})
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}
