package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lightning-runtime/lightning/runtime/store"
)

// PlansContainer names the document container holding plans.
const PlansContainer = "plans"

type (
	// Saved is a stored plan together with its document identity.
	Saved struct {
		// ID is the plan document id.
		ID string `json:"id"`
		// UserID owns the plan and partitions the container.
		UserID string `json:"user_id,omitempty"`
		// CreatedAt is the storage timestamp.
		CreatedAt time.Time `json:"created_at"`
		// Plan is the stored document.
		Plan Plan `json:"plan"`
	}

	// Store persists plans through the document store. Plans are
	// immutable once saved: revisions become new documents pointing back
	// at their source.
	Store struct {
		docs  store.DocumentStore
		typed store.Typed[Plan]
	}
)

// NewStore returns a plan store over the plans container.
func NewStore(ds store.DocumentStore) *Store {
	return &Store{docs: ds, typed: store.NewTyped[Plan](ds)}
}

// Save stores the plan under a fresh id and returns it.
func (s *Store) Save(ctx context.Context, userID string, p Plan) (string, error) {
	if p.PlanName == "" {
		return "", errors.New("plan name is required")
	}
	id := "plan-" + uuid.NewString()
	if _, err := s.typed.Create(ctx, id, userID, p); err != nil {
		return "", fmt.Errorf("save plan %q: %w", p.PlanName, err)
	}
	return id, nil
}

// Get returns the plan stored under id.
func (s *Store) Get(ctx context.Context, id, userID string) (Saved, error) {
	p, doc, err := s.typed.Read(ctx, id, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Saved{}, fmt.Errorf("plan %q: %w", id, err)
		}
		return Saved{}, fmt.Errorf("read plan %q: %w", id, err)
	}
	return saved(doc, p), nil
}

// GetByInstruction returns the newest plan generated for the instruction.
func (s *Store) GetByInstruction(ctx context.Context, instructionID string) (Saved, error) {
	docs, err := s.docs.Query(ctx, store.Criteria{"instruction_id": instructionID}, store.QueryOptions{})
	if err != nil {
		return Saved{}, fmt.Errorf("query plans for instruction %q: %w", instructionID, err)
	}
	if len(docs) == 0 {
		return Saved{}, fmt.Errorf("no plan for instruction %q: %w", instructionID, store.ErrNotFound)
	}

	newest := docs[0]
	for _, doc := range docs[1:] {
		if doc.CreatedAt.After(newest.CreatedAt) {
			newest = doc
		}
	}
	p, err := store.Decode[Plan](newest.Data)
	if err != nil {
		return Saved{}, err
	}
	return saved(newest, p), nil
}

// List returns every stored plan, newest first. An empty userID spans all
// users.
func (s *Store) List(ctx context.Context, userID string) ([]Saved, error) {
	docs, err := s.docs.ListAll(ctx, store.QueryOptions{Partition: userID})
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	out := make([]Saved, 0, len(docs))
	for _, doc := range docs {
		p, err := store.Decode[Plan](doc.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, saved(doc, p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes the plan stored under id. Unknown ids fail with
// store.ErrNotFound.
func (s *Store) Delete(ctx context.Context, id, userID string) error {
	deleted, err := s.typed.Delete(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("delete plan %q: %w", id, err)
	}
	if !deleted {
		return fmt.Errorf("plan %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// SaveRevision stores revised as a new plan document linked back to the
// source. The source plan is retained; its instruction decoration carries
// over when the revision does not set its own.
func (s *Store) SaveRevision(ctx context.Context, userID, planID, critique string, revised Plan) (string, error) {
	source, err := s.Get(ctx, planID, userID)
	if err != nil {
		return "", err
	}

	revised.RevisedFrom = planID
	revised.RevisionReason = critique
	if revised.InstructionID == "" {
		revised.InstructionID = source.Plan.InstructionID
		revised.InstructionName = source.Plan.InstructionName
	}
	return s.Save(ctx, userID, revised)
}

func saved(doc store.Document, p Plan) Saved {
	return Saved{ID: doc.ID, UserID: doc.PartitionKey, CreatedAt: doc.CreatedAt, Plan: p}
}
