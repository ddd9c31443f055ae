package engine

import (
	"context"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// JobKind distinguishes the bulk synchronization job types that may be
// defined for the same tenant.
type JobKind string

// Item is one unit of remote work enumerated from the external collection.
type Item interface {
	ItemID() string
}

// PagedSource yields the full, flattened working set for a run. Each call
// re-enumerates from the beginning; the source holds no state across calls,
// and callers filter against the checkpoint's processed set.
type PagedSource[T Item] interface {
	Enumerate(ctx context.Context) ([]T, error)
}

// Synchronizer is the per-item strategy for a job kind. Process must be
// idempotent: replaying an item that was processed but not yet checkpointed
// has to converge on the same local state.
type Synchronizer[T Item] interface {
	// Describe returns a short human readable label for operator messages.
	Describe() string

	// Validate checks fatal preconditions once, before the loop starts.
	// An error aborts the whole run before any item is processed.
	Validate(ctx context.Context) error

	// Process applies the item. An error marks the item failed; it never
	// aborts the run.
	Process(ctx context.Context, item T) error
}

// CheckpointStore persists run progress per (tenant, job kind).
// LoadCheckpoint returns nil when no checkpoint exists.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, tenantID string, kind JobKind) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	ClearCheckpoint(ctx context.Context, tenantID string, kind JobKind) error
}

// Notifier delivers operator-facing status text. Both methods are best
// effort from the engine's point of view.
type Notifier interface {
	SendMessage(ctx context.Context, text string) (string, error)
	EditMessage(ctx context.Context, handle string, text string) error
}

// Checkpoint records which items a job has already handled. A checkpoint
// exists exactly while a job for its (tenant, kind) pair is incomplete.
// Both sets only ever grow; Failed is always a subset of Processed.
type Checkpoint struct {
	TenantID  string
	Kind      JobKind
	Processed mapset.Set[string]
	Failed    mapset.Set[string]
	UpdatedAt time.Time
}

func NewCheckpoint(tenantID string, kind JobKind) *Checkpoint {
	return &Checkpoint{
		TenantID:  tenantID,
		Kind:      kind,
		Processed: mapset.NewSet[string](),
		Failed:    mapset.NewSet[string](),
	}
}

// MarkProcessed records a successfully handled item.
func (c *Checkpoint) MarkProcessed(id string) {
	c.Processed.Add(id)
}

// MarkFailed records a permanently failed item. Failed items still count as
// processed so that a later run does not retry them automatically.
func (c *Checkpoint) MarkFailed(id string) {
	c.Processed.Add(id)
	c.Failed.Add(id)
}
