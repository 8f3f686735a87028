package task

import (
	"context"
	"errors"
)

// Sentinel errors for repository operations.
var (
	// ErrNotFound is returned when no task exists with the given ID.
	ErrNotFound = errors.New("task not found")

	// ErrVersionConflict is returned when a compare-and-set update loses:
	// the task's enrichment version (or status, for guarded transitions)
	// changed since the caller read it.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrInvalidTask indicates a task that fails basic validation.
	ErrInvalidTask = errors.New("invalid task")
)

// Repository owns durable structured task records.
//
// Update is a compare-and-set: it only writes if the stored enrichment
// version still equals expectedVersion, otherwise it returns
// ErrVersionConflict. This is the primitive the enrichment pipeline builds
// its at-most-one-runner guarantee and stale-write rejection on.
type Repository interface {
	// Create persists a new task. The task must have an ID and a
	// description; status defaults to pending and version to 0.
	Create(ctx context.Context, t *Task) error

	// Get returns the task with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// Update writes the task's mutable fields if and only if the stored
	// enrichment version equals expectedVersion.
	Update(ctx context.Context, t *Task, expectedVersion int64) error

	// TransitionStatus atomically moves the task from status `from` to
	// status `to`, provided the stored enrichment version still equals
	// expectedVersion. Returns ErrVersionConflict when either check
	// fails. Of two racing transitions from the same observed state,
	// exactly one succeeds.
	TransitionStatus(ctx context.Context, id string, from, to EnrichmentStatus, expectedVersion int64) (*Task, error)

	// UpdateDescription applies a user edit: it replaces the description,
	// bumps the enrichment version, and resets status to pending. Derived
	// fields are retained as best-effort display data.
	UpdateDescription(ctx context.Context, id, description string) (*Task, error)

	// Delete removes the task, or returns ErrNotFound. Callers that hold
	// an embedding for the task must cascade a vector-store removal.
	Delete(ctx context.Context, id string) error

	// List returns all tasks ordered by creation time.
	List(ctx context.Context) ([]*Task, error)
}
