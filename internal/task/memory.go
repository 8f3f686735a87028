package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// MemoryRepository is an in-memory Repository backed by a map. It is used
// in tests and in dev mode where no Postgres is configured. Safe for
// concurrent use.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*Task)}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Create(_ context.Context, t *Task) error {
	if t == nil || t.ID == "" || t.Description == "" {
		return fmt.Errorf("%w: id and description required", ErrInvalidTask)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[t.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidTask, t.ID)
	}

	cp := *t
	if cp.EnrichmentStatus == "" {
		cp.EnrichmentStatus = StatusPending
	}
	now := timeNow()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	r.tasks[t.ID] = &cp
	*t = cp
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *stored
	return &cp, nil
}

func (r *MemoryRepository) Update(_ context.Context, t *Task, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tasks[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	if stored.EnrichmentVersion != expectedVersion {
		return fmt.Errorf("%w: expected version %d, have %d",
			ErrVersionConflict, expectedVersion, stored.EnrichmentVersion)
	}

	cp := *t
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = timeNow()
	r.tasks[t.ID] = &cp
	*t = cp
	return nil
}

func (r *MemoryRepository) TransitionStatus(_ context.Context, id string, from, to EnrichmentStatus, expectedVersion int64) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if stored.EnrichmentVersion != expectedVersion {
		return nil, fmt.Errorf("%w: expected version %d, have %d",
			ErrVersionConflict, expectedVersion, stored.EnrichmentVersion)
	}
	if stored.EnrichmentStatus != from {
		return nil, fmt.Errorf("%w: expected status %s, have %s",
			ErrVersionConflict, from, stored.EnrichmentStatus)
	}

	stored.EnrichmentStatus = to
	stored.UpdatedAt = timeNow()
	cp := *stored
	return &cp, nil
}

func (r *MemoryRepository) UpdateDescription(_ context.Context, id, description string) (*Task, error) {
	if description == "" {
		return nil, fmt.Errorf("%w: description required", ErrInvalidTask)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	stored.Description = description
	stored.EnrichmentVersion++
	stored.EnrichmentStatus = StatusPending
	stored.UpdatedAt = timeNow()

	cp := *stored
	return &cp, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.tasks, id)
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
