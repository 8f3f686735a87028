// Package vectorstore stores task description embeddings and serves
// nearest-neighbor queries over them.
//
// The store is a derived, reconcilable cache: the relational task record is
// the source of truth, and any embedding can be recomputed from the task's
// current description. Implementations are keyed by task ID with
// last-write-wins semantics; staleness is tracked by the task's
// source_text_hash, not by the store.
package vectorstore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for vector store operations.
var (
	// ErrVectorStoreUnavailable indicates the vector backend could not be
	// reached. Distinct from llm.ErrLLMUnavailable so callers can apply
	// independent retry policy.
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid vector store configuration")

	// ErrEmptyText indicates an empty text for upsert or query.
	ErrEmptyText = errors.New("empty text")
)

// Neighbor is one nearest-neighbor query result. Distance is 1 - cosine
// similarity: zero for identical direction, growing as similarity drops.
type Neighbor struct {
	TaskID   string  `json:"task_id"`
	Distance float32 `json:"distance"`
}

// Transient backend failures during writes are retried locally before
// surfacing, with the same attempt bound the LLM gateway applies.
const (
	retryMaxAttempts = 3
	retryBackoffBase = 200 * time.Millisecond
)

// retrySleep is a variable for testing purposes (allows capturing delays).
var retrySleep = func(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry runs op up to retryMaxAttempts times with doubling backoff.
// Returns the last error once attempts are exhausted, or the context
// error if the deadline expires while waiting.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		if attempt > 1 {
			if serr := retrySleep(ctx, retryBackoffBase<<(attempt-2)); serr != nil {
				return serr
			}
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}

// Store is the embedding store adapter interface.
type Store interface {
	// Upsert computes (or delegates) the embedding for text and stores it
	// keyed by taskID, overwriting any prior vector for that ID.
	Upsert(ctx context.Context, taskID, text string) error

	// Query embeds text and returns up to k neighbors, nearest first.
	Query(ctx context.Context, text string, k int) ([]Neighbor, error)

	// QueryVector returns up to k neighbors of a raw vector, nearest first.
	QueryVector(ctx context.Context, vector []float32, k int) ([]Neighbor, error)

	// Remove deletes the vector for taskID. Removing an absent ID is not
	// an error.
	Remove(ctx context.Context, taskID string) error

	// Close releases backend resources.
	Close() error
}
