// Package task defines the task model and its durable repository.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Priority is the recommended priority of a task, ordered from least to
// most urgent.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is one of the known priority values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank returns the ordering of the priority (low=0 .. urgent=3), or -1 for
// unknown values.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	}
	return -1
}

func (p Priority) String() string { return string(p) }

// EnrichmentStatus tracks where a task is in the AI-enrichment lifecycle.
//
// Transitions: pending -> in_progress -> {complete | failed}. A description
// edit or an explicit retry moves failed (or complete) back to pending.
type EnrichmentStatus string

const (
	StatusPending    EnrichmentStatus = "pending"
	StatusInProgress EnrichmentStatus = "in_progress"
	StatusComplete   EnrichmentStatus = "complete"
	StatusFailed     EnrichmentStatus = "failed"
)

// Valid reports whether s is one of the known status values.
func (s EnrichmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete, StatusFailed:
		return true
	}
	return false
}

func (s EnrichmentStatus) String() string { return string(s) }

// Task is a structured task record. The CRUD layer creates tasks with
// EnrichmentStatus pending; only the enrichment pipeline writes the
// AI-derived fields (Category, EstimatedMinutes, Priority, SourceTextHash).
type Task struct {
	// ID is the unique, immutable task identifier.
	ID string `json:"id"`

	// Description is the user-supplied task text. Editing it resets
	// EnrichmentStatus to pending and bumps EnrichmentVersion.
	Description string `json:"description"`

	// Category is the AI-classified label. Nil until classified.
	Category *string `json:"category,omitempty"`

	// EstimatedMinutes is the AI-estimated completion time. Nil until
	// estimated; never negative.
	EstimatedMinutes *int `json:"estimated_minutes,omitempty"`

	// Priority is the AI-recommended priority. Nil until recommended.
	Priority *Priority `json:"priority,omitempty"`

	// EnrichmentStatus is the pipeline state for this task.
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status"`

	// EnrichmentVersion increments each time the description changes and
	// re-enrichment is triggered. In-flight enrichments compare against it
	// to reject stale writes.
	EnrichmentVersion int64 `json:"enrichment_version"`

	// SourceTextHash is the hash of the description the current embedding
	// was computed from. Empty until the first successful enrichment. A
	// mismatch with HashDescription(Description) means the embedding is
	// stale and a reconcile is owed.
	SourceTextHash string `json:"source_text_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Enriched reports whether all AI-derived structured fields are present.
func (t *Task) Enriched() bool {
	return t.Category != nil && t.EstimatedMinutes != nil && t.Priority != nil
}

// EmbeddingStale reports whether the stored embedding no longer corresponds
// to the current description.
func (t *Task) EmbeddingStale() bool {
	return t.SourceTextHash != "" && t.SourceTextHash != HashDescription(t.Description)
}

// HashDescription returns the canonical hash used to detect embedding
// staleness (hex-encoded SHA-256 of the description).
func HashDescription(description string) string {
	sum := sha256.Sum256([]byte(description))
	return hex.EncodeToString(sum[:])
}
