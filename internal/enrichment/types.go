package enrichment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskd/internal/task"
)

// Sentinel errors for pipeline outcomes. AlreadyRunning and stale
// rejection are expected results under concurrency, not true failures;
// callers must be able to tell them apart from backend errors.
var (
	// ErrAlreadyRunning is returned when an enrichment is already in
	// flight for the task.
	ErrAlreadyRunning = errors.New("enrichment already running")

	// ErrStaleEnrichment is returned when an in-flight enrichment
	// discards its result because the task's description was edited
	// after it started.
	ErrStaleEnrichment = errors.New("enrichment result stale, discarded")

	// ErrInvalidConfig indicates invalid pipeline configuration.
	ErrInvalidConfig = errors.New("invalid enrichment configuration")
)

// Stage identifies one of the pipeline's four external operations.
type Stage string

const (
	StageClassify          Stage = "classify"
	StageEstimateTime      Stage = "estimate_time"
	StageRecommendPriority Stage = "recommend_priority"
	StageEmbed             Stage = "embed"
)

// StageResult is the per-stage diagnostic record of a pipeline run.
type StageResult struct {
	Stage Stage `json:"stage"`

	// Skipped is true when the stage was disabled by configuration.
	Skipped bool `json:"skipped,omitempty"`

	// Err is the stage's failure after its own retries were exhausted,
	// nil on success.
	Err error `json:"-"`

	// Raw is the backend's unparsed reply, kept for diagnostics.
	Raw string `json:"raw,omitempty"`
}

// MarshalJSON carries the failure message, which the error interface
// itself does not survive encoding/json.
func (r StageResult) MarshalJSON() ([]byte, error) {
	type alias StageResult
	out := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Outcome is the result of one pipeline run, successful or not.
type Outcome struct {
	TaskID string `json:"task_id"`

	// Version is the enrichment version the run started from.
	Version int64 `json:"version"`

	// Status is the task's status after the run: complete or failed.
	Status task.EnrichmentStatus `json:"status"`

	// Task is the persisted task after the merge.
	Task *task.Task `json:"task"`

	// Stages holds the per-stage results, including skipped stages.
	Stages map[Stage]StageResult `json:"stages"`
}

// FailedStages returns the stages that failed, in a stable order.
func (o *Outcome) FailedStages() []Stage {
	var failed []Stage
	for _, s := range []Stage{StageClassify, StageEstimateTime, StageRecommendPriority, StageEmbed} {
		if r, ok := o.Stages[s]; ok && r.Err != nil {
			failed = append(failed, s)
		}
	}
	return failed
}

// Err summarizes the stage failures of a failed run, nil for a fully
// successful one.
func (o *Outcome) Err() error {
	failed := o.FailedStages()
	if len(failed) == 0 {
		return nil
	}
	parts := make([]string, len(failed))
	for i, s := range failed {
		parts[i] = fmt.Sprintf("%s: %s", s, o.Stages[s].Err)
	}
	return fmt.Errorf("enrichment stages failed: %s", strings.Join(parts, "; "))
}

// StagesConfig enables or disables individual enrichment stages. The
// embedding upsert is always performed; only the LLM stages are optional.
type StagesConfig struct {
	Classify          bool
	EstimateTime      bool
	RecommendPriority bool
}

// Config holds pipeline configuration.
type Config struct {
	Stages StagesConfig

	// SimilarDefaultK is the default neighbor count for similarity
	// queries when the caller passes k <= 0.
	SimilarDefaultK int
}

// DefaultConfig returns a configuration with all stages enabled.
func DefaultConfig() Config {
	return Config{
		Stages: StagesConfig{
			Classify:          true,
			EstimateTime:      true,
			RecommendPriority: true,
		},
		SimilarDefaultK: 5,
	}
}
