package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/taskd/internal/llm"
	"github.com/fyrsmithlabs/taskd/internal/task"
	"github.com/fyrsmithlabs/taskd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/enrichment"

// Gateway is the LLM surface the pipeline depends on. *llm.Gateway
// satisfies it; tests substitute fakes.
type Gateway interface {
	Classify(ctx context.Context, description string) (llm.Classification, error)
	EstimateTime(ctx context.Context, description string) (llm.TimeEstimate, error)
	RecommendPriority(ctx context.Context, description string) (llm.PriorityRecommendation, error)
}

// Service runs the enrichment pipeline. All dependencies are injected at
// construction; the service reads no ambient globals.
type Service struct {
	repo    task.Repository
	gateway Gateway
	store   vectorstore.Store
	config  Config
	logger  *zap.Logger

	tracer trace.Tracer
	meter  metric.Meter

	runCounter   metric.Int64Counter
	staleCounter metric.Int64Counter
}

// NewService creates the pipeline service.
func NewService(cfg Config, repo task.Repository, gateway Gateway, store vectorstore.Store, logger *zap.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: task repository is required", ErrInvalidConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: llm gateway is required", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: vector store is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SimilarDefaultK <= 0 {
		cfg.SimilarDefaultK = DefaultConfig().SimilarDefaultK
	}

	s := &Service{
		repo:    repo,
		gateway: gateway,
		store:   store,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Service) initMetrics() {
	var err error

	s.runCounter, err = s.meter.Int64Counter(
		"taskd.enrichment.runs_total",
		metric.WithDescription("Total enrichment runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn("failed to create run counter", zap.Error(err))
	}

	s.staleCounter, err = s.meter.Int64Counter(
		"taskd.enrichment.stale_discards_total",
		metric.WithDescription("Enrichment results discarded as stale"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn("failed to create stale counter", zap.Error(err))
	}
}

func (s *Service) countRun(ctx context.Context, outcome string) {
	if s.runCounter != nil {
		s.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// stageOutputs collects the results of the concurrent external calls.
// Guarded by mu because the errgroup goroutines write concurrently.
type stageOutputs struct {
	mu       sync.Mutex
	stages   map[Stage]StageResult
	category *string
	minutes  *int
	priority *task.Priority
}

func (o *stageOutputs) record(stage Stage, raw string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages[stage] = StageResult{Stage: stage, Raw: raw, Err: err}
}

func (o *stageOutputs) skip(stage Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages[stage] = StageResult{Stage: stage, Skipped: true}
}

// Enrich runs the pipeline for one task.
//
// Expected non-failure outcomes surface as errors the caller can test
// with errors.Is: ErrAlreadyRunning when another run holds the task,
// ErrStaleEnrichment when the result was discarded because the
// description changed mid-flight, task.ErrNotFound for unknown tasks.
// Stage failures do NOT surface as an error: the returned Outcome carries
// status failed plus the per-stage causes, and the partially successful
// fields are already persisted.
func (s *Service) Enrich(ctx context.Context, taskID string) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "enrichment.Enrich",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// At-most-one concurrent enrichment per task. The status check is
	// advisory; the CAS transition below is what actually decides races.
	if t.EnrichmentStatus == task.StatusInProgress {
		s.countRun(ctx, "already_running")
		return nil, fmt.Errorf("%w: task %s", ErrAlreadyRunning, taskID)
	}

	startVersion := t.EnrichmentVersion
	t, err = s.repo.TransitionStatus(ctx, taskID, t.EnrichmentStatus, task.StatusInProgress, startVersion)
	if err != nil {
		if errors.Is(err, task.ErrVersionConflict) {
			s.countRun(ctx, "already_running")
			return nil, fmt.Errorf("%w: task %s", ErrAlreadyRunning, taskID)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	description := t.Description
	out := s.runStages(ctx, taskID, description)

	outcome, err := s.merge(ctx, taskID, startVersion, description, out)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("status", outcome.Status.String()))
	return outcome, nil
}

// runStages issues the three LLM calls and the embedding upsert. The
// calls are independent and run concurrently; a failure in one does not
// invalidate the others. Each stage's own retry policy lives below this
// layer (gateway backoff, adapter error taxonomy), so any error seen here
// is already failed-after-retries.
func (s *Service) runStages(ctx context.Context, taskID, description string) *stageOutputs {
	out := &stageOutputs{stages: make(map[Stage]StageResult)}

	g, gctx := errgroup.WithContext(ctx)

	if s.config.Stages.Classify {
		g.Go(func() error {
			res, err := s.gateway.Classify(gctx, description)
			out.record(StageClassify, res.Raw, err)
			if err == nil {
				out.mu.Lock()
				out.category = &res.Label
				out.mu.Unlock()
			}
			return nil
		})
	} else {
		out.skip(StageClassify)
	}

	if s.config.Stages.EstimateTime {
		g.Go(func() error {
			res, err := s.gateway.EstimateTime(gctx, description)
			out.record(StageEstimateTime, res.Raw, err)
			if err == nil {
				out.mu.Lock()
				out.minutes = &res.Minutes
				out.mu.Unlock()
			}
			return nil
		})
	} else {
		out.skip(StageEstimateTime)
	}

	if s.config.Stages.RecommendPriority {
		g.Go(func() error {
			res, err := s.gateway.RecommendPriority(gctx, description)
			out.record(StageRecommendPriority, res.Raw, err)
			if err == nil {
				out.mu.Lock()
				out.priority = &res.Priority
				out.mu.Unlock()
			}
			return nil
		})
	} else {
		out.skip(StageRecommendPriority)
	}

	g.Go(func() error {
		err := s.store.Upsert(gctx, taskID, description)
		out.record(StageEmbed, "", err)
		return nil
	})

	// Goroutines never return errors; failures live in out. A context
	// deadline during the join shows up as per-stage errors, which the
	// merge treats exactly like failed-after-retries.
	_ = g.Wait()
	return out
}

// merge writes derived fields and the final status back to the task in
// one repository update, after re-checking that the description the run
// started from is still current.
func (s *Service) merge(ctx context.Context, taskID string, startVersion int64, description string, out *stageOutputs) (*Outcome, error) {
	current, err := s.repo.Get(ctx, taskID)
	if err != nil {
		s.releaseClaim(ctx, taskID, startVersion)
		return nil, err
	}

	// Stale-write rejection: a description edit bumped the version while
	// we were running. Leave the task alone. It is pending at the newer
	// version and a fresh run will supersede everything we computed.
	if current.EnrichmentVersion != startVersion {
		if s.staleCounter != nil {
			s.staleCounter.Add(ctx, 1)
		}
		s.countRun(ctx, "stale")
		s.logger.Info("discarding stale enrichment result",
			zap.String("task_id", taskID),
			zap.Int64("started_version", startVersion),
			zap.Int64("current_version", current.EnrichmentVersion))
		return nil, fmt.Errorf("%w: task %s version %d superseded by %d",
			ErrStaleEnrichment, taskID, startVersion, current.EnrichmentVersion)
	}

	// Partial-success policy: persist whatever succeeded even when the
	// run as a whole failed.
	if out.category != nil {
		current.Category = out.category
	}
	if out.minutes != nil {
		current.EstimatedMinutes = out.minutes
	}
	if out.priority != nil {
		current.Priority = out.priority
	}

	failed := false
	for _, r := range out.stages {
		if r.Err != nil {
			failed = true
			break
		}
	}

	if failed {
		current.EnrichmentStatus = task.StatusFailed
	} else {
		current.EnrichmentStatus = task.StatusComplete
		current.SourceTextHash = task.HashDescription(description)
	}

	if err := s.repo.Update(ctx, current, startVersion); err != nil {
		if errors.Is(err, task.ErrVersionConflict) {
			// Edit raced between the re-check and the write.
			if s.staleCounter != nil {
				s.staleCounter.Add(ctx, 1)
			}
			s.countRun(ctx, "stale")
			return nil, fmt.Errorf("%w: task %s version %d superseded",
				ErrStaleEnrichment, taskID, startVersion)
		}
		s.releaseClaim(ctx, taskID, startVersion)
		return nil, fmt.Errorf("persisting enrichment for task %s: %w", taskID, err)
	}

	outcome := &Outcome{
		TaskID:  taskID,
		Version: startVersion,
		Status:  current.EnrichmentStatus,
		Task:    current,
		Stages:  out.stages,
	}

	if failed {
		s.countRun(ctx, "failed")
		s.logger.Warn("enrichment finished with failed stages",
			zap.String("task_id", taskID),
			zap.Any("failed_stages", outcome.FailedStages()))
	} else {
		s.countRun(ctx, "complete")
		s.logger.Info("enrichment complete",
			zap.String("task_id", taskID),
			zap.Int64("version", startVersion))
	}
	return outcome, nil
}

// releaseClaim moves a task we could not finish back to failed so a later
// Enrich call is not rejected as already running. Best effort: a CAS loss
// here means a description edit already reset the task.
func (s *Service) releaseClaim(ctx context.Context, taskID string, startVersion int64) {
	if _, err := s.repo.TransitionStatus(ctx, taskID, task.StatusInProgress, task.StatusFailed, startVersion); err != nil {
		s.logger.Warn("failed to release enrichment claim",
			zap.String("task_id", taskID),
			zap.Int64("version", startVersion),
			zap.Error(err))
	}
}

// Delete removes a task and cascades the removal to the vector store so
// no orphaned vectors remain. Deletion itself is a CRUD-layer concern;
// the cascade is the pipeline's responsibility.
func (s *Service) Delete(ctx context.Context, taskID string) error {
	ctx, span := s.tracer.Start(ctx, "enrichment.Delete",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	if err := s.repo.Delete(ctx, taskID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := s.store.Remove(ctx, taskID); err != nil {
		// The structured record is gone; the orphaned vector will also
		// be overwritten or removed by any later write for this id.
		span.RecordError(err)
		s.logger.Error("vector removal failed after task delete",
			zap.String("task_id", taskID), zap.Error(err))
		return fmt.Errorf("removing vector for deleted task %s: %w", taskID, err)
	}
	return nil
}

// Reconcile re-upserts the embedding when the stored source_text_hash no
// longer matches the current description. It closes the consistency
// window left by the two stores not being transactionally joined.
// Returns true when an upsert was performed.
func (s *Service) Reconcile(ctx context.Context, taskID string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "enrichment.Reconcile",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()

	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.EnrichmentStatus != task.StatusComplete || !t.EmbeddingStale() {
		return false, nil
	}

	if err := s.store.Upsert(ctx, taskID, t.Description); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	t.SourceTextHash = task.HashDescription(t.Description)
	if err := s.repo.Update(ctx, t, t.EnrichmentVersion); err != nil {
		if errors.Is(err, task.ErrVersionConflict) {
			// Edited while reconciling; the next enrichment run owns it.
			return true, nil
		}
		return true, err
	}
	s.logger.Info("reconciled stale embedding", zap.String("task_id", taskID))
	return true, nil
}

// Similar returns up to k tasks nearest to the given text.
func (s *Service) Similar(ctx context.Context, text string, k int) ([]vectorstore.Neighbor, error) {
	if k <= 0 {
		k = s.config.SimilarDefaultK
	}
	return s.store.Query(ctx, text, k)
}

// SimilarToTask returns up to k tasks nearest to the given task's
// description, excluding the task itself.
func (s *Service) SimilarToTask(ctx context.Context, taskID string, k int) ([]vectorstore.Neighbor, error) {
	if k <= 0 {
		k = s.config.SimilarDefaultK
	}

	t, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	neighbors, err := s.store.Query(ctx, t.Description, k+1)
	if err != nil {
		return nil, err
	}

	out := make([]vectorstore.Neighbor, 0, k)
	for _, n := range neighbors {
		if n.TaskID == taskID {
			continue
		}
		out = append(out, n)
		if len(out) == k {
			break
		}
	}
	return out, nil
}
