package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/embeddings"
)

var chromemTracer = otel.Tracer("taskd.vectorstore.chromem")

// ChromemConfig holds configuration for the chromem-go embedded store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means in-memory
	// (tests, dev mode).
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// Collection is the collection name tasks are stored in.
	// Default: "tasks"
	Collection string
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Collection == "" {
		c.Collection = "tasks"
	}
}

// ChromemStore implements Store using chromem-go, an embeddable vector
// database. No external service is needed; persistence is gob files on
// disk.
type ChromemStore struct {
	db       *chromem.DB
	embedder embeddings.Provider
	config   ChromemConfig
	logger   *zap.Logger

	// mu serializes the delete+add pair inside Upsert so concurrent
	// upserts for the same task cannot interleave.
	mu sync.Mutex
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, embedder embeddings.Provider, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	return &ChromemStore{
		db:       db,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}, nil
}

var _ Store = (*ChromemStore)(nil)

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

func (s *ChromemStore) collection() (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(s.config.Collection, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("%w: getting collection %s: %s",
			ErrVectorStoreUnavailable, s.config.Collection, err)
	}
	return col, nil
}

func (s *ChromemStore) Upsert(ctx context.Context, taskID, text string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	if taskID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidConfig)
	}
	if text == "" {
		return ErrEmptyText
	}

	// Embedding goes over the network; the write itself is local. Both
	// sit inside the retry so a transient embedder failure does not
	// surface after a single attempt.
	err := withRetry(ctx, func() error {
		vector, err := s.embedder.EmbedQuery(ctx, text)
		if err != nil {
			return fmt.Errorf("embedding task %s: %w", taskID, err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		col, err := s.collection()
		if err != nil {
			return err
		}

		// Last-write-wins: drop any prior vector for this task before adding.
		if err := col.Delete(ctx, nil, nil, taskID); err != nil {
			s.logger.Debug("no prior vector to delete",
				zap.String("task_id", taskID), zap.Error(err))
		}

		doc := chromem.Document{
			ID:        taskID,
			Content:   text,
			Embedding: vector,
		}
		if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
			return fmt.Errorf("%w: adding vector for task %s: %s",
				ErrVectorStoreUnavailable, taskID, err)
		}

		s.logger.Debug("upserted task embedding",
			zap.String("task_id", taskID),
			zap.Int("dimension", len(vector)))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *ChromemStore) Query(ctx context.Context, text string, k int) ([]Neighbor, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.QueryVector(ctx, vector, k)
}

func (s *ChromemStore) QueryVector(ctx context.Context, vector []float32, k int) ([]Neighbor, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	col, err := s.collection()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// chromem requires nResults <= doc count.
	count := col.Count()
	if count == 0 {
		return []Neighbor{}, nil
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: querying: %s", ErrVectorStoreUnavailable, err)
	}

	neighbors := make([]Neighbor, len(results))
	for i, r := range results {
		neighbors[i] = Neighbor{TaskID: r.ID, Distance: 1 - r.Similarity}
	}
	span.SetAttributes(attribute.Int("results", len(neighbors)))
	return neighbors, nil
}

func (s *ChromemStore) Remove(ctx context.Context, taskID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Remove")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", taskID))

	if taskID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.db.GetCollection(s.config.Collection, s.embeddingFunc())
	if col == nil {
		// Nothing stored yet; removal is idempotent.
		return nil
	}
	if err := col.Delete(ctx, nil, nil, taskID); err != nil {
		// Absent IDs are not an error.
		s.logger.Debug("vector removal no-op",
			zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}

func (s *ChromemStore) Close() error { return nil }
