package vectorstore

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fyrsmithlabs/taskd/internal/embeddings"
)

// QdrantConfig holds configuration for the Qdrant gRPC backend.
type QdrantConfig struct {
	Host   string
	Port   int
	UseTLS bool
	APIKey string

	// Collection is the collection name tasks are stored in.
	// Default: "tasks"
	Collection string

	// VectorSize is the embedding dimension the collection is created
	// with. Must match the embedder's output dimension.
	VectorSize uint64
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "tasks"
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore implements Store against an external Qdrant server over gRPC.
//
// Task IDs must be UUIDs: Qdrant point IDs only admit UUIDs and unsigned
// integers, and taskd uses UUID task identifiers throughout.
type QdrantStore struct {
	client   *qdrant.Client
	embedder embeddings.Provider
	config   QdrantConfig
	logger   *zap.Logger
}

// NewQdrantStore connects to Qdrant and ensures the tasks collection
// exists with cosine distance.
func NewQdrantStore(ctx context.Context, config QdrantConfig, embedder embeddings.Provider, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if config.VectorSize == 0 {
		config.VectorSize = uint64(embedder.Dimension())
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	qdrantConfig := &qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		APIKey: config.APIKey,
	}
	if !config.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	client, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: creating qdrant client: %s", ErrVectorStoreUnavailable, err)
	}

	s := &QdrantStore{
		client:   client,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}

	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant connection established",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection))
	return s, nil
}

var _ Store = (*QdrantStore)(nil)

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %s", ErrVectorStoreUnavailable, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection: %s", ErrVectorStoreUnavailable, err)
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, taskID, text string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidConfig)
	}
	if text == "" {
		return ErrEmptyText
	}

	return withRetry(ctx, func() error {
		vector, err := s.embedder.EmbedQuery(ctx, text)
		if err != nil {
			return fmt.Errorf("embedding task %s: %w", taskID, err)
		}

		point := &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(taskID),
			Vectors: qdrant.NewVectors(vector...),
			Payload: map[string]*qdrant.Value{
				"task_id": {Kind: &qdrant.Value_StringValue{StringValue: taskID}},
			},
		}

		_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.config.Collection,
			Points:         []*qdrant.PointStruct{point},
		})
		if err != nil {
			return fmt.Errorf("%w: upserting task %s: %s", ErrVectorStoreUnavailable, taskID, err)
		}

		s.logger.Debug("upserted task embedding",
			zap.String("task_id", taskID),
			zap.Int("dimension", len(vector)))
		return nil
	})
}

func (s *QdrantStore) Query(ctx context.Context, text string, k int) ([]Neighbor, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return s.QueryVector(ctx, vector, k)
}

func (s *QdrantStore) QueryVector(ctx context.Context, vector []float32, k int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying: %s", ErrVectorStoreUnavailable, err)
	}

	neighbors := make([]Neighbor, 0, len(results))
	for _, r := range results {
		id := pointIDString(r.GetId())
		if id == "" {
			if v, ok := r.GetPayload()["task_id"]; ok {
				id = v.GetStringValue()
			}
		}
		// Cosine similarity score; convert to distance.
		neighbors = append(neighbors, Neighbor{TaskID: id, Distance: 1 - r.GetScore()})
	}
	return neighbors, nil
}

func (s *QdrantStore) Remove(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: task id required", ErrInvalidConfig)
	}

	// Deleting an absent point is a no-op in Qdrant, which matches the
	// idempotent contract here.
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.config.Collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewIDUUID(taskID)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: removing task %s: %s", ErrVectorStoreUnavailable, taskID, err)
	}
	return nil
}

func (s *QdrantStore) Close() error { return s.client.Close() }

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	if num := id.GetNum(); num != 0 {
		return fmt.Sprintf("%d", num)
	}
	return ""
}
