package vectorstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/embeddings"
)

// Config selects and configures a vector store backend.
type Config struct {
	// Provider is "chromem" (default, embedded) or "qdrant" (external).
	Provider string

	Chromem ChromemConfig
	Qdrant  QdrantConfig
}

// NewStore creates a Store based on the configuration.
//
// The chromem provider is the default: embedded, no external service. The
// qdrant provider requires a reachable Qdrant server and is selected for
// deployments where the index must outlive the process or be shared.
func NewStore(ctx context.Context, cfg Config, embedder embeddings.Provider, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(cfg.Chromem, embedder, logger)
	case "qdrant":
		return NewQdrantStore(ctx, cfg.Qdrant, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
