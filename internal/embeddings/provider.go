// Package embeddings provides embedding generation via multiple providers.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider generates vector embeddings from text.
type Provider interface {
	// EmbedDocuments generates embeddings for multiple texts, one vector
	// per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension for the current model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// Config holds configuration for creating an embedding provider.
type Config struct {
	// Provider is the provider type: "tei" (default) or "openai".
	Provider string

	// Model is the embedding model name.
	// For TEI: BAAI/bge-small-en-v1.5, Alibaba-NLP/gte-base-en-v1.5
	// For OpenAI: text-embedding-3-small, text-embedding-3-large
	Model string

	// BaseURL is the embedding endpoint.
	BaseURL string

	// APIKey is the API key (required for OpenAI, optional for TEI).
	APIKey string

	// Dimension overrides the detected embedding dimension. When zero the
	// dimension is inferred from the model name.
	Dimension int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "tei"
	}
	if c.Model == "" {
		switch c.Provider {
		case "openai":
			c.Model = "text-embedding-3-small"
		default:
			c.Model = "BAAI/bge-small-en-v1.5"
		}
	}
	if c.BaseURL == "" && c.Provider == "tei" {
		c.BaseURL = "http://localhost:8080"
	}
	if c.Dimension == 0 {
		c.Dimension = detectDimensionFromModel(c.Model)
	}
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg Config) (Provider, error) {
	cfg.ApplyDefaults()
	switch cfg.Provider {
	case "tei":
		return newTEIProvider(cfg)
	case "openai":
		return newOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if the model is unknown.
func detectDimensionFromModel(model string) int {
	switch {
	case strings.Contains(model, "text-embedding-3-large"):
		return 3072
	case strings.Contains(model, "text-embedding-3-small"), strings.Contains(model, "ada-002"):
		return 1536
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	case strings.Contains(model, "small"), strings.Contains(model, "mini"):
		return 384
	default:
		return 384 // Safe default for bge-small
	}
}
