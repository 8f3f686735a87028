package embeddings

import (
	"context"
	"fmt"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// openAIProvider generates embeddings through langchaingo's OpenAI client.
// Because the client speaks the OpenAI wire protocol, any compatible
// endpoint (including TEI in OpenAI mode) can be used via BaseURL.
type openAIProvider struct {
	embedder *lcembeddings.EmbedderImpl
	config   Config
}

func newOpenAIProvider(cfg Config) (*openAIProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai API key required", ErrInvalidConfig)
	}

	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &openAIProvider{embedder: embedder, config: cfg}, nil
}

func (p *openAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

func (p *openAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vector, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrEmbeddingFailed, err)
	}
	return vector, nil
}

func (p *openAIProvider) Dimension() int { return p.config.Dimension }

func (p *openAIProvider) Close() error { return nil }
