package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDimensionFromModel(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"BAAI/bge-small-en-v1.5", 384},
		{"all-MiniLM-L6-v2", 384},
		{"Alibaba-NLP/gte-base-en-v1.5", 768},
		{"BAAI/bge-large-en-v1.5", 1024},
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"unknown-model", 384},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, detectDimensionFromModel(tt.model))
		})
	}
}

func TestNewProvider_UnknownProvider(t *testing.T) {
	_, err := NewProvider(Config{Provider: "word2vec"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewProvider_OpenAIRequiresKey(t *testing.T) {
	_, err := NewProvider(Config{Provider: "openai"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func newTEITestProvider(t *testing.T, handler http.HandlerFunc) Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewProvider(Config{Provider: "tei", BaseURL: srv.URL})
	require.NoError(t, err)
	return p
}

func TestTEIProvider_EmbedDocuments(t *testing.T) {
	p := newTEITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)

		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		inputs := req.Inputs.([]interface{})
		vectors := make([][]float32, len(inputs))
		for i := range vectors {
			vectors[i] = []float32{0.1, 0.2, 0.3}
		}
		json.NewEncoder(w).Encode(vectors)
	})

	got, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got[0])
}

func TestTEIProvider_EmbedQuery(t *testing.T) {
	p := newTEITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([][]float32{{1, 2}})
	})

	got, err := p.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)
}

func TestTEIProvider_EmptyInput(t *testing.T) {
	p := newTEITestProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestTEIProvider_ServerError(t *testing.T) {
	p := newTEITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := p.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestTEIProvider_CountMismatch(t *testing.T) {
	p := newTEITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([][]float32{{1}})
	})

	_, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestTEIProvider_Dimension(t *testing.T) {
	p, err := NewProvider(Config{Provider: "tei", Model: "BAAI/bge-small-en-v1.5"})
	require.NoError(t, err)
	assert.Equal(t, 384, p.Dimension())

	p, err = NewProvider(Config{Provider: "tei", Dimension: 512})
	require.NoError(t, err)
	assert.Equal(t, 512, p.Dimension())
}
