package vectorstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hashEmbedder is a deterministic fake embedder: texts map to fixed
// vectors so similarity ordering in tests is predictable.
type hashEmbedder struct {
	vectors map[string][]float32
}

func newHashEmbedder() *hashEmbedder {
	return &hashEmbedder{vectors: make(map[string][]float32)}
}

func (e *hashEmbedder) vectorFor(text string) []float32 {
	if v, ok := e.vectors[text]; ok {
		return v
	}
	// Spread unknown texts out on a deterministic pseudo-axis.
	var h uint32
	for _, c := range text {
		h = h*31 + uint32(c)
	}
	v := []float32{float32(h%97) + 1, float32(h%89) + 1, float32(h%83) + 1}
	e.vectors[text] = v
	return v
}

func (e *hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vectorFor(t)
	}
	return out, nil
}

func (e *hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vectorFor(text), nil
}

func (e *hashEmbedder) Dimension() int { return 3 }
func (e *hashEmbedder) Close() error   { return nil }

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	emb := newHashEmbedder()
	// Anchor a few texts to exact vectors for ordering assertions.
	emb.vectors["write report"] = []float32{1, 0, 0}
	emb.vectors["write summary"] = []float32{0.9, 0.1, 0}
	emb.vectors["walk the dog"] = []float32{0, 1, 0}

	store, err := NewChromemStore(ChromemConfig{}, emb, nil)
	require.NoError(t, err)
	return store
}

func TestChromemStore_RequiresEmbedder(t *testing.T) {
	_, err := NewChromemStore(ChromemConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChromemStore_UpsertAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "t1", "write report"))
	require.NoError(t, store.Upsert(ctx, "t2", "walk the dog"))

	got, err := store.Query(ctx, "write summary", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TaskID, "report should be nearest to summary")
	assert.Equal(t, "t2", got[1].TaskID)
	assert.LessOrEqual(t, got[0].Distance, got[1].Distance)
}

func TestChromemStore_Upsert_LastWriteWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "t1", "write report"))
	require.NoError(t, store.Upsert(ctx, "t1", "walk the dog"))

	got, err := store.Query(ctx, "walk the dog", 5)
	require.NoError(t, err)
	require.Len(t, got, 1, "upsert must overwrite, not duplicate")
	assert.Equal(t, "t1", got[0].TaskID)
	assert.InDelta(t, 0, got[0].Distance, 1e-5)
}

func TestChromemStore_Upsert_Validation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.Upsert(ctx, "t1", ""), ErrEmptyText)
	assert.Error(t, store.Upsert(ctx, "", "text"))
}

func TestChromemStore_Query_Empty(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Query(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChromemStore_Query_CapsAtCollectionSize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "t1", "write report"))

	got, err := store.Query(ctx, "write report", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestChromemStore_Remove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "t1", "write report"))
	require.NoError(t, store.Remove(ctx, "t1"))

	got, err := store.Query(ctx, "write report", 5)
	require.NoError(t, err)
	for _, n := range got {
		assert.NotEqual(t, "t1", n.TaskID)
	}

	// Idempotent: removing an absent id is not an error.
	assert.NoError(t, store.Remove(ctx, "t1"))
	assert.NoError(t, store.Remove(ctx, "never-existed"))
}

func TestChromemStore_Persistence(t *testing.T) {
	dir := t.TempDir()
	emb := newHashEmbedder()
	ctx := context.Background()

	store, err := NewChromemStore(ChromemConfig{Path: dir}, emb, nil)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(ctx, "t1", "write report"))
	require.NoError(t, store.Close())

	reopened, err := NewChromemStore(ChromemConfig{Path: dir}, emb, nil)
	require.NoError(t, err)

	got, err := reopened.Query(ctx, "write report", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
}

func TestNewStore_Factory(t *testing.T) {
	emb := newHashEmbedder()

	store, err := NewStore(context.Background(), Config{}, emb, nil)
	require.NoError(t, err)
	_, ok := store.(*ChromemStore)
	assert.True(t, ok)

	_, err = NewStore(context.Background(), Config{Provider: "pinecone"}, emb, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChromemStore_ConcurrentUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			done <- store.Upsert(ctx, "t1", fmt.Sprintf("revision %d", i))
		}(i)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}

	got, err := store.QueryVector(ctx, []float32{1, 1, 1}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1, "concurrent upserts for one id must leave one vector")
}

// flakyEmbedder fails a fixed number of EmbedQuery calls before
// delegating to the wrapped embedder.
type flakyEmbedder struct {
	*hashEmbedder
	failures int
	calls    int
}

func (e *flakyEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.failures > 0 {
		e.failures--
		return nil, fmt.Errorf("%w: connection reset", ErrVectorStoreUnavailable)
	}
	return e.hashEmbedder.EmbedQuery(ctx, text)
}

func TestChromemStore_UpsertRetriesTransientFailures(t *testing.T) {
	emb := &flakyEmbedder{hashEmbedder: newHashEmbedder(), failures: 2}
	store, err := NewChromemStore(ChromemConfig{}, emb, nil)
	require.NoError(t, err)

	var delays []time.Duration
	restore := retrySleep
	retrySleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	defer func() { retrySleep = restore }()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "t1", "write report"))
	assert.Equal(t, 3, emb.calls)
	require.Len(t, delays, 2)
	assert.Equal(t, retryBackoffBase, delays[0])
	assert.Equal(t, 2*retryBackoffBase, delays[1])

	got, err := store.Query(ctx, "write report", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
}

func TestChromemStore_UpsertExhaustsRetries(t *testing.T) {
	emb := &flakyEmbedder{hashEmbedder: newHashEmbedder(), failures: retryMaxAttempts + 1}
	store, err := NewChromemStore(ChromemConfig{}, emb, nil)
	require.NoError(t, err)

	restore := retrySleep
	retrySleep = func(context.Context, time.Duration) error { return nil }
	defer func() { retrySleep = restore }()

	err = store.Upsert(context.Background(), "t1", "write report")
	assert.ErrorIs(t, err, ErrVectorStoreUnavailable)
	assert.Equal(t, retryMaxAttempts, emb.calls)
}
