package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestClient(t *testing.T, handler http.HandlerFunc) (*openAIClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{APIKey: "test-key", BaseURL: srv.URL}
	cfg.ApplyDefaults()
	client, err := newOpenAIClient(cfg)
	require.NoError(t, err)
	return client, srv
}

func TestOpenAIClient_Complete(t *testing.T) {
	client, _ := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"choices":[{"message":{"content":"{\"category\":\"work\"}"}}]}`))
	})

	got, err := client.Complete(context.Background(), "classify this")
	require.NoError(t, err)
	assert.Equal(t, `{"category":"work"}`, got)
}

func TestOpenAIClient_RateLimitedIsRetryable(t *testing.T) {
	client, _ := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestOpenAIClient_ServerErrorIsRetryable(t *testing.T) {
	client, _ := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestOpenAIClient_AuthErrorIsFatal(t *testing.T) {
	client, _ := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth"}}`))
	})

	_, err := client.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "invalid api key")
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	client, _ := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})

	_, err := client.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty response")
}

func TestOpenAIClient_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	cfg := Config{APIKey: "k", BaseURL: srv.URL, Timeout: 20 * time.Millisecond}
	cfg.ApplyDefaults()
	client, err := newOpenAIClient(cfg)
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestAnthropicClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.NotEmpty(t, r.Header.Get("Anthropic-Version"))
		w.Write([]byte(`{"content":[{"type":"text","text":"{\"priority\":\"high\"}"}]}`))
	}))
	t.Cleanup(srv.Close)

	cfg := Config{Provider: "anthropic", APIKey: "test-key", BaseURL: srv.URL}
	cfg.ApplyDefaults()
	client, err := newAnthropicClient(cfg)
	require.NoError(t, err)

	got, err := client.Complete(context.Background(), "recommend priority")
	require.NoError(t, err)
	assert.Equal(t, `{"priority":"high"}`, got)
}

func TestNewClients_RequireAPIKey(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	_, err := newOpenAIClient(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = newAnthropicClient(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&retryableError{err: errors.New("boom")}))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
}
