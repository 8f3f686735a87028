package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/enrichment"
	"github.com/fyrsmithlabs/taskd/internal/llm"
	"github.com/fyrsmithlabs/taskd/internal/task"
	"github.com/fyrsmithlabs/taskd/internal/vectorstore"
)

// fakePipeline returns scripted results per method.
type fakePipeline struct {
	enrichOutcome *enrichment.Outcome
	enrichErr     error
	deleteErr     error
	reconciled    bool
	reconcileErr  error
	neighbors     []vectorstore.Neighbor
	similarErr    error

	deleted []string
}

func (f *fakePipeline) Enrich(_ context.Context, taskID string) (*enrichment.Outcome, error) {
	if f.enrichErr != nil {
		return nil, f.enrichErr
	}
	if f.enrichOutcome != nil {
		return f.enrichOutcome, nil
	}
	return &enrichment.Outcome{TaskID: taskID, Status: task.StatusComplete}, nil
}

func (f *fakePipeline) Delete(_ context.Context, taskID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, taskID)
	return nil
}

func (f *fakePipeline) Reconcile(_ context.Context, _ string) (bool, error) {
	return f.reconciled, f.reconcileErr
}

func (f *fakePipeline) Similar(_ context.Context, _ string, _ int) ([]vectorstore.Neighbor, error) {
	return f.neighbors, f.similarErr
}

func (f *fakePipeline) SimilarToTask(_ context.Context, _ string, _ int) ([]vectorstore.Neighbor, error) {
	return f.neighbors, f.similarErr
}

func setupTestServer(t *testing.T) (*Server, *task.MemoryRepository, *fakePipeline) {
	t.Helper()
	repo := task.NewMemoryRepository()
	pipeline := &fakePipeline{}
	server, err := NewServer(repo, pipeline, zap.NewNop(), Config{})
	require.NoError(t, err)
	return server, repo, pipeline
}

func doJSON(server *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Validates(t *testing.T) {
	repo := task.NewMemoryRepository()

	_, err := NewServer(nil, &fakePipeline{}, zap.NewNop(), Config{})
	assert.Error(t, err)

	_, err = NewServer(repo, nil, zap.NewNop(), Config{})
	assert.Error(t, err)

	server, err := NewServer(repo, &fakePipeline{}, nil, Config{})
	require.NoError(t, err)
	assert.Equal(t, ":8080", server.addr)
}

func TestHandleHealth(t *testing.T) {
	server, _, _ := setupTestServer(t)

	rec := doJSON(server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleCreateTask(t *testing.T) {
	server, repo, _ := setupTestServer(t)

	rec := doJSON(server, http.MethodPost, "/api/v1/tasks",
		CreateTaskRequest{Description: "water the plants"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "water the plants", created.Description)
	assert.Equal(t, task.StatusPending, created.EnrichmentStatus)

	stored, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)
}

func TestHandleCreateTask_RequiresDescription(t *testing.T) {
	server, _, _ := setupTestServer(t)

	rec := doJSON(server, http.MethodPost, "/api/v1/tasks", CreateTaskRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetTask(t *testing.T) {
	server, repo, _ := setupTestServer(t)
	require.NoError(t, repo.Create(context.Background(),
		&task.Task{ID: "t1", Description: "file taxes"}))

	rec := doJSON(server, http.MethodGet, "/api/v1/tasks/t1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(server, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListTasks(t *testing.T) {
	server, repo, _ := setupTestServer(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &task.Task{ID: "a", Description: "one"}))
	require.NoError(t, repo.Create(ctx, &task.Task{ID: "b", Description: "two"}))

	rec := doJSON(server, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var tasks []task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 2)
}

func TestHandleUpdateTask(t *testing.T) {
	server, repo, _ := setupTestServer(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &task.Task{ID: "t1", Description: "old"}))

	rec := doJSON(server, http.MethodPatch, "/api/v1/tasks/t1",
		UpdateTaskRequest{Description: "new"})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "new", updated.Description)
	assert.EqualValues(t, 1, updated.EnrichmentVersion)
	assert.Equal(t, task.StatusPending, updated.EnrichmentStatus)
}

func TestHandleDeleteTask(t *testing.T) {
	server, _, pipeline := setupTestServer(t)

	rec := doJSON(server, http.MethodDelete, "/api/v1/tasks/t1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"t1"}, pipeline.deleted)

	pipeline.deleteErr = task.ErrNotFound
	rec = doJSON(server, http.MethodDelete, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleEnrich(t *testing.T) {
	server, _, _ := setupTestServer(t)

	rec := doJSON(server, http.MethodPost, "/api/v1/tasks/t1/enrich", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome enrichment.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.Equal(t, "t1", outcome.TaskID)
	assert.Equal(t, task.StatusComplete, outcome.Status)
}

func TestHandleEnrich_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"not found", task.ErrNotFound, http.StatusNotFound},
		{"already running", enrichment.ErrAlreadyRunning, http.StatusConflict},
		{"stale", enrichment.ErrStaleEnrichment, http.StatusConflict},
		{"version conflict", task.ErrVersionConflict, http.StatusConflict},
		{"llm down", llm.ErrLLMUnavailable, http.StatusBadGateway},
		{"vector store down", vectorstore.ErrVectorStoreUnavailable, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server, _, pipeline := setupTestServer(t)
			pipeline.enrichErr = tc.err

			rec := doJSON(server, http.MethodPost, "/api/v1/tasks/t1/enrich", nil)
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestHandleRetry_SharesEnrichHandler(t *testing.T) {
	server, _, _ := setupTestServer(t)

	rec := doJSON(server, http.MethodPost, "/api/v1/tasks/t1/retry", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReconcile(t *testing.T) {
	server, _, pipeline := setupTestServer(t)
	pipeline.reconciled = true

	rec := doJSON(server, http.MethodPost, "/api/v1/tasks/t1/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Reconciled)
}

func TestHandleSimilarToTask(t *testing.T) {
	server, _, pipeline := setupTestServer(t)
	pipeline.neighbors = []vectorstore.Neighbor{{TaskID: "t2", Distance: 0.1}}

	rec := doJSON(server, http.MethodGet, "/api/v1/tasks/t1/similar?k=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SimilarResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Neighbors, 1)
	assert.Equal(t, "t2", resp.Neighbors[0].TaskID)

	rec = doJSON(server, http.MethodGet, "/api/v1/tasks/t1/similar?k=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSimilar(t *testing.T) {
	server, _, pipeline := setupTestServer(t)
	pipeline.neighbors = []vectorstore.Neighbor{{TaskID: "t9", Distance: 0.2}}

	rec := doJSON(server, http.MethodPost, "/api/v1/similar",
		SimilarRequest{Text: "plan offsite", K: 5})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SimilarResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Neighbors, 1)

	rec = doJSON(server, http.MethodPost, "/api/v1/similar", SimilarRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
