// Package http provides the HTTP API for taskd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/embeddings"
	"github.com/fyrsmithlabs/taskd/internal/enrichment"
	"github.com/fyrsmithlabs/taskd/internal/llm"
	"github.com/fyrsmithlabs/taskd/internal/task"
	"github.com/fyrsmithlabs/taskd/internal/vectorstore"
)

// Pipeline is the enrichment surface the API depends on.
// *enrichment.Service satisfies it; tests substitute fakes.
type Pipeline interface {
	Enrich(ctx context.Context, taskID string) (*enrichment.Outcome, error)
	Delete(ctx context.Context, taskID string) error
	Reconcile(ctx context.Context, taskID string) (bool, error)
	Similar(ctx context.Context, text string, k int) ([]vectorstore.Neighbor, error)
	SimilarToTask(ctx context.Context, taskID string, k int) ([]vectorstore.Neighbor, error)
}

// Server provides HTTP endpoints for taskd.
type Server struct {
	echo     *echo.Echo
	repo     task.Repository
	pipeline Pipeline
	logger   *zap.Logger
	addr     string
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
}

// NewServer creates the API server.
func NewServer(repo task.Repository, pipeline Pipeline, logger *zap.Logger, cfg Config) (*Server, error) {
	if repo == nil {
		return nil, fmt.Errorf("task repository is required")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("enrichment pipeline is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		repo:     repo,
		pipeline: pipeline,
		logger:   logger,
		addr:     cfg.Addr,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.PATCH("/tasks/:id", s.handleUpdateTask)
	v1.DELETE("/tasks/:id", s.handleDeleteTask)
	v1.POST("/tasks/:id/enrich", s.handleEnrich)
	v1.POST("/tasks/:id/retry", s.handleEnrich)
	v1.POST("/tasks/:id/reconcile", s.handleReconcile)
	v1.GET("/tasks/:id/similar", s.handleSimilarToTask)
	v1.POST("/similar", s.handleSimilar)
}

// CreateTaskRequest is the request body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Description string `json:"description"`
}

// UpdateTaskRequest is the request body for PATCH /api/v1/tasks/:id.
type UpdateTaskRequest struct {
	Description string `json:"description"`
}

// SimilarRequest is the request body for POST /api/v1/similar.
type SimilarRequest struct {
	Text string `json:"text"`
	K    int    `json:"k"`
}

// SimilarResponse is the response body for similarity queries.
type SimilarResponse struct {
	Neighbors []vectorstore.Neighbor `json:"neighbors"`
}

// ReconcileResponse is the response body for POST /api/v1/tasks/:id/reconcile.
type ReconcileResponse struct {
	Reconciled bool `json:"reconciled"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req CreateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description is required")
	}

	t := &task.Task{
		ID:          uuid.NewString(),
		Description: req.Description,
	}
	if err := s.repo.Create(c.Request().Context(), t); err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks, err := s.repo.List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleGetTask(c echo.Context) error {
	t, err := s.repo.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	var req UpdateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Description == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "description is required")
	}

	t, err := s.repo.UpdateDescription(c.Request().Context(), c.Param("id"), req.Description)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleDeleteTask(c echo.Context) error {
	if err := s.pipeline.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleEnrich(c echo.Context) error {
	outcome, err := s.pipeline.Enrich(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleReconcile(c echo.Context) error {
	did, err := s.pipeline.Reconcile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, ReconcileResponse{Reconciled: did})
}

func (s *Server) handleSimilarToTask(c echo.Context) error {
	k := 0
	if raw := c.QueryParam("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "k must be a positive integer")
		}
		k = parsed
	}

	neighbors, err := s.pipeline.SimilarToTask(c.Request().Context(), c.Param("id"), k)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, SimilarResponse{Neighbors: neighbors})
}

func (s *Server) handleSimilar(c echo.Context) error {
	var req SimilarRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	neighbors, err := s.pipeline.Similar(c.Request().Context(), req.Text, req.K)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, SimilarResponse{Neighbors: neighbors})
}

// mapError translates domain errors into HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, enrichment.ErrAlreadyRunning):
		return echo.NewHTTPError(http.StatusConflict, "enrichment already in progress")
	case errors.Is(err, enrichment.ErrStaleEnrichment):
		return echo.NewHTTPError(http.StatusConflict, "task changed during enrichment, result discarded")
	case errors.Is(err, task.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "task was modified concurrently")
	case errors.Is(err, task.ErrInvalidTask):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, llm.ErrLLMUnavailable),
		errors.Is(err, vectorstore.ErrVectorStoreUnavailable),
		errors.Is(err, embeddings.ErrEmbeddingFailed):
		return echo.NewHTTPError(http.StatusBadGateway, "upstream dependency unavailable")
	default:
		s.logger.Error("unhandled api error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
