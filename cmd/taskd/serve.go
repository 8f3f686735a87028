package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/config"
	"github.com/fyrsmithlabs/taskd/internal/embeddings"
	"github.com/fyrsmithlabs/taskd/internal/enrichment"
	taskdhttp "github.com/fyrsmithlabs/taskd/internal/http"
	"github.com/fyrsmithlabs/taskd/internal/llm"
	"github.com/fyrsmithlabs/taskd/internal/logging"
	"github.com/fyrsmithlabs/taskd/internal/prompts"
	"github.com/fyrsmithlabs/taskd/internal/task"
	"github.com/fyrsmithlabs/taskd/internal/telemetry"
	"github.com/fyrsmithlabs/taskd/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the taskd HTTP server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long:  "Creates the tasks table if it does not exist. Requires the postgres driver.",
	RunE:  runMigrate,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	repo, closeRepo, err := newRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	embedder, err := embeddings.NewProvider(embeddings.Config{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		Dimension: cfg.Embeddings.Dimension,
	})
	if err != nil {
		return fmt.Errorf("initializing embedding provider: %w", err)
	}
	defer func() {
		if err := embedder.Close(); err != nil {
			logger.Warn("embedding provider close", zap.Error(err))
		}
	}()

	store, err := vectorstore.NewStore(ctx, vectorstore.Config{
		Provider: cfg.VectorStore.Provider,
		Chromem: vectorstore.ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			Collection: cfg.VectorStore.Chromem.Collection,
		},
		Qdrant: vectorstore.QdrantConfig{
			Host:       cfg.VectorStore.Qdrant.Host,
			Port:       cfg.VectorStore.Qdrant.Port,
			UseTLS:     cfg.VectorStore.Qdrant.UseTLS,
			APIKey:     cfg.VectorStore.Qdrant.APIKey.Value(),
			Collection: cfg.VectorStore.Qdrant.Collection,
			VectorSize: cfg.VectorStore.Qdrant.VectorSize,
		},
	}, embedder, logger)
	if err != nil {
		return fmt.Errorf("initializing vector store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("vector store close", zap.Error(err))
		}
	}()

	gateway, err := llm.NewGateway(llm.Config{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		APIKey:        cfg.LLM.APIKey.Value(),
		BaseURL:       cfg.LLM.BaseURL,
		Timeout:       cfg.LLM.Timeout,
		MaxAttempts:   cfg.LLM.MaxAttempts,
		BackoffBase:   cfg.LLM.BackoffBase,
		BackoffCap:    cfg.LLM.BackoffCap,
		RatePerSecond: cfg.LLM.RatePerSecond,
		RateBurst:     cfg.LLM.RateBurst,
	}, prompts.NewStore(), logger)
	if err != nil {
		return fmt.Errorf("initializing llm gateway: %w", err)
	}

	pipeline, err := enrichment.NewService(enrichment.Config{
		Stages: enrichment.StagesConfig{
			Classify:          *cfg.Enrichment.ClassifyEnabled,
			EstimateTime:      *cfg.Enrichment.EstimateTimeEnabled,
			RecommendPriority: *cfg.Enrichment.RecommendPriorityEnabled,
		},
		SimilarDefaultK: cfg.Enrichment.SimilarDefaultK,
	}, repo, gateway, store, logger)
	if err != nil {
		return fmt.Errorf("initializing enrichment pipeline: %w", err)
	}

	server, err := taskdhttp.NewServer(repo, pipeline, logger, taskdhttp.Config{
		Addr: cfg.Server.Addr,
	})
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate requires the postgres driver, have %q", cfg.Database.Driver)
	}

	db, err := sql.Open("postgres", cfg.Database.DSN.Value())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	repo := task.NewPostgresRepository(db)
	if err := repo.EnsureSchema(cmd.Context()); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	fmt.Println("schema applied")
	return nil
}

func newRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) (task.Repository, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.DSN.Value())
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("pinging database: %w", err)
		}
		logger.Info("using postgres task repository")
		return task.NewPostgresRepository(db), func() { _ = db.Close() }, nil
	default:
		logger.Info("using in-memory task repository")
		return task.NewMemoryRepository(), func() {}, nil
	}
}
