// Package config provides configuration loading for taskd.
//
// Configuration is loaded from a YAML file and overridden with TASKD_*
// environment variables, with sensible defaults applied last.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete taskd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Database    DatabaseConfig    `koanf:"database"`
	LLM         LLMConfig         `koanf:"llm"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Enrichment  EnrichmentConfig  `koanf:"enrichment"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"` // gRPC endpoint; empty disables export
}

// DatabaseConfig holds the task record store configuration.
type DatabaseConfig struct {
	// Driver selects the repository: "postgres" or "memory".
	Driver string `koanf:"driver"`
	DSN    Secret `koanf:"dsn"`
}

// LLMConfig holds the language model gateway configuration.
type LLMConfig struct {
	Provider      string        `koanf:"provider"` // openai or anthropic
	Model         string        `koanf:"model"`
	APIKey        Secret        `koanf:"api_key"`
	BaseURL       string        `koanf:"base_url"`
	Timeout       time.Duration `koanf:"timeout"`
	MaxAttempts   int           `koanf:"max_attempts"`
	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffCap    time.Duration `koanf:"backoff_cap"`
	RatePerSecond float64       `koanf:"rate_per_second"`
	RateBurst     int           `koanf:"rate_burst"`
}

// EmbeddingsConfig holds the embedding provider configuration.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"` // tei or openai
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	Dimension int    `koanf:"dimension"`
}

// VectorStoreConfig holds the embedding store configuration.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"` // chromem or qdrant
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds embedded chromem-go store configuration.
type ChromemConfig struct {
	Path       string `koanf:"path"` // empty means in-memory
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`
}

// QdrantConfig holds Qdrant gRPC connection configuration.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
	Collection string `koanf:"collection"`
	VectorSize uint64 `koanf:"vector_size"`
}

// EnrichmentConfig holds pipeline configuration. The stage flags are
// pointers so an explicit false in the config survives defaulting.
type EnrichmentConfig struct {
	ClassifyEnabled          *bool `koanf:"classify_enabled"`
	EstimateTimeEnabled      *bool `koanf:"estimate_time_enabled"`
	RecommendPriorityEnabled *bool `koanf:"recommend_priority_enabled"`
	SimilarDefaultK          int   `koanf:"similar_default_k"`
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "taskd"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" && cfg.Embeddings.Provider == "tei" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Collection == "" {
		cfg.VectorStore.Chromem.Collection = "tasks"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Qdrant.Collection == "" {
		cfg.VectorStore.Qdrant.Collection = "tasks"
	}

	if cfg.Enrichment.ClassifyEnabled == nil {
		cfg.Enrichment.ClassifyEnabled = boolPtr(true)
	}
	if cfg.Enrichment.EstimateTimeEnabled == nil {
		cfg.Enrichment.EstimateTimeEnabled = boolPtr(true)
	}
	if cfg.Enrichment.RecommendPriorityEnabled == nil {
		cfg.Enrichment.RecommendPriorityEnabled = boolPtr(true)
	}
	if cfg.Enrichment.SimilarDefaultK == 0 {
		cfg.Enrichment.SimilarDefaultK = 5
	}
}

func boolPtr(b bool) *bool { return &b }

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server shutdown timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if !c.Database.DSN.IsSet() {
			return errors.New("database dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("invalid database driver: %q", c.Database.Driver)
	}

	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("invalid llm provider: %q", c.LLM.Provider)
	}
	if !c.LLM.APIKey.IsSet() {
		return errors.New("llm api key is required")
	}

	switch c.Embeddings.Provider {
	case "tei", "openai":
	default:
		return fmt.Errorf("invalid embeddings provider: %q", c.Embeddings.Provider)
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("invalid vectorstore provider: %q", c.VectorStore.Provider)
	}

	if c.Enrichment.SimilarDefaultK <= 0 {
		return errors.New("similar_default_k must be positive")
	}

	return nil
}
