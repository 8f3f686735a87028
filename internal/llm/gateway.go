// Package llm implements the gateway between the enrichment pipeline and a
// language-model backend.
//
// The gateway renders a prompt template, sends it to the configured backend
// and parses the reply into the structured shape expected for that template.
// Transient backend failures are retried with exponential backoff inside the
// gateway and never surfaced until retries are exhausted; a reply that does
// not match the expected shape fails immediately with ErrMalformedResponse.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskd/internal/prompts"
	"github.com/fyrsmithlabs/taskd/internal/task"
)

const instrumentationName = "github.com/fyrsmithlabs/taskd/internal/llm"

// Default configuration values.
const (
	defaultOpenAIBaseURL    = "https://api.openai.com"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-haiku-20241022"
	defaultMaxTokens        = 256
	defaultTemperature      = 0.2
	defaultTimeout          = 30 * time.Second
	defaultMaxAttempts      = 3
	defaultBackoffBase      = 500 * time.Millisecond
	defaultBackoffCap       = 8 * time.Second
)

// Rate limiter defaults: 60 requests per minute with small bursts.
const (
	defaultRatePerSecond = 1.0
	defaultRateBurst     = 5
)

// Sentinel errors for gateway operations.
var (
	// ErrInvalidConfig indicates invalid gateway configuration.
	ErrInvalidConfig = errors.New("invalid llm configuration")

	// ErrMalformedResponse is returned when the backend's reply cannot be
	// coerced to the expected shape for the template. Never retried.
	ErrMalformedResponse = errors.New("malformed llm response")

	// ErrLLMUnavailable is returned after retry exhaustion, wrapping the
	// last underlying cause.
	ErrLLMUnavailable = errors.New("llm backend unavailable")
)

// Config holds gateway configuration. Backoff and retry bounds are
// configuration, not hard-coded policy.
type Config struct {
	// Provider selects the backend client: "openai" (default) or "anthropic".
	Provider string

	// Model is the model identifier sent to the backend.
	Model string

	// APIKey authenticates against the backend.
	APIKey string

	// BaseURL overrides the backend endpoint (proxies, local models).
	BaseURL string

	// Timeout bounds a single backend request.
	Timeout time.Duration

	// MaxAttempts is the total number of calls per operation, including
	// the first (default: 3).
	MaxAttempts int

	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it.
	BackoffBase time.Duration

	// BackoffCap bounds the per-retry delay.
	BackoffCap time.Duration

	// RatePerSecond and RateBurst configure client-side rate limiting.
	RatePerSecond float64
	RateBurst     int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Model == "" {
		switch c.Provider {
		case "anthropic":
			c.Model = defaultAnthropicModel
		default:
			c.Model = defaultOpenAIModel
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultRatePerSecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaultRateBurst
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	if c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("%w: backoff cap %s below base %s",
			ErrInvalidConfig, c.BackoffCap, c.BackoffBase)
	}
	return nil
}

// Result is a structured reply parsed from a template-specific response.
type Result interface {
	// Template returns the template name the result was parsed for.
	Template() string
	// RawResponse returns the backend's unparsed reply, kept for
	// diagnostics.
	RawResponse() string
}

// Classification is the parsed reply for the classify template.
type Classification struct {
	Label string
	Raw   string
}

func (c Classification) Template() string    { return prompts.TemplateClassify }
func (c Classification) RawResponse() string { return c.Raw }

// TimeEstimate is the parsed reply for the estimate_time template.
type TimeEstimate struct {
	Minutes int
	Raw     string
}

func (e TimeEstimate) Template() string    { return prompts.TemplateEstimateTime }
func (e TimeEstimate) RawResponse() string { return e.Raw }

// PriorityRecommendation is the parsed reply for the recommend_priority
// template.
type PriorityRecommendation struct {
	Priority task.Priority
	Raw      string
}

func (p PriorityRecommendation) Template() string    { return prompts.TemplateRecommendPriority }
func (p PriorityRecommendation) RawResponse() string { return p.Raw }

// Gateway sends rendered prompts to a language-model backend and parses
// structured results. It owns the retry/timeout policy; every call is
// stateless and independent.
type Gateway struct {
	store  *prompts.Store
	client Completer
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	// sleep is a variable for testing purposes (allows observing backoff).
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway for the configured provider.
func NewGateway(cfg Config, store *prompts.Store, logger *zap.Logger) (*Gateway, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if store == nil {
		store = prompts.NewStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var client Completer
	var err error
	switch cfg.Provider {
	case "anthropic":
		client, err = newAnthropicClient(cfg)
	default:
		client, err = newOpenAIClient(cfg)
	}
	if err != nil {
		return nil, err
	}

	return newGatewayWithClient(cfg, store, client, logger), nil
}

// NewGatewayWithCompleter creates a gateway around an explicit backend
// client. Used by tests and by callers that bring their own transport.
func NewGatewayWithCompleter(cfg Config, store *prompts.Store, client Completer, logger *zap.Logger) (*Gateway, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("%w: completer is required", ErrInvalidConfig)
	}
	if store == nil {
		store = prompts.NewStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return newGatewayWithClient(cfg, store, client, logger), nil
}

func newGatewayWithClient(cfg Config, store *prompts.Store, client Completer, logger *zap.Logger) *Gateway {
	return &Gateway{
		store:  store,
		client: client,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Invoke renders the named template with vars, sends it to the backend and
// parses the reply into the result type for that template.
func (g *Gateway) Invoke(ctx context.Context, templateName string, vars map[string]string) (Result, error) {
	raw, err := g.complete(ctx, templateName, vars)
	if err != nil {
		return nil, err
	}

	switch templateName {
	case prompts.TemplateClassify:
		return parseClassification(raw)
	case prompts.TemplateEstimateTime:
		return parseTimeEstimate(raw)
	case prompts.TemplateRecommendPriority:
		return parsePriority(raw)
	default:
		return nil, fmt.Errorf("%w: no parser for template %q", prompts.ErrTemplateNotFound, templateName)
	}
}

// Classify returns a category label for the description.
func (g *Gateway) Classify(ctx context.Context, description string) (Classification, error) {
	raw, err := g.complete(ctx, prompts.TemplateClassify, map[string]string{"description": description})
	if err != nil {
		return Classification{}, err
	}
	return parseClassification(raw)
}

// EstimateTime returns an estimated completion time in minutes.
func (g *Gateway) EstimateTime(ctx context.Context, description string) (TimeEstimate, error) {
	raw, err := g.complete(ctx, prompts.TemplateEstimateTime, map[string]string{"description": description})
	if err != nil {
		return TimeEstimate{}, err
	}
	return parseTimeEstimate(raw)
}

// RecommendPriority returns a recommended priority.
func (g *Gateway) RecommendPriority(ctx context.Context, description string) (PriorityRecommendation, error) {
	raw, err := g.complete(ctx, prompts.TemplateRecommendPriority, map[string]string{"description": description})
	if err != nil {
		return PriorityRecommendation{}, err
	}
	return parsePriority(raw)
}

// complete renders the template and runs the retry loop around the backend
// call. Template errors are configuration-time and returned as-is, without
// retries.
func (g *Gateway) complete(ctx context.Context, templateName string, vars map[string]string) (string, error) {
	ctx, span := g.tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(
			attribute.String("llm.template", templateName),
			attribute.String("llm.provider", g.config.Provider),
			attribute.String("llm.model", g.config.Model),
		))
	defer span.End()

	prompt, err := g.store.Render(templateName, vars)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var lastErr error
	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := g.sleep(ctx, g.backoff(attempt)); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return "", fmt.Errorf("%w: %s", ErrLLMUnavailable, lastErr)
			}
		}

		raw, err := g.client.Complete(ctx, prompt)
		if err == nil {
			span.SetAttributes(attribute.Int("llm.attempts", attempt))
			return raw, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			span.SetStatus(codes.Error, err.Error())
			return "", err
		}
		g.logger.Warn("llm call failed, will retry",
			zap.String("template", templateName),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", g.config.MaxAttempts),
			zap.Error(err))
	}

	span.SetStatus(codes.Error, lastErr.Error())
	return "", fmt.Errorf("%w: %s", ErrLLMUnavailable, lastErr)
}

// backoff returns the delay before the given attempt (attempt >= 2),
// doubling from the base and bounded by the cap.
func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.config.BackoffBase << (attempt - 2)
	if d > g.config.BackoffCap || d <= 0 {
		d = g.config.BackoffCap
	}
	return d
}

// extractJSON strips markdown code fences and surrounding prose down to the
// first JSON object in the reply. Models occasionally wrap the object even
// when told not to; anything beyond that is a shape error, not recoverable.
func extractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}
	return s[start : end+1], nil
}

func parseClassification(raw string) (Classification, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return Classification{}, err
	}

	var parsed struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return Classification{}, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}
	label := strings.TrimSpace(parsed.Category)
	if label == "" {
		return Classification{}, fmt.Errorf("%w: empty category label", ErrMalformedResponse)
	}
	return Classification{Label: label, Raw: raw}, nil
}

func parseTimeEstimate(raw string) (TimeEstimate, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return TimeEstimate{}, err
	}

	var parsed struct {
		EstimatedMinutes json.Number `json:"estimated_minutes"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return TimeEstimate{}, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}
	minutes, err := parsed.EstimatedMinutes.Int64()
	if err != nil {
		return TimeEstimate{}, fmt.Errorf("%w: estimated_minutes %q is not an integer",
			ErrMalformedResponse, parsed.EstimatedMinutes.String())
	}
	if minutes < 0 {
		return TimeEstimate{}, fmt.Errorf("%w: negative minutes %d", ErrMalformedResponse, minutes)
	}
	return TimeEstimate{Minutes: int(minutes), Raw: raw}, nil
}

func parsePriority(raw string) (PriorityRecommendation, error) {
	obj, err := extractJSON(raw)
	if err != nil {
		return PriorityRecommendation{}, err
	}

	var parsed struct {
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return PriorityRecommendation{}, fmt.Errorf("%w: %s", ErrMalformedResponse, err)
	}
	p := task.Priority(strings.ToLower(strings.TrimSpace(parsed.Priority)))
	if !p.Valid() {
		return PriorityRecommendation{}, fmt.Errorf("%w: unknown priority %q",
			ErrMalformedResponse, parsed.Priority)
	}
	return PriorityRecommendation{Priority: p, Raw: raw}, nil
}
