// Package llm generates text for flow steps through pluggable provider
// backends. The service layer owns model/temperature defaults and the
// retry policy; providers only translate one request to their API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/grimoire-rpg/grimoire/internal/config"
	"github.com/grimoire-rpg/grimoire/runtime"
)

// Request is one fully resolved generation call.
type Request struct {
	Model       string
	Prompt      string
	System      string
	Temperature float64
	MaxTokens   int
}

// Provider adapts one LLM backend.
type Provider interface {
	Name() string
	DefaultModel() string
	Generate(ctx context.Context, req Request) (string, error)
}

// ProviderError carries the HTTP status of a failed backend call so
// the retry layer can classify it.
type ProviderError struct {
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Settings tune the service-wide defaults. Step settings override the
// model knobs per call.
type Settings struct {
	Provider    string        `json:"provider" default:"openai"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature" default:"0.7" validate:"gte=0,lte=2"`
	MaxTokens   int           `json:"max_tokens" default:"1024" validate:"gte=1"`
	MaxRetries  int           `json:"max_retries" default:"3" validate:"gte=0"`
	RetryWait   time.Duration `json:"retry_wait" default:"1s" validate:"gte=100ms"`
}

// Service routes generation calls to registered providers with
// exponential-backoff retry on transient failures.
type Service struct {
	logger   *slog.Logger
	settings Settings

	mu        sync.RWMutex
	providers map[string]Provider

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

var _ runtime.LLMService = &Service{}

func NewService(logger *slog.Logger, raw map[string]any) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var settings Settings
	if err := config.Prepare(&settings, raw); err != nil {
		return nil, fmt.Errorf("llm settings: %w", err)
	}
	s := &Service{
		logger:    logger,
		settings:  settings,
		providers: make(map[string]Provider),
	}
	meter := otel.Meter("grimoire/llm")
	var err error
	if s.calls, err = meter.Int64Counter("grimoire.llm.calls",
		metric.WithDescription("LLM calls by provider and outcome")); err != nil {
		logger.Debug("llm call counter unavailable", "error", err)
	}
	if s.duration, err = meter.Float64Histogram("grimoire.llm.duration",
		metric.WithDescription("LLM call duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		logger.Debug("llm duration histogram unavailable", "error", err)
	}
	return s, nil
}

// Register adds a provider. The last registration for a name wins.
func (s *Service) Register(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name()] = p
}

// Providers returns the registered provider names.
func (s *Service) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	return names
}

func (s *Service) provider(name string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q is not configured", name)
	}
	return p, nil
}

// Generate resolves the per-call options against the service defaults
// and calls the chosen provider, retrying transient failures.
func (s *Service) Generate(ctx context.Context, prompt string, opts runtime.GenerateOptions) (string, error) {
	name := opts.Provider
	if name == "" {
		name = s.settings.Provider
	}
	p, err := s.provider(name)
	if err != nil {
		return "", err
	}
	req := Request{
		Model:       opts.Model,
		Prompt:      prompt,
		System:      opts.System,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if req.Model == "" {
		req.Model = s.settings.Model
	}
	if req.Model == "" {
		req.Model = p.DefaultModel()
	}
	if req.Temperature == 0 {
		req.Temperature = s.settings.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = s.settings.MaxTokens
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.settings.RetryWait
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(s.settings.MaxRetries)), ctx)

	start := time.Now()
	attempts := 0
	text, err := backoff.RetryWithData(func() (string, error) {
		attempts++
		out, callErr := p.Generate(ctx, req)
		if callErr == nil {
			return out, nil
		}
		if !isRetryable(callErr) {
			return "", backoff.Permanent(callErr)
		}
		s.logger.WarnContext(ctx, "llm call failed, retrying",
			"provider", name, "model", req.Model, "attempt", attempts, "error", callErr)
		return "", callErr
	}, policy)

	s.record(ctx, name, req.Model, err == nil, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("llm generate (%s, %d attempts): %w", name, attempts, err)
	}
	s.logger.DebugContext(ctx, "llm call succeeded",
		"provider", name, "model", req.Model, "attempts", attempts, "chars", len(text))
	return text, nil
}

func (s *Service) record(ctx context.Context, provider, model string, ok bool, elapsed time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("grimoire.llm.provider", provider),
		attribute.String("grimoire.llm.model", model),
		attribute.String("grimoire.llm.outcome", outcome),
	)
	if s.calls != nil {
		s.calls.Add(ctx, 1, attrs)
	}
	if s.duration != nil {
		s.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}

// isRetryable keeps retries to rate limits, server errors, and network
// timeouts. Context expiry is never retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return pErr.Status == 429 || pErr.Status >= 500
	}
	return false
}
