package providers

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/marketflow/llmbroker/types"
	"go.uber.org/zap"
)

// RetryConfig configures RetryingClient, grounded on the teacher's
// llm/providers/retry_wrapper.go RetryConfig plus the jitter term from
// llm/retry/backoff.go's calculateDelay.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig matches the teacher's defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// RetryingClient wraps a Client with exponential-backoff retry over
// transient (Retryable) errors. The broker itself only retries across
// distinct keys/providers via the fallback cascade; this wrapper retries
// within a single upstream call for errors the provider itself flags as
// transient (timeouts, 5xx, connection resets).
type RetryingClient struct {
	inner  Client
	config RetryConfig
	logger *zap.Logger
}

// NewRetryingClient wraps inner with retry.
func NewRetryingClient(inner Client, config RetryConfig, logger *zap.Logger) *RetryingClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.BackoffFactor < 1.0 {
		config.BackoffFactor = 2.0
	}
	return &RetryingClient{
		inner:  inner,
		config: config,
		logger: logger.With(zap.String("component", "providers.retry"), zap.String("provider", inner.Name())),
	}
}

var _ Client = (*RetryingClient)(nil)

func (r *RetryingClient) Name() string { return r.inner.Name() }

func (r *RetryingClient) HealthCheck(ctx context.Context) (*types.HealthCheckResult, error) {
	return r.inner.HealthCheck(ctx)
}

func (r *RetryingClient) EstimateTokens(req *types.Request) int {
	return r.inner.EstimateTokens(req)
}

// Complete retries Complete calls that fail with a Retryable *types.Error.
func (r *RetryingClient) Complete(rc *RequestContext) (*types.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			select {
			case <-rc.Ctx.Done():
				return nil, rc.Ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := r.inner.Complete(rc)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		r.logger.Warn("completion failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, lastErr
}

// Stream only retries connection establishment; mid-stream errors propagate
// through the channel untouched.
func (r *RetryingClient) Stream(rc *RequestContext) (<-chan StreamChunk, error) {
	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			select {
			case <-rc.Ctx.Done():
				return nil, rc.Ctx.Err()
			case <-time.After(delay):
			}
		}

		ch, err := r.inner.Stream(rc)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		r.logger.Warn("stream connect failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if te, ok := err.(*types.Error); ok {
		return te.Retryable
	}
	return false
}

func (r *RetryingClient) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(r.config.InitialDelay) {
		delay = float64(r.config.InitialDelay)
	}
	return time.Duration(delay)
}
