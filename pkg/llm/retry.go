package llm

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"bugfixd/pkg/logx"
)

// RetryableClient wraps a Client with per-error-type retry and backoff.
// Transient failures are absorbed here; only errors that survive the
// retry budget escape to the phase runner.
type RetryableClient struct {
	client Client
	logger *logx.Logger
}

// NewRetryableClient wraps a client with retry logic.
func NewRetryableClient(client Client) *RetryableClient {
	return &RetryableClient{
		client: client,
		logger: logx.NewLogger("llm-retry"),
	}
}

// ModelName returns the wrapped client's model name.
func (r *RetryableClient) ModelName() string {
	return r.client.ModelName()
}

// Complete implements Client with retry logic.
func (r *RetryableClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var lastErr *Error

	attempt := 0
	for {
		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return CompletionResponse{}, ctx.Err()
		}

		lastErr = ClassifyError(err)
		cfg := lastErr.GetRetryConfig()

		if !lastErr.IsRetryable() || attempt >= cfg.MaxRetries {
			break
		}
		attempt++

		delay := calculateDelay(cfg, attempt)
		r.logger.Warn("Completion failed (%s), retry %d/%d in %s: %v",
			lastErr.Type, attempt, cfg.MaxRetries, delay, err)

		select {
		case <-ctx.Done():
			return CompletionResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	return CompletionResponse{}, fmt.Errorf("completion failed after %d attempt(s): %w", attempt+1, lastErr)
}

// calculateDelay computes the backoff delay for the given retry attempt.
func calculateDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		jitter := time.Duration(rand.Float64() * 0.2 * float64(delay)) //nolint:gosec // Jitter does not need crypto randomness
		delay += jitter - time.Duration(0.1*float64(delay))
		if delay < 0 {
			delay = cfg.InitialDelay
		}
	}

	return delay
}
