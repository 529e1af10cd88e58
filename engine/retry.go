package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/flowkit/workflow"
)

// retryDelay computes the pause before the given zero-based attempt is
// retried.
func retryDelay(cfg workflow.RetryConfig, attempt int) time.Duration {
	var ms float64
	switch cfg.Strategy {
	case workflow.RetryExponential:
		ms = float64(cfg.InitialDelayMs) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	case workflow.RetryLinear:
		ms = float64(cfg.InitialDelayMs) * float64(attempt+1)
	case workflow.RetryFixed:
		ms = float64(cfg.InitialDelayMs)
	default:
		return 0
	}
	if cfg.MaxDelayMs > 0 && ms > float64(cfg.MaxDelayMs) {
		ms = float64(cfg.MaxDelayMs)
	}
	return time.Duration(ms) * time.Millisecond
}

// executeWithRetry runs fn up to cfg.MaxAttempts times, pausing per the
// backoff strategy between attempts. Only error returns are retried; a
// result with success=false is an expected outcome and passes through
// unchanged. When every attempt errors, the last error is converted to a
// failure result carrying the attempt count.
func executeWithRetry(ctx context.Context, clock Clock, cfg workflow.RetryConfig, onRetry func(attempt int, err error), fn func(ctx context.Context) (Result, error)) (Result, error) {
	attempts := cfg.MaxAttempts
	if attempts <= 0 || cfg.Strategy == workflow.RetryNone {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			delay := retryDelay(cfg, attempt-1)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-clock.After(delay):
				}
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	result := fail(fmt.Sprintf("failed after %d attempts: %v", attempts, lastErr))
	result["attempts"] = attempts
	return result, nil
}
