package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowkit/workflow"
)

func TestRetryDelay(t *testing.T) {
	exponential := workflow.RetryConfig{
		Strategy:          workflow.RetryExponential,
		InitialDelayMs:    1000,
		MaxDelayMs:        60000,
		BackoffMultiplier: 2.0,
	}
	assert.Equal(t, time.Second, retryDelay(exponential, 0))
	assert.Equal(t, 2*time.Second, retryDelay(exponential, 1))
	assert.Equal(t, 4*time.Second, retryDelay(exponential, 2))
	// Capped at max delay.
	assert.Equal(t, 60*time.Second, retryDelay(exponential, 10))

	linear := workflow.RetryConfig{
		Strategy:       workflow.RetryLinear,
		InitialDelayMs: 500,
		MaxDelayMs:     10000,
	}
	assert.Equal(t, 500*time.Millisecond, retryDelay(linear, 0))
	assert.Equal(t, time.Second, retryDelay(linear, 1))
	assert.Equal(t, 1500*time.Millisecond, retryDelay(linear, 2))

	fixed := workflow.RetryConfig{Strategy: workflow.RetryFixed, InitialDelayMs: 250}
	assert.Equal(t, 250*time.Millisecond, retryDelay(fixed, 0))
	assert.Equal(t, 250*time.Millisecond, retryDelay(fixed, 5))

	none := workflow.RetryConfig{Strategy: workflow.RetryNone, InitialDelayMs: 250}
	assert.Equal(t, time.Duration(0), retryDelay(none, 3))
}

func TestExecuteWithRetrySucceedsAfterFailures(t *testing.T) {
	clock := NewFakeClock(time.Now())
	cfg := workflow.RetryConfig{
		MaxAttempts:    3,
		Strategy:       workflow.RetryFixed,
		InitialDelayMs: 0,
	}

	calls := 0
	retries := 0
	result, err := executeWithRetry(context.Background(), clock, cfg,
		func(int, error) { retries++ },
		func(context.Context) (Result, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("flaky")
			}
			return ok("value", calls), nil
		})
	require.NoError(t, err)
	assert.True(t, result.Success())
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestExecuteWithRetryExhaustsAttempts(t *testing.T) {
	clock := NewFakeClock(time.Now())
	cfg := workflow.RetryConfig{
		MaxAttempts:    2,
		Strategy:       workflow.RetryFixed,
		InitialDelayMs: 0,
	}

	result, err := executeWithRetry(context.Background(), clock, cfg, nil,
		func(context.Context) (Result, error) {
			return nil, errors.New("always broken")
		})
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.Contains(t, result.ErrorMessage(), "failed after 2 attempts")
	assert.Contains(t, result.ErrorMessage(), "always broken")
	assert.Equal(t, 2, result["attempts"])
}

func TestExecuteWithRetryDoesNotRetryExpectedFailure(t *testing.T) {
	clock := NewFakeClock(time.Now())
	cfg := workflow.RetryConfig{MaxAttempts: 5, Strategy: workflow.RetryFixed}

	calls := 0
	result, err := executeWithRetry(context.Background(), clock, cfg, nil,
		func(context.Context) (Result, error) {
			calls++
			return fail("expected domain failure"), nil
		})
	require.NoError(t, err)
	assert.False(t, result.Success())
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryWaitsBetweenAttempts(t *testing.T) {
	clock := NewFakeClock(time.Now())
	cfg := workflow.RetryConfig{
		MaxAttempts:    2,
		Strategy:       workflow.RetryFixed,
		InitialDelayMs: 1000,
	}

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	calls := make(chan int, 4)
	go func() {
		n := 0
		result, err := executeWithRetry(context.Background(), clock, cfg, nil,
			func(context.Context) (Result, error) {
				n++
				calls <- n
				if n == 1 {
					return nil, errors.New("first attempt fails")
				}
				return ok(), nil
			})
		done <- outcome{result, err}
	}()

	assert.Equal(t, 1, <-calls)
	// The retry is parked on the backoff timer until the clock advances.
	require.Eventually(t, func() bool { return clock.Waiters() == 1 },
		time.Second, time.Millisecond)
	clock.Advance(time.Second)

	assert.Equal(t, 2, <-calls)
	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.result.Success())
}

func TestExecuteWithRetryHonorsCancellation(t *testing.T) {
	clock := NewFakeClock(time.Now())
	cfg := workflow.RetryConfig{
		MaxAttempts:    3,
		Strategy:       workflow.RetryFixed,
		InitialDelayMs: 1000,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := executeWithRetry(ctx, clock, cfg, nil,
			func(context.Context) (Result, error) {
				return nil, errors.New("broken")
			})
		done <- err
	}()

	require.Eventually(t, func() bool { return clock.Waiters() == 1 },
		time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
