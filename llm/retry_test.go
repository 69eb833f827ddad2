package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		Multiplier:     2.0,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnFatal(t *testing.T) {
	calls := 0
	fatal := NewFatalError(errors.New("bad request"))
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return fatal
	})
	assert.Equal(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return NewTransientError(errors.New("still down"))
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := fastPolicy(5)
	policy.InitialBackoff = time.Second
	policy.MaxBackoff = time.Second

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, policy, func(ctx context.Context) error {
			calls++
			return NewTransientError(errors.New("slow"))
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestRetryRefusesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Retry(ctx, fastPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestBackoffCapped(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 10 * time.Millisecond,
		Multiplier:     10.0,
		MaxBackoff:     20 * time.Millisecond,
	}
	// Attempt 3 would be 1s uncapped; jitter is +/- 25% of the capped value.
	got := backoffFor(policy, 3)
	assert.LessOrEqual(t, got, 25*time.Millisecond)
	assert.GreaterOrEqual(t, got, 15*time.Millisecond)
}
