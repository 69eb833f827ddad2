package llm

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy holds retry configuration for capability requests.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts per operation.
	MaxAttempts int

	// InitialBackoff is the backoff before the first retry.
	InitialBackoff time.Duration

	// Multiplier is applied to the backoff on each retry.
	Multiplier float64

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// IsRetryable decides whether an error warrants another attempt.
	// Nil defaults to IsTransient.
	IsRetryable func(error) bool
}

// DefaultRetryPolicy returns sensible retry defaults for capability requests.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     30 * time.Second,
	}
}

// Retry runs op until it succeeds, exhausts the attempt budget, or hits a
// non-retryable error. Backoff is exponential with +/- 25% jitter to avoid
// synchronized retries.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	retryable := policy.IsRetryable
	if retryable == nil {
		retryable = IsTransient
	}
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		// A cancelled context never drives another attempt.
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(policy, attempt)):
		}
	}
	return lastErr
}

// backoffFor computes the backoff before retry number attempt (1-based).
func backoffFor(policy RetryPolicy, attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= policy.Multiplier
	}

	backoff := time.Duration(float64(policy.InitialBackoff) * multiplier)
	if policy.MaxBackoff > 0 && backoff > policy.MaxBackoff {
		backoff = policy.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
