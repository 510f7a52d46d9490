package retry

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines how to retry an operation.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// FullJitter draws the delay uniformly from (0, capped backoff] instead
	// of adding partial jitter on top of it.
	FullJitter bool
}

// DefaultPolicy is a sensible default retry policy.
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// IsTransientFunc reports whether an error is transient and worth retrying.
type IsTransientFunc func(error) bool

// Delay computes the backoff before the given zero-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < attempt && backoff < p.MaxBackoff; i++ {
		backoff *= 2
	}
	if backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	if p.FullJitter {
		return time.Duration(rand.Int63n(int64(backoff)) + 1)
	}
	return backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
}

// Do executes fn with retries according to the policy.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	var err error

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Delay(attempt)):
		}
	}

	return err
}
