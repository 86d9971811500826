package claimer

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds WithNavigationRetries. Timeout applies to each attempt.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
}

// WithNavigationRetries runs action up to policy.Attempts times, sleeping policy.Delay between
// attempts. The last attempt's error is returned once attempts are exhausted.
func WithNavigationRetries(ctx context.Context, policy RetryPolicy, action func(context.Context) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = defaultNavigationRetries
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = withActionTimeout(ctx, policy.Timeout, action)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(policy.Delay):
		}
	}
	return lastErr
}

// withActionTimeout bounds a single action. An expired deadline becomes ErrNavigationTimeout
// unless the parent context itself was cancelled.
func withActionTimeout(ctx context.Context, timeout time.Duration, action func(context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := action(actionCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %v", ErrNavigationTimeout, timeout, err)
	}
	return err
}
