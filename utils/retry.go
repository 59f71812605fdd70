package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryConfig holds the parameters for the retry strategy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *Logger
}

// Permanent marks err as not worth retrying; Do returns it unwrapped
// immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do executes fn with exponential back-off retry logic. The context stops
// further attempts but never interrupts one in flight.
func (r *RetryConfig) Do(ctx context.Context, operationName string, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if r.BaseDelay > 0 {
		bo.InitialInterval = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		bo.MaxInterval = r.MaxDelay
	}
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return fn()
	}
	notify := func(err error, wait time.Duration) {
		if r.Logger != nil {
			r.Logger.Warn("[retry] %s failed (attempt %d/%d): %v, retrying in %v",
				operationName, attempt, attempts, err, wait)
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}
	if attempt <= 1 {
		return err
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempt, err)
}
