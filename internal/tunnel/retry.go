package tunnel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// PermanentError wraps an error that should not be retried. Return
// Permanent(err) from the fn callback to stop retries immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError to stop retries.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// retryConfig configures the backoff behavior.
type retryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func defaultRetryConfig() retryConfig {
	return retryConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     15 * time.Second,
		MaxAttempts:  4,
	}
}

// retryDo executes fn with exponential backoff and jitter. It stops on a
// PermanentError, context cancellation, or attempt exhaustion.
func retryDo(ctx context.Context, cfg retryConfig, log *zap.Logger, operation string, fn func(ctx context.Context) error) error {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultRetryConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultRetryConfig().MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultRetryConfig().MaxAttempts
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info("operation succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt),
					zap.Duration("elapsed", time.Since(start).Round(time.Millisecond)))
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			log.Warn("operation failed permanently, not retrying",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(permErr.Err))
			return permErr.Err
		}
		lastErr = err

		if attempt >= cfg.MaxAttempts {
			log.Warn("retries exhausted",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(lastErr))
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, attempt, lastErr)
		}

		// Exponential backoff with up to 25% jitter.
		delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(2, float64(attempt-1)))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		delay += time.Duration(rand.Int63n(int64(delay) / 4))

		log.Debug("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
