// Package retry wraps operations in exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Common retryable errors
var (
	ErrRateLimited = errors.New("chatgraph: rate limit exceeded")
	ErrTimeout     = errors.New("chatgraph: request timeout")
	ErrServerError = errors.New("chatgraph: server error (5xx)")
)

// Config configures retry behavior for completion and tool calls.
type Config struct {
	MaxRetries      int           // Maximum number of retry attempts (0 = no retries)
	InitialDelay    time.Duration // Initial delay before first retry
	MaxDelay        time.Duration // Maximum delay between retries
	Multiplier      float64       // Backoff multiplier (e.g., 2.0 for exponential)
	RetryableErrors []error       // Errors that should trigger a retry
	// Retryable overrides RetryableErrors when set.
	Retryable func(error) bool
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		RetryableErrors: []error{
			ErrRateLimited,
			ErrTimeout,
			ErrServerError,
		},
	}
}

// NoRetries returns a config that runs the operation exactly once.
func NoRetries() Config {
	return Config{}
}

// IsRetryable checks if an error should trigger a retry.
func (c Config) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	for _, retryableErr := range c.RetryableErrors {
		if errors.Is(err, retryableErr) {
			return true
		}
	}
	return false
}

func (c Config) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialDelay > 0 {
		b.InitialInterval = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		b.MaxInterval = c.MaxDelay
	}
	if c.Multiplier > 0 {
		b.Multiplier = c.Multiplier
	}
	return b
}

// Do runs fn until it succeeds, returns a non-retryable error, or exhausts MaxRetries.
func Do[T any](ctx context.Context, cfg Config, logger *slog.Logger, fn func() (T, error)) (T, error) {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := 0
	op := func() (T, error) {
		attempts++
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !cfg.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	maxTries := uint(1)
	if cfg.MaxRetries > 0 {
		maxTries += uint(cfg.MaxRetries)
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(cfg.backOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, delay time.Duration) {
			logger.Warn("operation failed, retrying",
				"attempt", attempts,
				"max_retries", cfg.MaxRetries,
				"delay", delay,
				"error", err,
			)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return result, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return result, err
	}
	if attempts > 1 {
		logger.Info("operation succeeded after retry", "attempt", attempts)
	}
	return result, nil
}
