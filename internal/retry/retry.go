// Package retry runs an operation with exponential backoff and jitter. The
// server uses it to wait for backing stores at startup.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// ExhaustedError is returned when the attempt or time budget runs out.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Elapsed   time.Duration
	LastError error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts over %v: %v",
		e.Operation, e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Config configures the retry behavior.
type Config struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxElapsed is the total time after which retries stop.
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = unlimited, use MaxElapsed).
	MaxAttempts int
	Logger      *slog.Logger
}

// DefaultConfig returns defaults suited to connecting to a local store.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		MaxElapsed:   time.Minute,
		MaxAttempts:  5,
	}
}

// Backoff returns the un-jittered delay before retry number attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay || d <= 0 {
			return c.MaxDelay
		}
	}
	return min(d, c.MaxDelay)
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = def.MaxElapsed
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Do calls fn until it succeeds, returns a PermanentError, the context ends,
// or the budget in cfg is exhausted.
func Do(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("operation", operation)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			logger.Warn("Operation failed permanently, not retrying", "attempt", attempt, "error", permErr.Err)
			return permErr.Err
		}

		elapsed := time.Since(start)
		if (cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts) || elapsed >= cfg.MaxElapsed {
			exhausted := &ExhaustedError{Operation: operation, Attempts: attempt, Elapsed: elapsed, LastError: err}
			logger.Warn("Operation retries exhausted", "attempts", attempt, "elapsed", elapsed.Round(time.Millisecond), "lastError", err)
			return exhausted
		}

		delay := cfg.Backoff(attempt)
		sleep := delay + rand.N(delay/2+1)
		logger.Info("Operation failed, retrying",
			"attempt", attempt,
			"delay", sleep.Round(time.Millisecond),
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}
}
