// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Config controls the backoff schedule
type Config struct {
	MaxRetries int           // retries after the first attempt (0 = try once)
	Delay      time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap on any single delay
}

// DefaultConfig returns the schedule used when opening a camera
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Delay:      500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
	}
}

// Func is one attempt of the operation
type Func func(ctx context.Context) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, retries run out
// or ctx is done.
//
// Backoff schedule: Delay * 2^(retry-1), capped at MaxDelay.
// With the default config: 500ms, 1s, 2s.
//
// The returned error wraps the last failure.
func Do(ctx context.Context, name string, cfg Config, fn Func) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry: %s: %w (last error: %v)", name, err, lastErr)
			}
			return fmt.Errorf("retry: %s: %w", name, err)
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("retry: operation succeeded", "op", name, "attempts", attempt+1)
			}
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return fmt.Errorf("retry: %s: %w", name, perm.err)
		}

		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("retry: %s: giving up after %d attempts: %w", name, attempt+1, err)
		}

		delay := Backoff(attempt+1, cfg)
		slog.Warn("retry: operation failed, retrying",
			"op", name,
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: %s: %w (last error: %v)", name, ctx.Err(), lastErr)
		}
	}
}

// Backoff returns the delay before the given retry (1-based)
func Backoff(retry int, cfg Config) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > 32 {
		return cfg.MaxDelay
	}

	delay := cfg.Delay * time.Duration(1<<uint(retry-1))
	if cfg.MaxDelay > 0 && (delay > cfg.MaxDelay || delay < 0) {
		delay = cfg.MaxDelay
	}
	return delay
}
