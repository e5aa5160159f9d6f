// Package resilience provides retry primitives for flaky network
// dependencies: the archive database and the receiver host are both reached
// over links that drop packets or restart mid-acquisition.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// permanentError marks an error that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so [Retry] stops immediately instead of exhausting its
// attempt budget. Use it for errors a repeat call cannot fix, such as
// authentication failures or malformed requests.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// RetryConfig holds tuning knobs for [Retry]. Zero-value fields are replaced
// with defaults.
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Attempts is the total number of calls, including the first.
	// Default: 3.
	Attempts int

	// BaseDelay is the wait before the second attempt; each further wait
	// doubles it. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Default: 5s.
	MaxDelay time.Duration
}

func (cfg *RetryConfig) normalize() {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
}

// Retry calls fn until it succeeds, returns a [Permanent] error, the attempt
// budget is exhausted, or ctx ends. Waits between attempts grow
// exponentially from BaseDelay with up to 25% random jitter so reconnecting
// clients do not stampede a recovering host.
//
// The returned error is fn's last error; a cancelled context yields ctx's
// error wrapped around the last failure when one occurred.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg.normalize()

	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		lastErr = err

		if attempt >= cfg.Attempts {
			return lastErr
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		}

		wait := delay + time.Duration(rand.Int64N(int64(delay)/4+1))
		slog.Warn("retrying after failure",
			"name", cfg.Name,
			"attempt", attempt,
			"wait", wait,
			"err", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-timer.C:
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
