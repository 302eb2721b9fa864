// Package retry provides exponential backoff with jitter for best-effort
// background deliveries.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do stops retrying immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy configures the retry behavior.
type Policy struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxElapsed is the total time after which retries stop.
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = unlimited, use MaxElapsed).
	MaxAttempts int
	// Clock is used for sleeping; nil means the wall clock.
	Clock clock.Clock
}

// DefaultPolicy suits local deliveries such as SQLite writes.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxElapsed:   10 * time.Second,
		MaxAttempts:  4,
	}
}

// Do runs fn until it succeeds, returns a PermanentError, or the policy is
// exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, operation string, fn func(ctx context.Context) error) error {
	def := DefaultPolicy()
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = def.MaxElapsed
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	start := clk.Now()
	delay := p.InitialDelay

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Debug("Operation succeeded after retry", "operation", operation, "attempt", attempt)
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			return permErr.Err
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, attempt, err)
		}
		elapsed := clk.Since(start)
		if elapsed >= p.MaxElapsed {
			return fmt.Errorf("%s: retries exhausted after %v: %w", operation, elapsed.Round(time.Millisecond), err)
		}

		sleep := delay
		if half := int64(delay) / 2; half > 0 {
			sleep += time.Duration(rand.Int63n(half))
		}
		slog.Debug("Operation failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay", sleep.Round(time.Millisecond),
			"error", err,
		)

		timer := clk.Timer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-timer.C:
		}

		delay = min(delay*2, p.MaxDelay)
	}
}
