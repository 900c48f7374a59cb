package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// Attempts is the maximum number of calls, including the first.
	// Default: 3.
	Attempts int

	// InitialDelay is the wait before the second attempt; it doubles after
	// every further failure. Default: 5s.
	InitialDelay time.Duration
}

// Retry runs fn until it succeeds, the attempt budget is exhausted, or ctx
// is cancelled. Waits between attempts grow exponentially from
// [RetryConfig.InitialDelay]. The returned error wraps the last failure, so
// callers can match the underlying cause with [errors.Is].
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 5 * time.Second
	}

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= cfg.Attempts {
			return fmt.Errorf("resilience: %s: %d attempts exhausted: %w", cfg.Name, attempt, err)
		}

		slog.Warn("retrying after failure",
			"name", cfg.Name,
			"attempt", attempt,
			"next_delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
		delay *= 2
	}
}
