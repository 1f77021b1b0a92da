package resilience

import (
	"context"
	"log/slog"
)

// RetryPolicy configures Retry.
type RetryPolicy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	Backoff  Backoff
	// Stop, when set, ends the loop early for errors that retrying cannot
	// fix.
	Stop   func(error) bool
	Sleep  SleepFunc
	Logger *slog.Logger
}

// Retry calls fn until it succeeds, Stop matches its error, ctx is done, or
// Attempts calls have been made. fn receives the 1-based attempt number.
// On exhaustion the returned error is an *ExhaustedError matching
// ErrRetriesExhausted.
func Retry(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Fixed{}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info("retry succeeded", "op", op, "attempt", attempt)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		logger.Warn("attempt failed", "op", op, "attempt", attempt, "of", attempts, "error", err)
		if p.Stop != nil && p.Stop(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		d := backoff.Delay(attempt)
		logger.Debug("backing off", "op", op, "delay", d)
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
	return &ExhaustedError{Op: op, Attempts: attempts, Kind: ErrRetriesExhausted, Err: lastErr}
}
