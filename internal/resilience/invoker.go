// Package resilience wraps remote calls with bounded retries and credential
// rotation. Every credentialed call goes through Do; every other bounded
// retry loop goes through Retry.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/papermill/internal/credentials"
)

// Classifier reports whether err means the current credential is exhausted
// (quota, suspension, rate limit) and the invoker should rotate.
type Classifier func(err error) bool

// Policy configures the two retry tiers of an Invoker.
type Policy struct {
	// Attempts per credential before escalating to rotation.
	Attempts int
	// Backoff between attempts on the same credential.
	Backoff Backoff
	// Cooldown after a rotation, long enough to clear per-IP throttling.
	Cooldown time.Duration
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 5,
		Backoff:  Exponential{Base: 2 * time.Second, Max: time.Minute, Jitter: 0.5},
		Cooldown: 60 * time.Second,
	}
}

// Invoker runs operations against the credentials of one pool.
type Invoker struct {
	pool   *credentials.Pool
	policy Policy
	sleep  SleepFunc
	logger *slog.Logger
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithSleep replaces the timer used for backoff and cooldown waits.
func WithSleep(fn SleepFunc) InvokerOption {
	return func(inv *Invoker) { inv.sleep = fn }
}

// WithLogger sets the logger used for attempt and rotation events.
func WithLogger(l *slog.Logger) InvokerOption {
	return func(inv *Invoker) { inv.logger = l }
}

func NewInvoker(pool *credentials.Pool, policy Policy, opts ...InvokerOption) *Invoker {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.Backoff == nil {
		policy.Backoff = Fixed{}
	}
	inv := &Invoker{pool: pool, policy: policy, sleep: Sleep, logger: slog.Default()}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Pool returns the credential pool the invoker draws from.
func (inv *Invoker) Pool() *credentials.Pool { return inv.pool }

// Do calls fn with the active credential until it succeeds.
//
// Transient failures are retried on the same credential with backoff. A
// failure that classify marks as rotation-class, or running out of attempts,
// rotates to the next credential and waits the cooldown. Once every
// credential has been tried the call fails: with ErrPoolExhausted when every
// credential was rejected with a rotation-class error, otherwise with
// ErrRetriesExhausted.
//
// Tried credentials are tracked by value, so another invoker moving the
// shared cursor can neither make Do repeat a credential nor stop it before
// every credential in the pool has had its turn.
func Do[T any](ctx context.Context, inv *Invoker, op string, classify Classifier, fn func(ctx context.Context, credential string) (T, error)) (T, error) {
	var zero T
	if _, err := inv.pool.Current(); err != nil {
		return zero, err
	}

	tried := make(map[string]bool, inv.pool.Size())
	allRotational := true
	var lastErr error
	attempts := 0
	for {
		cred, ok, err := inv.untried(tried)
		if err != nil {
			return zero, err
		}
		if !ok {
			break
		}
		tried[cred] = true

		v, n, rotational, err := inner(ctx, inv, op, classify, cred, fn)
		attempts += n
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		if !rotational {
			allRotational = false
		}

		rotated := inv.pool.Rotate()
		remaining := inv.remaining(tried)
		inv.logger.Warn("escalating to credential rotation",
			"op", op, "credential", credentials.Mask(cred), "rotated", rotated,
			"tried", len(tried), "remaining", remaining, "rate_limited", rotational, "error", err)
		if remaining == 0 {
			break
		}
		inv.logger.Info("credential cooldown", "op", op, "delay", inv.policy.Cooldown)
		if err := inv.sleep(ctx, inv.policy.Cooldown); err != nil {
			return zero, err
		}
	}

	kind := ErrRetriesExhausted
	if allRotational {
		kind = ErrPoolExhausted
	}
	return zero, &ExhaustedError{Op: op, Attempts: attempts, Kind: kind, Err: lastErr}
}

// untried returns the active credential, first advancing the cursor past
// credentials in tried. ok is false once every pooled credential is in tried.
func (inv *Invoker) untried(tried map[string]bool) (string, bool, error) {
	for range inv.pool.Size() + 1 {
		cred, err := inv.pool.Current()
		if err != nil {
			return "", false, err
		}
		if !tried[cred] {
			return cred, true, nil
		}
		if inv.remaining(tried) == 0 || !inv.pool.Rotate() {
			break
		}
	}
	return "", false, nil
}

// remaining counts pooled credentials not in tried.
func (inv *Invoker) remaining(tried map[string]bool) int {
	n := 0
	for _, k := range inv.pool.Keys() {
		if !tried[k] {
			n++
		}
	}
	return n
}

// inner retries fn on one credential. It returns the number of calls made
// and whether the final error was rotation-class.
func inner[T any](ctx context.Context, inv *Invoker, op string, classify Classifier, cred string, fn func(context.Context, string) (T, error)) (T, int, bool, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= inv.policy.Attempts; attempt++ {
		v, err := fn(ctx, cred)
		if err == nil {
			if attempt > 1 {
				inv.logger.Info("attempt succeeded", "op", op, "attempt", attempt, "credential", credentials.Mask(cred))
			}
			return v, attempt, false, nil
		}
		if ctx.Err() != nil {
			return zero, attempt, false, ctx.Err()
		}
		lastErr = err
		if classify != nil && classify(err) {
			inv.logger.Warn("credential rejected", "op", op, "attempt", attempt, "credential", credentials.Mask(cred), "error", err)
			return zero, attempt, true, err
		}
		inv.logger.Warn("attempt failed", "op", op, "attempt", attempt, "of", inv.policy.Attempts, "credential", credentials.Mask(cred), "error", err)
		if attempt == inv.policy.Attempts {
			break
		}
		d := inv.policy.Backoff.Delay(attempt)
		inv.logger.Info("backing off", "op", op, "delay", d)
		if err := inv.sleep(ctx, d); err != nil {
			return zero, attempt, false, err
		}
	}
	return zero, inv.policy.Attempts, false, lastErr
}
