package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay to wait after the n-th failed attempt (n >= 1).
type Backoff interface {
	Delay(n int) time.Duration
}

// Exponential doubles Base after every failure up to Max, then adds a random
// jitter of up to Jitter times the delay.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (e Exponential) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(n-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if e.Jitter > 0 {
		d += rand.Float64() * e.Jitter * d
	}
	return time.Duration(d)
}

// Fixed waits the same duration after every failure.
type Fixed struct {
	Wait time.Duration
}

func (f Fixed) Delay(int) time.Duration { return f.Wait }

// Linear waits Base plus Step for every failure so far.
type Linear struct {
	Base time.Duration
	Step time.Duration
}

func (l Linear) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return l.Base + time.Duration(n)*l.Step
}

// SleepFunc blocks for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the timer-based SleepFunc used outside tests.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
