package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryErrWithContext calls fn up to maxTries times until it returns nil or
// ctx is done. Context errors from fn stop the loop.
func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	if maxTries <= 0 {
		maxTries = 1
	}

	var lastErr error
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// Backoff describes an exponential retry schedule. Delay n is
// min(Initial * Multiplier^n, Max) with up to Jitter of it randomized away.
type Backoff struct {
	MaxTries   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// DefaultBackoff is used by ingestion workers for provider and index calls.
var DefaultBackoff = Backoff{
	MaxTries:   4,
	Initial:    100 * time.Millisecond,
	Max:        5 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

// Delay returns the wait before attempt n+1 (n counts from zero).
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Initial)
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < n; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d -= d * b.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// RetryWithBackoff behaves like RetryErrWithContext but sleeps according to b
// between attempts. Errors for which permanent returns true stop the loop
// immediately.
func RetryWithBackoff[T any](
	ctx context.Context,
	b Backoff,
	permanent func(error) bool,
	fn func(context.Context) (T, error),
) (T, error) {
	maxTries := b.MaxTries
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if permanent != nil && permanent(err) {
			return zero, err
		}
		lastErr = err
		if i == maxTries-1 {
			break
		}

		timer := time.NewTimer(b.Delay(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}
