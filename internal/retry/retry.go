// Package retry is the single bounded-retry and backoff policy shared by hedge
// execution, venue REST calls and stream reconnection. Scheduling is
// delegated to cenkalti/backoff; Policy is the config-facing shape of it.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes exponential backoff with jitter. MaxAttempts <= 0 retries
// until ctx is done.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomisation factor applied to each delay, in [0, 1]:
	// a delay d is drawn from [d·(1−Jitter), d·(1+Jitter)].
	Jitter float64
}

// Exponential returns a fresh, unbounded schedule: BaseDelay·2^(n−1) for the
// n-th call to NextBackOff, capped at MaxDelay before jitter. It never
// returns backoff.Stop.
func (p Policy) Exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = math.Min(math.Max(p.Jitter, 0), 1)
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NewBackOff bounds Exponential by MaxAttempts and ctx.
func (p Policy) NewBackOff(ctx context.Context) backoff.BackOffContext {
	var b backoff.BackOff = p.Exponential()
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Permanent marks err as not worth retrying; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a Permanent error, the attempt
// budget is spent or ctx is done. attempt is 1-based. The last error is
// returned unwrapped of any Permanent marker; when ctx ended the loop it is
// joined with ctx's error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempt := 0
	var last error
	err := backoff.Retry(func() error {
		attempt++
		last = fn(ctx, attempt)
		return last
	}, p.NewBackOff(ctx))
	if err != nil && last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) && !errors.Is(last, ctx.Err()) {
		return errors.Join(last, err)
	}
	return err
}

// Sleep waits for d or until ctx is done.
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
