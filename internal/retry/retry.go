// Package retry provides the bounded exponential backoff policy shared by
// token refresh and push-channel reconnection.
package retry

import (
	"context"
	"time"

	"ridesync/internal/faults"
)

// Sleeper abstracts time.Sleep so backoff schedules can be tested without
// real timers.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps on the wall clock, honoring context cancellation.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy is a bounded exponential backoff schedule:
// delay(n) = min(Base * 2^(n-1), Cap) before attempt n+1.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Sleeper     Sleeper
}

// DefaultPolicy matches the token-refresh budget: three attempts, one second
// base, thirty second cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        time.Second,
		Cap:         30 * time.Second,
		Sleeper:     RealSleeper{},
	}
}

// Delay returns the pause taken after attempt number attempt (1-based) fails.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping the backoff delay between
// failures. Non-transient faults abort immediately; a used-up budget is
// reported as an Exhausted fault wrapping the last failure.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = RealSleeper{}
	}

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if !faults.IsTransient(last) {
			return last
		}
		if attempt == p.MaxAttempts {
			break
		}

		if err := sleeper.Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}

	return faults.Newf(faults.KindExhausted, "retry budget of %d attempts used: %w", p.MaxAttempts, last)
}
