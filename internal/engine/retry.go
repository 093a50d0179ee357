package engine

import (
	"context"
	"time"

	"github.com/mailfold/mailfold/internal/jmap"
)

const (
	defaultAttempts       = 3
	defaultBaseDelay      = 500 * time.Millisecond
	defaultRateLimitDelay = 30 * time.Second
)

// Retrier runs an operation with bounded attempts. The delay doubles after
// each ordinary failure; a rate-limit-class failure takes the longer fixed
// pause instead. Sleep is injectable so tests run against a fake clock.
type Retrier struct {
	Attempts       int
	BaseDelay      time.Duration
	RateLimitDelay time.Duration
	Sleep          func(context.Context, time.Duration) error
}

// Do runs op until it succeeds, attempts run out, or the context ends. The
// last operation error is returned on exhaustion.
func (r Retrier) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	delay := r.BaseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	rateDelay := r.RateLimitDelay
	if rateDelay <= 0 {
		rateDelay = defaultRateLimitDelay
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		pause := delay
		delay *= 2
		if jmap.IsRateLimited(lastErr) {
			pause = rateDelay
		}
		if err := sleep(ctx, pause); err != nil {
			return err
		}
	}
	return lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
