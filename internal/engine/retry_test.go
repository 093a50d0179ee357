package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailfold/mailfold/internal/jmap"
)

// fakeClock records requested sleeps without waiting
type fakeClock struct {
	slept []time.Duration
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.slept = append(c.slept, d)
	return ctx.Err()
}

func TestRetrySucceedsFirstTry(t *testing.T) {
	clock := &fakeClock{}
	r := Retrier{Attempts: 3, BaseDelay: time.Second, Sleep: clock.sleep}

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.slept)
}

func TestRetryDoublesDelay(t *testing.T) {
	clock := &fakeClock{}
	r := Retrier{Attempts: 4, BaseDelay: 100 * time.Millisecond, Sleep: clock.sleep}

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, clock.slept)
}

func TestRetryExhaustionReturnsLastError(t *testing.T) {
	clock := &fakeClock{}
	r := Retrier{Attempts: 3, BaseDelay: time.Millisecond, Sleep: clock.sleep}

	last := errors.New("still broken")
	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return last
	})
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
	// No sleep after the final attempt
	assert.Len(t, clock.slept, 2)
}

func TestRetryRateLimitTakesLongerPause(t *testing.T) {
	clock := &fakeClock{}
	r := Retrier{
		Attempts:       3,
		BaseDelay:      100 * time.Millisecond,
		RateLimitDelay: 30 * time.Second,
		Sleep:          clock.sleep,
	}

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		switch calls {
		case 1:
			return &jmap.HTTPError{Status: 429}
		case 2:
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	// The rate-limited failure takes the fixed long pause; the doubling
	// schedule still advances underneath it.
	assert.Equal(t, []time.Duration{30 * time.Second, 200 * time.Millisecond}, clock.slept)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	r := Retrier{Attempts: 5, BaseDelay: time.Millisecond, Sleep: func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}}
	err := r.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryDefaults(t *testing.T) {
	clock := &fakeClock{}
	r := Retrier{Sleep: clock.sleep}

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("always")
	})
	require.Error(t, err)
	assert.Equal(t, defaultAttempts, calls)
	assert.Equal(t, defaultBaseDelay, clock.slept[0])
}
