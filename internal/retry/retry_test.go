package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
		PerCallTimeout: 100 * time.Millisecond,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	var calls atomic.Int32
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestDo_ExhaustedAttemptsAreTransient(t *testing.T) {
	var calls atomic.Int32
	cause := errors.New("timeout talking to backend")
	err := Do(context.Background(), fastPolicy(4), func(ctx context.Context) error {
		calls.Add(1)
		return cause
	})
	require.ErrorIs(t, err, common.ErrTransientIO)
	require.ErrorIs(t, err, cause)
	require.Equal(t, int32(4), calls.Load(), "retries must be bounded by MaxAttempts")
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	cause := errors.New("bad request")
	err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls.Add(1)
		return Permanent(cause)
	})
	require.Equal(t, cause, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestDo_PerCallTimeoutApplies(t *testing.T) {
	p := fastPolicy(2)
	p.PerCallTimeout = 20 * time.Millisecond
	err := Do(context.Background(), p, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, common.ErrTransientIO)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDo_CallerCancellationIsNotTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	err := Do(ctx, fastPolicy(10), func(ctx context.Context) error {
		calls.Add(1)
		cancel()
		return errors.New("interrupted")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, common.ErrTransientIO)
	require.Equal(t, int32(1), calls.Load())
}

func TestPolicyBackoff(t *testing.T) {
	p := Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 200*time.Millisecond, p.Backoff(2))
	require.Equal(t, 800*time.Millisecond, p.Backoff(4))
	require.Equal(t, time.Second, p.Backoff(5))
	require.Equal(t, time.Second, p.Backoff(50))
}
