package breaker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

func transientErr() error {
	return fmt.Errorf("op=test: %w", domain.ErrTransientIO)
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	cb := New("llm", Config{FailureThreshold: 5, ResetTimeout: time.Minute}, ClassifyLLM)

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return transientErr()
		}, ExecuteOptions{})
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Calls while open fail fast without invoking fn.
	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	}, ExecuteOptions{})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenProbeRecovers(t *testing.T) {
	cb := New("llm", Config{FailureThreshold: 2, ResetTimeout: 20 * time.Millisecond, ProbeCount: 1}, ClassifyLLM)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transientErr() }, ExecuteOptions{})
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State(), "reset timeout elapsed")

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
}

func TestBreaker_HalfOpenFailureReopensWithDoubledTimeout(t *testing.T) {
	cb := New("llm", Config{FailureThreshold: 2, ResetTimeout: 20 * time.Millisecond, MaxResetTimeout: time.Minute, ProbeCount: 1}, ClassifyLLM)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transientErr() }, ExecuteOptions{})
	}
	time.Sleep(30 * time.Millisecond)

	// The probe fails; the circuit reopens with a doubled reset timeout.
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transientErr() }, ExecuteOptions{})
	require.Equal(t, StateOpen, cb.State())
	assert.Greater(t, time.Until(cb.NextRetryTime()), 25*time.Millisecond, "reset timeout doubled")
	assert.GreaterOrEqual(t, cb.PerformanceMetrics().ConsecutiveOpens, 2)
}

func TestBreaker_RateLimitNeverTrips(t *testing.T) {
	cb := New("llm", Config{FailureThreshold: 2, ResetTimeout: time.Minute}, ClassifyLLM)

	for i := 0; i < 10; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error {
			return &RateLimitError{RetryAfter: 50 * time.Millisecond}
		}, ExecuteOptions{})
		require.ErrorIs(t, err, domain.ErrRateLimited)
	}

	assert.Equal(t, StateClosed, cb.State(), "rate limits leave the circuit closed")
	assert.Equal(t, 0, cb.FailureCount())
	assert.False(t, cb.BackoffUntil().IsZero(), "provider backoff recorded")
	assert.Equal(t, int64(10), cb.PerformanceMetrics().RateLimitedCalls)
}

func TestBreaker_BackoffDeadlineRefusesCalls(t *testing.T) {
	cb := New("llm", Config{FailureThreshold: 5, ResetTimeout: time.Minute}, ClassifyLLM)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return &RateLimitError{RetryAfter: time.Minute}
	}, ExecuteOptions{})
	require.ErrorIs(t, err, domain.ErrRateLimited)

	// Inside the cooldown the breaker refuses without invoking fn and carries
	// the remaining wait in the error.
	called := false
	err = cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	}, ExecuteOptions{})
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.False(t, called)
	assert.Greater(t, RetryAfter(err), 50*time.Second)
	assert.Equal(t, StateClosed, cb.State(), "cooldown never opens the circuit")
}

func TestBreaker_BackoffStoreSharesCooldownAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisBackoffStore(rdb, "t:backoff")
	cfg := Config{FailureThreshold: 5, ResetTimeout: time.Minute}

	first := New("llm", cfg, ClassifyLLM)
	first.SetBackoffStore(store)
	err := first.Execute(context.Background(), func(ctx context.Context) error {
		return &RateLimitError{RetryAfter: time.Minute}
	}, ExecuteOptions{})
	require.ErrorIs(t, err, domain.ErrRateLimited)

	until, err := store.GetBackoffUntil(context.Background(), "llm")
	require.NoError(t, err)
	assert.True(t, until.After(time.Now()), "deadline persisted to the store")

	// A fresh breaker sharing the store observes the cooldown.
	second := New("llm", cfg, ClassifyLLM)
	second.SetBackoffStore(store)
	called := false
	err = second.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	}, ExecuteOptions{})
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.False(t, called)

	// Once the deadline expires the store entry goes with it.
	mr.FastForward(2 * time.Minute)
	third := New("llm", cfg, ClassifyLLM)
	third.SetBackoffStore(store)
	require.NoError(t, third.Execute(context.Background(), func(ctx context.Context) error { return nil }, ExecuteOptions{}))
}

func TestBreaker_PermanentAuthMarksDegradedWithoutOpening(t *testing.T) {
	cb := New("llm", Config{FailureThreshold: 2, ResetTimeout: time.Minute}, ClassifyLLM)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return fmt.Errorf("op=test: %w", domain.ErrAuthPermanent)
	}, ExecuteOptions{})
	require.ErrorIs(t, err, domain.ErrAuthPermanent)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.PermanentlyDegraded())
}

func TestBreaker_RetriesRetryableErrors(t *testing.T) {
	cb := New("llm", Config{FailureThreshold: 10, ResetTimeout: time.Minute}, ClassifyLLM)

	calls := 0
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	}, ExecuteOptions{MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBreaker_FallbackServedWhenOpen(t *testing.T) {
	cb := New("cache", Config{FailureThreshold: 1, ResetTimeout: time.Minute}, ClassifyCache)
	fallbackHit := false
	cb.SetCacheFallback(func(ctx context.Context) error {
		fallbackHit = true
		return nil
	})

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transientErr() }, ExecuteOptions{})
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil }, ExecuteOptions{UseFallback: true})
	require.NoError(t, err)
	assert.True(t, fallbackHit)
}

func TestBreaker_FailureWindowPrunes(t *testing.T) {
	cb := New("llm", Config{FailureThreshold: 3, ResetTimeout: time.Minute, FailureWindow: 20 * time.Millisecond}, ClassifyLLM)

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transientErr() }, ExecuteOptions{})
	}
	require.Equal(t, 2, cb.FailureCount())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, cb.FailureCount(), "failures age out of the window")

	// A third failure after the window does not trip.
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return transientErr() }, ExecuteOptions{})
	assert.Equal(t, StateClosed, cb.State())
}
