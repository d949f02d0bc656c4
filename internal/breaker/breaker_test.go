package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func testConfig() Config {
	return Config{
		FailureThreshold:         3,
		SuccessThreshold:         2,
		OpenDuration:             10 * time.Second,
		HalfOpenConcurrencyLimit: 1,
	}
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_FullCycle(t *testing.T) {
	clock := newFakeClock()
	var transitions []Transition
	b := New("worker-a", testConfig(), WithClock(clock.Now), WithStateChangeHook(func(tr Transition) {
		transitions = append(transitions, tr)
	}))
	ctx := context.Background()

	// Three consecutive failures open the breaker.
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Calls are rejected without running the function.
	invoked := false
	err := b.Execute(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, dragonflow.ErrBreakerOpen)
	assert.False(t, invoked)

	// After the cooldown the next call is a trial.
	clock.Advance(10 * time.Second)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())

	m := b.Metrics()
	assert.Equal(t, 0, m.ConsecutiveFailures)
	assert.Equal(t, 0, m.ConsecutiveSuccesses)

	require.Len(t, transitions, 3)
	assert.Equal(t, StateOpen, transitions[0].To)
	assert.Equal(t, StateHalfOpen, transitions[1].To)
	assert.Equal(t, StateClosed, transitions[2].To)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := New("worker-a", testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)

	require.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, clock.Now(), b.Metrics().LastTransitionAt, "cooldown restarts")

	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, succeed), dragonflow.ErrBreakerOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New("worker-a", testConfig())
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Metrics().ConsecutiveFailures)
}

func TestBreaker_HalfOpenConcurrencyLimit(t *testing.T) {
	clock := newFakeClock()
	b := New("worker-a", testConfig(), WithClock(clock.Now))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.Advance(10 * time.Second)

	trial, err := b.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Allow()
	assert.ErrorIs(t, err, dragonflow.ErrBreakerOpen, "only one concurrent trial allowed")

	trial.Release()
	trial.Release() // double release is harmless
	third, err := b.Allow()
	require.NoError(t, err, "slot is returned on completion")
	third.Release()
	assert.Equal(t, 0, b.Metrics().HalfOpenInFlight)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_StaleOutcomesAreIgnored(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.FailureThreshold = 1
	b := New("worker-a", cfg, WithClock(clock.Now))

	// Admitted while closed, finishes after the breaker has moved on.
	slow, err := b.Allow()
	require.NoError(t, err)
	slowFailure, err := b.Allow()
	require.NoError(t, err)

	require.ErrorIs(t, b.Execute(context.Background(), fail), errBoom)
	require.Equal(t, StateOpen, b.State())
	clock.Advance(10 * time.Second)

	require.NoError(t, b.Execute(context.Background(), succeed))
	require.Equal(t, StateHalfOpen, b.State())

	slow.Success()
	assert.Equal(t, StateHalfOpen, b.State(), "a closed-era success is not a trial")
	assert.Equal(t, 1, b.Metrics().ConsecutiveSuccesses)

	slowFailure.Failure()
	assert.Equal(t, StateHalfOpen, b.State(), "a closed-era failure does not reopen")

	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CancellationIsNeutral(t *testing.T) {
	b := New("worker-a", testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := b.Execute(ctx, func(context.Context) error { return context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, int64(0), b.Metrics().TotalFailures)
}

func TestBreaker_Reset(t *testing.T) {
	b := New("worker-a", testConfig())
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Execute(context.Background(), succeed))
}

func TestManager_LazyPerKey(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Transition
	)
	m := NewManager(testConfig(), WithListener(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	}))

	a := m.Get("a")
	assert.Same(t, a, m.Get("a"))
	assert.NotSame(t, a, m.Get("b"))

	for i := 0; i < 3; i++ {
		a.RecordFailure()
	}

	all := m.GetAllMetrics()
	require.Len(t, all, 2)
	assert.Equal(t, "open", all["a"].State)
	assert.Equal(t, "closed", all["b"].State)
	assert.Equal(t, []string{"a", "b"}, m.Keys())

	assert.True(t, m.Reset("a"))
	assert.False(t, m.Reset("missing"))
	assert.Equal(t, StateClosed, a.State())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, "a", seen[0].Key)
	assert.Equal(t, StateOpen, seen[0].To)
	assert.Equal(t, StateClosed, seen[1].To)
}

func TestManager_ConcurrentGet(t *testing.T) {
	m := NewManager(testConfig())
	var wg sync.WaitGroup
	got := make([]*Breaker, 32)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = m.Get("shared")
		}(i)
	}
	wg.Wait()
	for _, b := range got {
		assert.Same(t, got[0], b)
	}
}
