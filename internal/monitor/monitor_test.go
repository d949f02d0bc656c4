package monitor

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/telemetry"
)

type fakeTarget struct {
	id  string
	pid int

	mu      sync.Mutex
	usage   dragonflow.ResourceUsage
	aborts  []error
	current dragonflow.ResourceUsage
}

func (f *fakeTarget) TaskID() string                       { return f.id }
func (f *fakeTarget) ExecutionID() string                  { return "exec-" + f.id }
func (f *fakeTarget) PID() int                             { return f.pid }
func (f *fakeTarget) Reporter() dragonflow.UsageReporter   { return f }
func (f *fakeTarget) Usage() dragonflow.ResourceUsage      { f.mu.Lock(); defer f.mu.Unlock(); return f.current }
func (f *fakeTarget) RecordUsage(u dragonflow.ResourceUsage) { f.mu.Lock(); f.usage = u; f.mu.Unlock() }

func (f *fakeTarget) Abort(cause error) {
	f.mu.Lock()
	f.aborts = append(f.aborts, cause)
	f.mu.Unlock()
}

func (f *fakeTarget) set(u dragonflow.ResourceUsage) {
	f.mu.Lock()
	f.current = u
	f.mu.Unlock()
}

func TestMonitor_MemoryBreachAbortsOnce(t *testing.T) {
	bus := eventbus.NewChannelEventBus(eventbus.WithWorkerCount(1))
	var (
		mu     sync.Mutex
		events []*eventbus.ResourceEvent
	)
	_, err := eventbus.Subscribe(bus, []eventbus.EventType{eventbus.EventResourceLimitExceeded},
		func(_ context.Context, e *eventbus.ResourceEvent) error {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			return nil
		})
	require.NoError(t, err)

	metrics := telemetry.NewMetrics(nil)
	m := New(time.Hour, Limits{MemoryBytes: 1 << 20},
		WithSampler(DefaultSampler{}), WithEventBus(bus), WithMetrics(metrics))

	target := &fakeTarget{id: "hog"}
	target.set(dragonflow.ResourceUsage{MemoryBytes: 512 << 10})
	m.Track(target)

	m.Check(context.Background())
	assert.Empty(t, target.aborts)
	assert.Equal(t, uint64(512<<10), target.usage.MemoryBytes)

	target.set(dragonflow.ResourceUsage{MemoryBytes: 2 << 20})
	m.Check(context.Background())
	m.Check(context.Background())

	require.Len(t, target.aborts, 1)
	assert.ErrorIs(t, target.aborts[0], dragonflow.ErrResourceLimit)
	assert.True(t, dragonflow.IsRetryable(target.aborts[0]))
	assert.Equal(t, 1, m.Violations("hog"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ResourceViolations.WithLabelValues("memory")))

	require.NoError(t, bus.Close())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "hog", events[0].TaskID)
	assert.Equal(t, "memory", events[0].Resource)

	m.ClearViolations("hog")
	assert.Equal(t, 0, m.Violations("hog"))
}

func TestMonitor_CPUBreachOnlyWarns(t *testing.T) {
	metrics := telemetry.NewMetrics(nil)
	m := New(time.Hour, Limits{CPUPercent: 50}, WithSampler(DefaultSampler{}), WithMetrics(metrics))

	target := &fakeTarget{id: "spinner"}
	target.set(dragonflow.ResourceUsage{CPUPercent: 180})
	m.Track(target)
	m.Check(context.Background())
	m.Check(context.Background())

	assert.Empty(t, target.aborts)
	assert.Equal(t, 0, m.Violations("spinner"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ResourceViolations.WithLabelValues("cpu")))
}

func TestMonitor_UntrackedTargetNotSampled(t *testing.T) {
	calls := 0
	m := New(time.Hour, Limits{}, WithSampler(SamplerFunc(func(Target) (dragonflow.ResourceUsage, error) {
		calls++
		return dragonflow.ResourceUsage{}, nil
	})))

	target := &fakeTarget{id: "a"}
	m.Track(target)
	m.Check(context.Background())
	m.Untrack(target)
	m.Check(context.Background())

	assert.Equal(t, 1, calls)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	sampled := make(chan struct{}, 16)
	m := New(5*time.Millisecond, Limits{}, WithSampler(SamplerFunc(func(Target) (dragonflow.ResourceUsage, error) {
		select {
		case sampled <- struct{}{}:
		default:
		}
		return dragonflow.ResourceUsage{}, nil
	})))
	m.Track(&fakeTarget{id: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-sampled:
	case <-time.After(time.Second):
		t.Fatal("monitor never sampled")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestProcSampler_Self(t *testing.T) {
	s, err := NewProcSampler("")
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}

	first, err := s.Sample(os.Getpid())
	if err != nil {
		t.Skipf("cannot read own process: %v", err)
	}
	assert.Greater(t, first.MemoryBytes, uint64(0))
	assert.Zero(t, first.CPUPercent, "no previous sample to diff against")

	second, err := s.Sample(os.Getpid())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)

	s.Forget(os.Getpid())
}
