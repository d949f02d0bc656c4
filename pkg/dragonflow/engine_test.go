package dragonflow

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/manifest"
	"github.com/ZanzyTHEbar/dragonflow/internal/monitor"
)

func idleSampler() Sampler {
	return monitor.SamplerFunc(func(monitor.Target) (core.ResourceUsage, error) {
		return core.ResourceUsage{SampledAt: time.Now()}, nil
	})
}

func newEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Executor.BackoffBase = time.Millisecond
	cfg.Executor.BackoffMax = 5 * time.Millisecond
	cfg.Monitor.Interval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(WithConfig(cfg), WithRegisterer(prometheus.NewRegistry()), WithSampler(idleSampler()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Executor.MaxConcurrent = 0
	_, err := New(WithConfig(cfg))
	assert.Error(t, err)
}

func TestEngine_ExecuteCachesResult(t *testing.T) {
	e := newEngine(t, nil)
	w := NewFuncWorker("echo", func(_ context.Context, env core.Envelope) (*core.WorkerOutput, error) {
		return &core.WorkerOutput{Output: env.Task.ID}, nil
	})

	res, err := e.Execute(context.Background(), core.TaskDescriptor{ID: "t1", Type: "echo"}, w)
	require.NoError(t, err)
	assert.True(t, res.Success)

	cached, err := e.Result(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", cached.Output.Output)
	assert.Equal(t, 1, e.ExecutorMetrics().TasksSuccessful)
}

func TestEngine_BreakerOpensAfterFailures(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.Executor.MaxRetries = 0
		c.Breaker.FailureThreshold = 2
	})

	var mu sync.Mutex
	var transitions []string
	_, err := e.OnBreakerChange(func(_ context.Context, ev *BreakerEvent) error {
		mu.Lock()
		transitions = append(transitions, ev.To)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	w := NewFuncWorker("flaky", func(context.Context, core.Envelope) (*core.WorkerOutput, error) {
		return nil, errors.New("down")
	})
	for _, id := range []string{"a", "b", "c"} {
		res, err := e.Execute(context.Background(), core.TaskDescriptor{ID: id, Type: "x"}, w)
		require.NoError(t, err)
		assert.False(t, res.Success)
	}

	assert.Equal(t, "open", e.BreakerMetrics()["flaky"].State)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1 && transitions[0] == "open"
	}, time.Second, 5*time.Millisecond)

	assert.True(t, e.ResetBreaker("flaky"))
	assert.Equal(t, "closed", e.BreakerMetrics()["flaky"].State)
}

func TestEngine_RunManifest(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	e := newEngine(t, nil)
	m := &Manifest{
		Name: "pipeline",
		Workers: []manifest.WorkerSpec{{
			ID:      "sh",
			Command: sh,
			Args:    []string{"-c", `cat >/dev/null; printf '{"output":"%s"}' "$DRAGONFLOW_TASK_ID"`},
		}},
		Tasks: []manifest.TaskSpec{
			{ID: "a", Type: "x", Worker: "sh"},
			{ID: "b", Type: "x", Worker: "sh", DependsOn: []string{"a"}},
		},
	}

	report, err := e.RunManifest(context.Background(), m)
	require.NoError(t, err)
	require.True(t, report.Success())
	assert.Equal(t, []string{"a", "b"}, report.Order)
	assert.Equal(t, "b", report.Results["b"].Output.Output)
}

func TestEngine_RunManifestRejectsUnknownWorker(t *testing.T) {
	e := newEngine(t, nil)
	m := &Manifest{
		Name:    "broken",
		Workers: []manifest.WorkerSpec{{ID: "sh", Command: "/bin/sh"}},
		Tasks:   []manifest.TaskSpec{{ID: "a", Type: "x", Worker: "missing"}},
	}
	_, err := e.RunManifest(context.Background(), m)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestEngine_ShutdownIsIdempotent(t *testing.T) {
	e := newEngine(t, nil)
	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))

	select {
	case <-e.Done():
	default:
		t.Fatal("executor not drained")
	}

	res, err := e.Execute(context.Background(), core.TaskDescriptor{ID: "late", Type: "x"},
		NewFuncWorker("w", func(context.Context, core.Envelope) (*core.WorkerOutput, error) {
			return &core.WorkerOutput{}, nil
		}))
	require.NoError(t, err)
	assert.True(t, res.Cancelled())
}
