package executor

import (
	"context"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/breaker"
)

// ExecutionContext is the per-attempt record the executor keeps for a running
// task. It is what the resource monitor watches.
type ExecutionContext struct {
	taskID      string
	executionID string
	workerID    string
	attempt     int
	startedAt   time.Time
	timeout     time.Duration
	breaker     *breaker.Breaker
	abort       context.CancelCauseFunc

	mu     sync.Mutex
	handle dragonflow.Handle
	usage  dragonflow.ResourceUsage
}

// TaskID returns the task id.
func (c *ExecutionContext) TaskID() string { return c.taskID }

// ExecutionID returns the id shared by all attempts of one ExecuteTask call.
func (c *ExecutionContext) ExecutionID() string { return c.executionID }

// WorkerID returns the worker id.
func (c *ExecutionContext) WorkerID() string { return c.workerID }

// Attempt returns the zero-based attempt number.
func (c *ExecutionContext) Attempt() int { return c.attempt }

// StartedAt returns when the attempt started.
func (c *ExecutionContext) StartedAt() time.Time { return c.startedAt }

// Timeout returns the attempt deadline duration.
func (c *ExecutionContext) Timeout() time.Duration { return c.timeout }

// Breaker returns the breaker gating the attempt, or nil.
func (c *ExecutionContext) Breaker() *breaker.Breaker { return c.breaker }

// PID returns the worker process id once started, otherwise 0.
func (c *ExecutionContext) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return 0
	}
	return c.handle.PID()
}

// Reporter returns the handle when it reports its own usage.
func (c *ExecutionContext) Reporter() dragonflow.UsageReporter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.handle.(dragonflow.UsageReporter); ok {
		return r
	}
	return nil
}

// RecordUsage stores the latest sample, keeping per-counter peaks.
func (c *ExecutionContext) RecordUsage(u dragonflow.ResourceUsage) {
	c.mu.Lock()
	c.usage = c.usage.Peak(u)
	c.mu.Unlock()
}

// Usage returns the peak usage observed so far.
func (c *ExecutionContext) Usage() dragonflow.ResourceUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Abort cancels the attempt with cause.
func (c *ExecutionContext) Abort(cause error) {
	c.abort(cause)
}

func (c *ExecutionContext) setHandle(h dragonflow.Handle) {
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
}
