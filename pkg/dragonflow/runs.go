package dragonflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
)

// RunState is the lifecycle state of a background run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunComplete  RunState = "complete"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether s is a final state.
func (s RunState) Terminal() bool {
	return s == RunComplete || s == RunFailed || s == RunCancelled
}

// RunStatus is a snapshot of a background run.
type RunStatus struct {
	RunID        string        `json:"run_id"`
	Name         string        `json:"name"`
	State        RunState      `json:"state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

var errRunCancelled = errors.New("run cancelled by caller")

type backgroundRun struct {
	id     string
	name   string
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu         sync.Mutex
	state      RunState
	startTime  time.Time
	endTime    time.Time
	stateTimes map[RunState]time.Time
	report     *Report
	err        error
}

func (r *backgroundRun) transition(state RunState, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
	r.stateTimes[state] = at
	if state.Terminal() {
		r.endTime = at
	}
}

func (r *backgroundRun) status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.endTime
	if end.IsZero() {
		end = time.Now()
	}
	st := RunStatus{
		RunID:      r.id,
		Name:       r.name,
		State:      r.state,
		StartTime:  r.startTime,
		Duration:   end.Sub(r.startTime),
		IsComplete: r.state == RunComplete,
		HasError:   r.err != nil,
	}
	if r.err != nil {
		st.ErrorMessage = r.err.Error()
	}
	return st
}

// Submit starts tasks in the background and returns the run id. The run
// outlives ctx; stop it with CancelRun or Shutdown.
func (e *Engine) Submit(ctx context.Context, name string, tasks []TaskDescriptor, resolve WorkerResolver) string {
	now := time.Now()
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	r := &backgroundRun{
		id:         uuid.NewString(),
		name:       name,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      RunPending,
		startTime:  now,
		stateTimes: map[RunState]time.Time{RunPending: now},
	}

	e.runsMu.Lock()
	e.runs[r.id] = r
	e.runsMu.Unlock()

	logger := e.logger.With(slog.String("run_id", r.id), slog.String("run", name))
	go func() {
		defer close(r.done)
		defer cancel(nil)

		r.transition(RunRunning, time.Now())
		e.publishRun(eventbus.EventRunStarted, r, "")
		logger.Info("run started", slog.Int("tasks", len(tasks)))

		report, err := e.sched.Run(runCtx, tasks, resolve)

		state := RunComplete
		switch {
		case err != nil:
			state = RunFailed
		case runCtx.Err() != nil:
			state = RunCancelled
			err = context.Cause(runCtx)
		case !report.Success():
			state = RunFailed
			err = fmt.Errorf("%d failed, %d cancelled, %d skipped", len(report.Failed), len(report.Cancelled), len(report.Skipped))
		}

		r.mu.Lock()
		r.report = report
		r.err = err
		r.mu.Unlock()
		r.transition(state, time.Now())

		reason := ""
		if err != nil {
			reason = err.Error()
		}
		e.publishRun(eventbus.EventRunFinished, r, reason)
		logger.Info("run finished", slog.String("state", string(state)))
	}()
	return r.id
}

// SubmitManifest validates m and starts it in the background.
func (e *Engine) SubmitManifest(ctx context.Context, m *Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	workers := m.BuildWorkers(e.logger)
	return e.Submit(ctx, m.Name, m.Descriptors(), StaticWorkers(workers, m.Assignments())), nil
}

func (e *Engine) lookupRun(runID string) (*backgroundRun, error) {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()
	r, ok := e.runs[runID]
	if !ok {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr(fmt.Sprintf("run '%s' not found", runID), nil))
	}
	return r, nil
}

// RunStatus returns a snapshot of a background run.
func (e *Engine) RunStatus(runID string) (RunStatus, error) {
	r, err := e.lookupRun(runID)
	if err != nil {
		return RunStatus{}, err
	}
	return r.status(), nil
}

// RunReport returns the report of a finished run, or an error while it is
// still in progress.
func (e *Engine) RunReport(runID string) (*Report, error) {
	r, err := e.lookupRun(runID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Terminal() {
		return nil, fmt.Errorf("run is still in progress (current state: %s)", r.state)
	}
	return r.report, nil
}

// Wait blocks until the run finishes and returns its report and error.
func (e *Engine) Wait(ctx context.Context, runID string) (*Report, error) {
	r, err := e.lookupRun(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, errbuilder.WrapIfContextDone(ctx, ctx.Err())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report, r.err
}

// CancelRun stops a background run. It returns false when the run has
// already finished.
func (e *Engine) CancelRun(runID string) (bool, error) {
	r, err := e.lookupRun(runID)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	terminal := r.state.Terminal()
	r.mu.Unlock()
	if terminal {
		return false, nil
	}
	r.cancel(errRunCancelled)
	return true, nil
}

// ListRuns returns the state of every tracked run.
func (e *Engine) ListRuns() map[string]RunState {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	states := make(map[string]RunState, len(e.runs))
	for id, r := range e.runs {
		r.mu.Lock()
		states[id] = r.state
		r.mu.Unlock()
	}
	return states
}

// CleanupRuns forgets finished runs that ended more than olderThan ago.
func (e *Engine) CleanupRuns(olderThan time.Duration) int {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	now := time.Now()
	count := 0
	for id, r := range e.runs {
		r.mu.Lock()
		expired := r.state.Terminal() && now.Sub(r.endTime) > olderThan
		r.mu.Unlock()
		if expired {
			delete(e.runs, id)
			count++
		}
	}
	return count
}

func (e *Engine) cancelRuns(cause error) []*backgroundRun {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	active := make([]*backgroundRun, 0, len(e.runs))
	for _, r := range e.runs {
		r.cancel(cause)
		active = append(active, r)
	}
	return active
}

func (e *Engine) publishRun(typ eventbus.EventType, r *backgroundRun, reason string) {
	evt := eventbus.NewLifecycleEvent(typ, "engine")
	evt.Reason = reason
	evt.WithMetadata("run_id", r.id).WithMetadata("run", r.name)
	if err := e.bus.Publish(context.Background(), evt); err != nil {
		e.logger.Debug("run event dropped", slog.String("run_id", r.id), slog.Any("error", err))
	}
}
