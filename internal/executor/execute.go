package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/telemetry"
)

// killWait bounds how long a killed worker may take to report completion.
const killWait = 2 * time.Second

// ExecuteOption overrides executor defaults for a single call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	timeout    time.Duration
	maxRetries int
}

// WithTaskTimeout sets the per-attempt timeout for one call.
func WithTaskTimeout(d time.Duration) ExecuteOption {
	return func(o *executeOptions) {
		o.timeout = d
	}
}

// WithTaskMaxRetries sets the retry bound for one call.
func WithTaskMaxRetries(n int) ExecuteOption {
	return func(o *executeOptions) {
		o.maxRetries = n
	}
}

// resolve applies, in increasing precedence, the executor config, the task
// descriptor and the call options.
func (e *Executor) resolve(task dragonflow.TaskDescriptor, options []ExecuteOption) executeOptions {
	o := executeOptions{timeout: e.config.DefaultTimeout, maxRetries: e.config.MaxRetries}
	if task.Timeout > 0 {
		o.timeout = task.Timeout
	}
	if task.MaxRetries != nil {
		o.maxRetries = *task.MaxRetries
	}
	for _, option := range options {
		option(&o)
	}
	return o
}

// ExecuteTask runs task on w and blocks until it reaches a terminal outcome.
// Execution failures are reported in the result; an error is returned only
// for a malformed submission.
func (e *Executor) ExecuteTask(ctx context.Context, task dragonflow.TaskDescriptor, w dragonflow.Worker, options ...ExecuteOption) (*dragonflow.ExecutionResult, error) {
	if task.ID == "" {
		return nil, dragonflow.NewValidationError("submit", "task id is required", nil)
	}
	if w == nil {
		return nil, dragonflow.NewValidationError("submit", fmt.Sprintf("task '%s' has no worker", task.ID), nil)
	}
	o := e.resolve(task, options)
	if o.maxRetries < 0 {
		return nil, dragonflow.NewValidationError("submit", fmt.Sprintf("task '%s' has negative max retries", task.ID), nil)
	}
	if o.timeout <= 0 {
		return nil, dragonflow.NewValidationError("submit", fmt.Sprintf("task '%s' has non-positive timeout", task.ID), nil)
	}

	submittedAt := time.Now()
	taskCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(e.lifeCtx, func() {
		cancel(dragonflow.NewCancelledError("shutdown", errShuttingDown))
	})
	defer func() {
		stop()
		cancel(nil)
	}()

	r := &run{
		taskID:      task.ID,
		executionID: uuid.NewString(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	logger := e.logger.With(
		slog.String("task_id", task.ID),
		slog.String("execution_id", r.executionID),
		slog.String("worker_id", w.ID()))

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		logger.Debug("rejecting task, executor is draining")
		terr := dragonflow.NewCancelledError("admission", errShuttingDown)
		return &dragonflow.ExecutionResult{
			ExecutionID: r.executionID,
			TaskID:      task.ID,
			WorkerID:    w.ID(),
			Error:       terr,
		}, nil
	}
	if _, exists := e.runs[task.ID]; exists {
		e.mu.Unlock()
		return nil, dragonflow.NewValidationError("submit", fmt.Sprintf("task '%s' is already executing", task.ID), nil)
	}
	e.runs[task.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	result := &dragonflow.ExecutionResult{
		ExecutionID: r.executionID,
		TaskID:      task.ID,
		WorkerID:    w.ID(),
	}

	if err := e.admit(taskCtx, r); err != nil {
		result.Error = attemptError(taskCtx, "admission")
		result.ExecutionTime = time.Since(submittedAt)
		logger.Info("task cancelled while queued", slog.Any("error", result.Error))
		e.complete(r, false, result)
		return result, nil
	}

	e.loop(taskCtx, r, task, w, o, result, logger)
	e.complete(r, true, result)
	return result, nil
}

// admit blocks until a concurrency slot is free. Waiters are served FIFO.
func (e *Executor) admit(ctx context.Context, r *run) error {
	if e.sem.TryAcquire(1) {
		e.admitted(r, 0)
		return nil
	}

	e.mu.Lock()
	e.queued++
	queued := e.queued
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.Queued.Inc()
	}
	evt := eventbus.NewAdmissionEvent(eventbus.EventTaskQueued, eventSource, r.taskID, r.executionID)
	evt.Queued = queued
	e.publish(evt)

	queuedAt := time.Now()
	err := e.sem.Acquire(ctx, 1)

	e.mu.Lock()
	e.queued--
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.Queued.Dec()
	}
	if err != nil {
		return err
	}

	waited := time.Since(queuedAt)
	dequeued := eventbus.NewAdmissionEvent(eventbus.EventTaskDequeued, eventSource, r.taskID, r.executionID)
	dequeued.Waited = waited
	e.publish(dequeued)
	e.admitted(r, waited)
	return nil
}

func (e *Executor) admitted(r *run, waited time.Duration) {
	e.mu.Lock()
	e.inFlight++
	running, queued := e.inFlight, e.queued
	e.mu.Unlock()

	e.stats.recordRunning(running)
	if e.metrics != nil {
		e.metrics.InFlight.Inc()
	}
	evt := eventbus.NewAdmissionEvent(eventbus.EventTaskAdmitted, eventSource, r.taskID, r.executionID)
	evt.Running = running
	evt.Queued = queued
	evt.Waited = waited
	e.publish(evt)
}

// loop runs attempts until one succeeds, the retry budget is spent, the
// policy stops retrying or the task is cancelled. It fills in result.
func (e *Executor) loop(ctx context.Context, r *run, task dragonflow.TaskDescriptor, w dragonflow.Worker, o executeOptions, result *dragonflow.ExecutionResult, logger *slog.Logger) {
	admittedAt := time.Now()
	delays := e.newBackOff()

	var lastErr *dragonflow.TaskError
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = attemptError(ctx, "dispatch")
			break
		}

		attemptStart := time.Now()
		out, usage, terr := e.attempt(ctx, r, task, w, attempt, o.timeout)
		result.ResourcesUsed = result.ResourcesUsed.Peak(usage)
		result.Attempts = append(result.Attempts, dragonflow.AttemptRecord{
			Attempt:  attempt,
			Duration: time.Since(attemptStart),
			Error:    terr,
		})
		result.RetryCount = attempt

		if terr == nil {
			if out == nil {
				out = &dragonflow.WorkerOutput{}
			}
			result.Success = true
			result.Output = out
			result.ExecutionTime = time.Since(admittedAt)
			logger.Info("task completed",
				slog.Int("attempt", attempt),
				slog.Duration("duration", result.ExecutionTime))
			return
		}

		lastErr = terr
		if !e.shouldRetry(task.ID, attempt, o.maxRetries, terr, logger) {
			break
		}

		delay := delays.NextBackOff()
		logger.Warn("attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("code", terr.Code),
			slog.String("error", terr.Error()))
		evt := eventbus.NewExecutionEvent(eventbus.EventExecutionRetry, eventSource, task.ID, r.executionID, w.ID())
		evt.Attempt = attempt
		evt.Delay = delay
		evt.Err = terr
		e.publish(evt)

		if err := e.sleep(ctx, delay); err != nil {
			lastErr = attemptError(ctx, "backoff")
			break
		}
	}

	final := *lastErr
	final.Retryable = false
	result.Error = &final
	result.ExecutionTime = time.Since(admittedAt)
	if final.Code == dragonflow.ErrCodeCancelled {
		logger.Info("task cancelled", slog.String("error", final.Error()))
	} else {
		logger.Error("task failed",
			slog.Int("attempts", len(result.Attempts)),
			slog.String("code", final.Code),
			slog.String("error", final.Error()))
	}
}

// newBackOff yields min(base*2^k, max) on its k-th call.
func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = e.config.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (e *Executor) shouldRetry(taskID string, attempt, maxRetries int, terr *dragonflow.TaskError, logger *slog.Logger) bool {
	if !terr.Retryable || attempt >= maxRetries {
		return false
	}
	if e.policy == nil {
		return true
	}

	violations := 0
	if e.monitor != nil {
		violations = e.monitor.Violations(taskID)
	}
	ok, err := e.policy.ShouldRetry(RetryInput{
		Attempt:    attempt,
		MaxRetries: maxRetries,
		Kind:       terr.Code,
		Violations: violations,
	})
	if err != nil {
		logger.Warn("retry condition failed, retrying anyway", slog.Any("error", err))
		return true
	}
	if !ok {
		logger.Info("retry condition declined another attempt",
			slog.String("condition", e.policy.String()),
			slog.String("code", terr.Code),
			slog.Int("violations", violations))
	}
	return ok
}

// attempt runs one dispatch under its own deadline and returns the worker
// output, the peak usage observed and the classified failure.
func (e *Executor) attempt(ctx context.Context, r *run, task dragonflow.TaskDescriptor, w dragonflow.Worker, attempt int, timeout time.Duration) (*dragonflow.WorkerOutput, dragonflow.ResourceUsage, *dragonflow.TaskError) {
	attemptCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	attemptCtx, cancelTimeout := context.WithTimeoutCause(attemptCtx, timeout, dragonflow.NewTimeoutError("dispatch", timeout))
	defer cancelTimeout()

	ec := &ExecutionContext{
		taskID:      task.ID,
		executionID: r.executionID,
		workerID:    w.ID(),
		attempt:     attempt,
		startedAt:   time.Now(),
		timeout:     timeout,
		abort:       abort,
	}
	if e.config.CircuitBreakerEnabled && e.breakers != nil {
		ec.breaker = e.breakers.Get(w.ID())
	}
	r.setCurrent(ec)
	defer r.setCurrent(nil)
	if e.monitor != nil {
		e.monitor.Track(ec)
		defer e.monitor.Untrack(ec)
	}

	spanCtx, span := e.tracer.Start(attemptCtx, "attempt", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("execution.id", r.executionID),
		attribute.String("worker.id", w.ID()),
		attribute.Int("attempt", attempt)))
	defer span.End()

	e.stats.recordAttempt(attempt > 0)
	if e.metrics != nil {
		e.metrics.Attempts.Inc()
		if attempt > 0 {
			e.metrics.Retries.Inc()
		}
	}
	evt := eventbus.NewExecutionEvent(eventbus.EventExecutionStarted, eventSource, task.ID, r.executionID, w.ID())
	evt.Attempt = attempt
	e.publish(evt)

	var out *dragonflow.WorkerOutput
	call := func(ctx context.Context) error {
		var err error
		out, err = e.dispatch(ctx, ec, task, w)
		return err
	}

	var err error
	if ec.breaker != nil {
		err = ec.breaker.Execute(spanCtx, call)
	} else {
		err = call(spanCtx)
	}
	if err != nil {
		terr := dragonflow.AsTaskError("dispatch", err)
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Code)
		return nil, ec.Usage(), terr
	}
	span.SetStatus(codes.Ok, "")
	return out, ec.Usage(), nil
}

// dispatch starts the worker and races its completion against ctx. When ctx
// wins, the worker is terminated and its eventual result is discarded.
func (e *Executor) dispatch(ctx context.Context, ec *ExecutionContext, task dragonflow.TaskDescriptor, w dragonflow.Worker) (*dragonflow.WorkerOutput, error) {
	h, err := w.Start(ctx, dragonflow.NewEnvelope(task))
	if err != nil {
		if ctx.Err() != nil {
			return nil, attemptError(ctx, "dispatch")
		}
		var te *dragonflow.TaskError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, dragonflow.NewProcessError("dispatch", "failed to start worker", err)
	}
	ec.setHandle(h)

	select {
	case <-h.Done():
		out, err := h.Result()
		if err != nil {
			// A worker that failed because its context ended is classified by why it ended.
			if ctx.Err() != nil {
				return nil, attemptError(ctx, "dispatch")
			}
			return nil, dragonflow.AsTaskError("dispatch", err)
		}
		return out, nil
	case <-ctx.Done():
		e.terminate(h, ec)
		return nil, attemptError(ctx, "dispatch")
	}
}

// terminate asks the worker to stop and kills it once the grace period lapses.
func (e *Executor) terminate(h dragonflow.Handle, ec *ExecutionContext) {
	logger := e.logger.With(
		slog.String("task_id", ec.TaskID()),
		slog.String("execution_id", ec.ExecutionID()),
		slog.Int("pid", h.PID()))

	if err := h.Signal(dragonflow.SignalTerminate); err != nil {
		logger.Debug("terminate signal failed", slog.Any("error", err))
	}

	grace := time.NewTimer(e.config.GracePeriod)
	defer grace.Stop()
	select {
	case <-h.Done():
		return
	case <-grace.C:
	}

	logger.Warn("worker ignored terminate signal, killing", slog.Duration("grace_period", e.config.GracePeriod))
	if err := h.Signal(dragonflow.SignalKill); err != nil {
		logger.Debug("kill signal failed", slog.Any("error", err))
	}

	wait := time.NewTimer(killWait)
	defer wait.Stop()
	select {
	case <-h.Done():
	case <-wait.C:
		logger.Error("worker did not exit after kill")
	}
}

// complete releases the slot, unregisters r and reports the outcome.
func (e *Executor) complete(r *run, admitted bool, result *dragonflow.ExecutionResult) {
	if admitted {
		e.sem.Release(1)
	}

	e.mu.Lock()
	if admitted {
		e.inFlight--
	}
	delete(e.runs, r.taskID)
	e.mu.Unlock()

	if e.monitor != nil {
		e.monitor.ClearViolations(r.taskID)
	}

	cancelled := result.Cancelled()
	e.stats.recordResult(result.Success, cancelled, result.ExecutionTime)

	outcome, eventType := telemetry.OutcomeFailure, eventbus.EventExecutionFailed
	switch {
	case result.Success:
		outcome, eventType = telemetry.OutcomeSuccess, eventbus.EventExecutionCompleted
	case cancelled:
		outcome, eventType = telemetry.OutcomeCancelled, eventbus.EventExecutionCancelled
	}
	if e.metrics != nil {
		if admitted {
			e.metrics.InFlight.Dec()
		}
		e.metrics.Executions.WithLabelValues(outcome).Inc()
		e.metrics.Duration.WithLabelValues(outcome).Observe(result.ExecutionTime.Seconds())
	}

	evt := eventbus.NewExecutionEvent(eventType, eventSource, r.taskID, r.executionID, result.WorkerID)
	evt.Attempt = result.RetryCount
	evt.Err = result.Error
	evt.Result = result
	if result.Error != nil {
		evt.Reason = result.Error.Message
	}
	e.publish(evt)

	close(r.done)
	e.wg.Done()
}

// attemptError classifies why ctx ended. Typed causes (timeout, resource
// limit, explicit cancellation) pass through unchanged.
func attemptError(ctx context.Context, stage string) *dragonflow.TaskError {
	cause := context.Cause(ctx)
	var te *dragonflow.TaskError
	if errors.As(cause, &te) {
		return te
	}
	return dragonflow.NewCancelledError(stage, cause)
}
