package executor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
)

// CancelTask cancels the execution of taskID and waits until it has been
// reported. It returns false when taskID is not executing.
func (e *Executor) CancelTask(ctx context.Context, taskID, reason string) (bool, error) {
	e.mu.Lock()
	r, ok := e.runs[taskID]
	e.mu.Unlock()
	if !ok {
		return false, nil
	}

	if reason == "" {
		reason = "cancelled by caller"
	}
	e.logger.Info("cancelling task",
		slog.String("task_id", taskID),
		slog.String("execution_id", r.executionID),
		slog.String("reason", reason))
	r.cancel(dragonflow.NewCancelledError("cancel", errors.New(reason)))

	select {
	case <-r.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// Shutdown stops admitting tasks, cancels everything in flight and waits for
// it to drain. Later calls wait for the first one to finish.
func (e *Executor) Shutdown(ctx context.Context) error {
	first := false
	e.shutdownOnce.Do(func() { first = true })
	if !first {
		select {
		case <-e.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	e.draining = true
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	e.logger.Info("executor shutting down", slog.Int("in_flight", len(runs)))
	started := eventbus.NewLifecycleEvent(eventbus.EventShutdownStarted, eventSource)
	started.InFlight = len(runs)
	e.publish(started)

	p := pool.New().WithContext(ctx)
	for _, r := range runs {
		p.Go(func(ctx context.Context) error {
			r.cancel(dragonflow.NewCancelledError("shutdown", errShuttingDown))
			select {
			case <-r.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	err := p.Wait()
	e.lifeCancel(errShuttingDown)

	go func() {
		e.wg.Wait()
		complete := eventbus.NewLifecycleEvent(eventbus.EventShutdownComplete, eventSource)
		complete.Reason = "drained"
		e.publish(complete)
		e.logger.Info("executor shutdown complete")
		close(e.done)
	}()

	select {
	case <-e.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
