// Package scheduler drives a task set through the dependency graph and the
// executor until every task has completed, failed or been skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/cache"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/graph"
	"github.com/ZanzyTHEbar/dragonflow/internal/manifest"
	"github.com/ZanzyTHEbar/dragonflow/internal/telemetry"
)

const eventSource = "scheduler"

// WorkerResolver picks the worker for a task.
type WorkerResolver func(task dragonflow.TaskDescriptor) (dragonflow.Worker, error)

// StaticWorkers resolves through a task id to worker id assignment.
func StaticWorkers(workers map[string]dragonflow.Worker, assignments map[string]string) WorkerResolver {
	return func(task dragonflow.TaskDescriptor) (dragonflow.Worker, error) {
		id, ok := assignments[task.ID]
		if !ok {
			return nil, dragonflow.NewValidationError("schedule", fmt.Sprintf("task '%s' has no worker assignment", task.ID), nil)
		}
		w, ok := workers[id]
		if !ok {
			return nil, dragonflow.NewValidationError("schedule", fmt.Sprintf("task '%s' uses unknown worker '%s'", task.ID, id), nil)
		}
		return w, nil
	}
}

// Report summarizes a run.
type Report struct {
	Results      map[string]*dragonflow.ExecutionResult
	Completed    []string
	Failed       []string
	Cancelled    []string
	Skipped      []string
	SkipReasons  map[string]string
	Order        []string
	CriticalPath []string
	Duration     time.Duration
}

// Success reports whether every task completed.
func (r *Report) Success() bool {
	return len(r.Failed) == 0 && len(r.Cancelled) == 0 && len(r.Skipped) == 0
}

// Scheduler runs task sets on an executor.
type Scheduler struct {
	exec    *executor.Executor
	cache   *cache.ResultCache
	bus     eventbus.EventBus
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCache stores every outcome in c.
func WithCache(c *cache.ResultCache) Option {
	return func(s *Scheduler) {
		s.cache = c
	}
}

// WithEventBus publishes skip events to bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(s *Scheduler) {
		s.bus = bus
	}
}

// WithMetrics counts skipped tasks.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a scheduler on exec.
func New(exec *executor.Executor, opts ...Option) *Scheduler {
	s := &Scheduler{exec: exec, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("subsystem", "scheduler"))
	return s
}

type outcome struct {
	taskID string
	result *dragonflow.ExecutionResult
	err    error
}

// run is the state of one Run call. It is owned by the Run goroutine.
type run struct {
	s        *Scheduler
	g        *graph.Graph
	tasks    map[string]dragonflow.TaskDescriptor
	workers  map[string]dragonflow.Worker
	report   *Report
	settled  map[string]struct{}
	inFlight int
}

// Run executes tasks to completion. Structural problems (unknown
// dependencies, cycles, unresolvable workers) are returned before anything
// runs. Tasks downstream of a failure are skipped without being dispatched.
// A task the executor refuses to admit, for example because the same id is
// already running elsewhere, is reported as failed; its siblings keep running.
func (s *Scheduler) Run(ctx context.Context, tasks []dragonflow.TaskDescriptor, resolve WorkerResolver) (*Report, error) {
	start := time.Now()

	g := graph.New(graph.WithLogger(s.logger))
	specs := make([]graph.TaskSpec, 0, len(tasks))
	byID := make(map[string]dragonflow.TaskDescriptor, len(tasks))
	workers := make(map[string]dragonflow.Worker, len(tasks))
	for _, t := range tasks {
		if _, dup := byID[t.ID]; dup {
			return nil, dragonflow.NewValidationError("schedule", fmt.Sprintf("duplicate task '%s'", t.ID), nil)
		}
		w, err := resolve(t)
		if err != nil {
			return nil, err
		}
		byID[t.ID] = t
		workers[t.ID] = w
		specs = append(specs, graph.TaskSpec{ID: t.ID, Dependencies: t.Dependencies})
	}
	if err := g.AddTasks(specs); err != nil {
		return nil, err
	}

	r := &run{
		s:       s,
		g:       g,
		tasks:   byID,
		workers: workers,
		settled: make(map[string]struct{}, len(tasks)),
		report: &Report{
			Results:      make(map[string]*dragonflow.ExecutionResult, len(tasks)),
			SkipReasons:  make(map[string]string),
			Order:        g.TopologicalSort(),
			CriticalPath: g.FindCriticalPath(),
		},
	}

	s.logger.Info("run started",
		slog.Int("tasks", len(tasks)),
		slog.Int("waves", len(g.Levels())),
		slog.Any("critical_path", r.report.CriticalPath))

	eg, runCtx := errgroup.WithContext(ctx)
	outcomes := make(chan outcome, len(tasks))

	r.launch(runCtx, eg, outcomes, g.GetReadyTasks())
	for r.inFlight > 0 {
		o := <-outcomes
		r.inFlight--
		r.settle(runCtx, o)
		if runCtx.Err() == nil {
			r.launch(runCtx, eg, outcomes, g.GetReadyTasks())
		}
	}

	// Only reachable when the run was cancelled before these tasks became ready.
	reason := "run cancelled"
	if cause := context.Cause(runCtx); cause != nil {
		reason = "run cancelled: " + cause.Error()
	}
	for _, t := range tasks {
		if _, done := r.settled[t.ID]; !done {
			r.skip(t.ID, reason)
		}
	}

	err := eg.Wait()
	r.report.Duration = time.Since(start)
	s.logger.Info("run finished",
		slog.Int("completed", len(r.report.Completed)),
		slog.Int("failed", len(r.report.Failed)),
		slog.Int("cancelled", len(r.report.Cancelled)),
		slog.Int("skipped", len(r.report.Skipped)),
		slog.Duration("duration", r.report.Duration))
	return r.report, err
}

// launch dispatches ids in priority order, highest first.
func (r *run) launch(ctx context.Context, eg *errgroup.Group, outcomes chan<- outcome, ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return r.tasks[ids[i]].Priority > r.tasks[ids[j]].Priority
	})

	for _, id := range ids {
		if err := r.g.MarkRunning(id); err != nil {
			r.s.logger.Error("cannot mark task running", slog.String("task_id", id), slog.Any("error", err))
			continue
		}
		task := r.tasks[id]
		task.Input = manifest.ResolveInput(task.Input, r.output)
		w := r.workers[id]

		r.inFlight++
		eg.Go(func() error {
			res, err := r.s.exec.ExecuteTask(ctx, task, w)
			outcomes <- outcome{taskID: task.ID, result: res, err: err}
			return nil
		})
	}
}

func (r *run) output(taskID string) (*dragonflow.WorkerOutput, bool) {
	res, ok := r.report.Results[taskID]
	if !ok || !res.Success {
		return nil, false
	}
	return res.Output, true
}

func (r *run) settle(ctx context.Context, o outcome) {
	r.settled[o.taskID] = struct{}{}

	res := o.result
	if o.err != nil {
		r.s.logger.Warn("task not admitted", slog.String("task_id", o.taskID), slog.Any("error", o.err))
		res = &dragonflow.ExecutionResult{TaskID: o.taskID, Error: dragonflow.AsTaskError("schedule", o.err)}
	}
	r.report.Results[o.taskID] = res

	if r.s.cache != nil {
		if err := r.s.cache.Put(context.WithoutCancel(ctx), res); err != nil {
			r.s.logger.Warn("cannot cache result", slog.String("task_id", o.taskID), slog.Any("error", err))
		}
	}

	switch {
	case res.Success:
		r.report.Completed = append(r.report.Completed, o.taskID)
		if newly := r.g.MarkCompleted(o.taskID); len(newly) > 0 {
			r.s.logger.Debug("dependents unblocked", slog.String("task_id", o.taskID), slog.Any("ready", newly))
		}
		return
	case res.Cancelled():
		r.report.Cancelled = append(r.report.Cancelled, o.taskID)
	default:
		r.report.Failed = append(r.report.Failed, o.taskID)
	}

	for _, id := range r.g.MarkFailed(o.taskID) {
		if _, done := r.settled[id]; done {
			continue
		}
		r.skip(id, fmt.Sprintf("dependency '%s' did not complete", o.taskID))
	}
}

func (r *run) skip(id, reason string) {
	r.settled[id] = struct{}{}
	r.report.Skipped = append(r.report.Skipped, id)
	r.report.SkipReasons[id] = reason

	r.s.logger.Warn("task skipped", slog.String("task_id", id), slog.String("reason", reason))
	if r.s.metrics != nil {
		r.s.metrics.TasksSkipped.Inc()
	}
	if r.s.bus != nil {
		evt := eventbus.NewLifecycleEvent(eventbus.EventTaskSkipped, eventSource)
		evt.TaskID = id
		evt.Reason = reason
		_ = r.s.bus.Publish(context.Background(), evt)
	}
}
