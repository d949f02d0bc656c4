// Package dragonflow is the embedding entry point: it wires the dependency
// graph, executor, circuit breakers, resource monitor, event bus and outcome
// cache into one Engine.
package dragonflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	core "github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/breaker"
	"github.com/ZanzyTHEbar/dragonflow/internal/cache"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/executor"
	"github.com/ZanzyTHEbar/dragonflow/internal/monitor"
	"github.com/ZanzyTHEbar/dragonflow/internal/scheduler"
	"github.com/ZanzyTHEbar/dragonflow/internal/telemetry"
)

var errEngineShutdown = errors.New("engine shutting down")

// Engine is the main entry point into the scheduling core.
type Engine struct {
	config   Config
	logger   *slog.Logger
	registry prometheus.Registerer
	sampler  monitor.Sampler

	bus      *eventbus.ChannelEventBus
	metrics  *telemetry.Metrics
	breakers *breaker.Manager
	monitor  *monitor.Monitor
	exec     *executor.Executor
	results  *cache.ResultCache
	sched    *scheduler.Scheduler

	runsMu sync.RWMutex
	runs   map[string]*backgroundRun

	stopMonitor  context.CancelFunc
	monitorDone  chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option is a function that configures an Engine.
type Option func(*Engine)

// WithConfig sets the configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRegisterer registers metrics with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registry = reg
	}
}

// WithSampler replaces the procfs-backed resource sampler.
func WithSampler(s Sampler) Option {
	return func(e *Engine) {
		e.sampler = s
	}
}

// New builds an Engine and starts its resource monitor.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config: DefaultConfig(),
		logger: slog.Default(),
		runs:   make(map[string]*backgroundRun),
	}
	for _, option := range options {
		option(e)
	}
	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e.bus = eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(e.config.Events.BufferSize),
		eventbus.WithWorkerCount(e.config.Events.WorkerCount),
		eventbus.WithRetries(e.config.Events.MaxRetries, e.config.Events.RetryInterval),
		eventbus.WithLogger(e.logger))
	e.metrics = telemetry.NewMetrics(e.registry)
	e.breakers = breaker.NewManager(e.config.Breaker,
		breaker.WithLogger(e.logger),
		executor.ObserveBreakers(e.bus, e.metrics))

	monitorOpts := []monitor.Option{
		monitor.WithLogger(e.logger),
		monitor.WithEventBus(e.bus),
		monitor.WithMetrics(e.metrics),
	}
	if e.sampler != nil {
		monitorOpts = append(monitorOpts, monitor.WithSampler(e.sampler))
	}
	e.monitor = monitor.New(e.config.Monitor.Interval, e.config.Monitor.Limits, monitorOpts...)

	exec, err := executor.NewExecutor(e.config.Executor,
		executor.WithBreakers(e.breakers),
		executor.WithMonitor(e.monitor),
		executor.WithEventBus(e.bus),
		executor.WithMetrics(e.metrics),
		executor.WithLogger(e.logger))
	if err != nil {
		_ = e.bus.Close()
		return nil, err
	}
	e.exec = exec

	e.results = cache.NewResultCache(e.config.Cache.ResultTTL,
		cache.WithLogger(e.logger),
		cache.WithCleanupInterval(e.config.Cache.ResultTTL))
	e.sched = scheduler.New(e.exec,
		scheduler.WithCache(e.results),
		scheduler.WithEventBus(e.bus),
		scheduler.WithMetrics(e.metrics),
		scheduler.WithLogger(e.logger))

	ctx, cancel := context.WithCancel(context.Background())
	e.stopMonitor = cancel
	e.monitorDone = make(chan struct{})
	go func() {
		defer close(e.monitorDone)
		e.monitor.Run(ctx)
	}()

	return e, nil
}

// Execute runs a single task on w. See executor.Executor.ExecuteTask.
func (e *Engine) Execute(ctx context.Context, task core.TaskDescriptor, w core.Worker, options ...ExecuteOption) (*core.ExecutionResult, error) {
	res, err := e.exec.ExecuteTask(ctx, task, w, options...)
	if err != nil {
		return nil, err
	}
	if cerr := e.results.Put(context.WithoutCancel(ctx), res); cerr != nil {
		e.logger.Warn("cannot cache result", slog.String("task_id", task.ID), slog.Any("error", cerr))
	}
	return res, nil
}

// Run executes a task set to completion.
func (e *Engine) Run(ctx context.Context, tasks []core.TaskDescriptor, resolve WorkerResolver) (*Report, error) {
	return e.sched.Run(ctx, tasks, resolve)
}

// RunManifest validates m, starts its process workers and runs its tasks.
func (e *Engine) RunManifest(ctx context.Context, m *Manifest) (*Report, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	workers := m.BuildWorkers(e.logger)
	return e.sched.Run(ctx, m.Descriptors(), StaticWorkers(workers, m.Assignments()))
}

// Cancel cancels a running task. It returns false when the task is not running.
func (e *Engine) Cancel(ctx context.Context, taskID, reason string) (bool, error) {
	return e.exec.CancelTask(ctx, taskID, reason)
}

// Result returns the cached outcome of taskID.
func (e *Engine) Result(ctx context.Context, taskID string) (*core.ExecutionResult, error) {
	return e.results.Get(ctx, taskID)
}

// Subscribe registers handler for the given event types.
func (e *Engine) Subscribe(types []EventType, handler EventHandler) (string, error) {
	return e.bus.Subscribe(types, handler)
}

// OnExecution registers fn for execution lifecycle events.
func (e *Engine) OnExecution(fn func(context.Context, *ExecutionEvent) error) (string, error) {
	return eventbus.Subscribe(e.bus, []EventType{
		eventbus.EventExecutionStarted,
		eventbus.EventExecutionRetry,
		eventbus.EventExecutionCompleted,
		eventbus.EventExecutionFailed,
		eventbus.EventExecutionCancelled,
	}, fn)
}

// OnBreakerChange registers fn for circuit breaker transitions.
func (e *Engine) OnBreakerChange(fn func(context.Context, *BreakerEvent) error) (string, error) {
	return eventbus.Subscribe(e.bus, []EventType{eventbus.EventBreakerStateChanged}, fn)
}

// Unsubscribe removes a subscription.
func (e *Engine) Unsubscribe(id string) error {
	return e.bus.Unsubscribe(id)
}

// BreakerMetrics returns a snapshot of every circuit breaker.
func (e *Engine) BreakerMetrics() map[string]breaker.Metrics {
	return e.breakers.GetAllMetrics()
}

// ResetBreaker closes the breaker for key.
func (e *Engine) ResetBreaker(key string) bool {
	return e.breakers.Reset(key)
}

// ExecutorMetrics returns execution statistics.
func (e *Engine) ExecutorMetrics() executor.ExecutorMetrics {
	return e.exec.Metrics()
}

// Running returns the number of executions holding a concurrency slot.
func (e *Engine) Running() int { return e.exec.Running() }

// QueueLength returns the number of executions waiting for a slot.
func (e *Engine) QueueLength() int { return e.exec.QueueLength() }

// Done is closed once Shutdown has drained the executor.
func (e *Engine) Done() <-chan struct{} { return e.exec.Done() }

// Shutdown cancels background runs, drains the executor, then stops the
// monitor, cache and event bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		var errs []error
		active := e.cancelRuns(errEngineShutdown)
		if err := e.exec.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("executor: %w", err))
		}
		for _, r := range active {
			if err := awaitRun(ctx, r); err != nil {
				errs = append(errs, err)
				break
			}
		}
		e.stopMonitor()
		<-e.monitorDone
		e.results.Close()
		if err := e.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
		e.shutdownErr = errors.Join(errs...)
	})
	return e.shutdownErr
}

func awaitRun(ctx context.Context, r *backgroundRun) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("run %s: %w", r.id, ctx.Err())
	}
}
