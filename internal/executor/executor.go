// Package executor runs tasks on workers under a concurrency ceiling with
// retries, timeouts, circuit breaking and resource enforcement.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ZanzyTHEbar/dragonflow/internal/breaker"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/monitor"
	"github.com/ZanzyTHEbar/dragonflow/internal/telemetry"
)

const eventSource = "executor"

var errShuttingDown = errors.New("executor shutting down")

// Config holds executor settings.
type Config struct {
	MaxConcurrent         int           `yaml:"max_concurrent" validate:"gte=1"`
	DefaultTimeout        time.Duration `yaml:"default_timeout" validate:"gt=0"`
	MaxRetries            int           `yaml:"max_retries" validate:"gte=0"`
	BackoffBase           time.Duration `yaml:"backoff_base" validate:"gt=0"`
	BackoffMax            time.Duration `yaml:"backoff_max" validate:"gtefield=BackoffBase"`
	GracePeriod           time.Duration `yaml:"grace_period" validate:"gte=0"`
	CircuitBreakerEnabled bool          `yaml:"circuit_breaker_enabled"`
	RetryCondition        string        `yaml:"retry_condition" validate:"retrycond"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:         5,
		DefaultTimeout:        5 * time.Minute,
		MaxRetries:            3,
		BackoffBase:           time.Second,
		BackoffMax:            30 * time.Second,
		GracePeriod:           5 * time.Second,
		CircuitBreakerEnabled: true,
		RetryCondition:        DefaultRetryCondition,
	}
}

// Executor admits tasks under a concurrency ceiling and runs each through its
// attempt loop.
//
// Thread Safety: Safe for concurrent use.
type Executor struct {
	config   Config
	breakers *breaker.Manager
	monitor  *monitor.Monitor
	bus      eventbus.EventBus
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	policy   *RetryPolicy
	sleep    func(ctx context.Context, d time.Duration) error

	sem        *semaphore.Weighted
	lifeCtx    context.Context
	lifeCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*run
	draining bool
	queued   int
	inFlight int

	stats ExecutorMetrics

	shutdownOnce sync.Once
	done         chan struct{}
}

// run tracks one ExecuteTask call across its attempts.
type run struct {
	taskID      string
	executionID string
	cancel      context.CancelCauseFunc
	done        chan struct{}

	mu      sync.Mutex
	current *ExecutionContext
}

func (r *run) setCurrent(ec *ExecutionContext) {
	r.mu.Lock()
	r.current = ec
	r.mu.Unlock()
}

func (r *run) context() *ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// ExecutorOption represents an option for configuring the Executor.
type ExecutorOption func(*Executor)

// WithMaxConcurrent sets the concurrency ceiling.
func WithMaxConcurrent(n int) ExecutorOption {
	return func(e *Executor) {
		e.config.MaxConcurrent = n
	}
}

// WithMaxRetries sets the default number of retries after the first attempt.
func WithMaxRetries(retries int) ExecutorOption {
	return func(e *Executor) {
		e.config.MaxRetries = retries
	}
}

// WithExecTimeout sets the default per-attempt timeout.
func WithExecTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.config.DefaultTimeout = timeout
	}
}

// WithBackoff sets the base and cap of the exponential retry delay.
func WithBackoff(base, max time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.config.BackoffBase = base
		e.config.BackoffMax = max
	}
}

// WithGracePeriod sets how long a terminated worker may take before it is killed.
func WithGracePeriod(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.config.GracePeriod = d
	}
}

// WithBreakers sets the breaker manager. Breakers are keyed by worker id.
func WithBreakers(m *breaker.Manager) ExecutorOption {
	return func(e *Executor) {
		e.breakers = m
	}
}

// WithMonitor attaches a resource monitor; every attempt is tracked by it.
func WithMonitor(m *monitor.Monitor) ExecutorOption {
	return func(e *Executor) {
		e.monitor = m
	}
}

// WithEventBus publishes lifecycle events to bus.
func WithEventBus(bus eventbus.EventBus) ExecutorOption {
	return func(e *Executor) {
		e.bus = bus
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *telemetry.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithRetryPolicy replaces the policy compiled from Config.RetryCondition.
func WithRetryPolicy(p *RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		e.policy = p
	}
}

// WithSleep replaces the backoff sleep. It must return early with an error
// when ctx is done.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// NewExecutor creates an executor.
func NewExecutor(config Config, options ...ExecutorOption) (*Executor, error) {
	lifeCtx, lifeCancel := context.WithCancelCause(context.Background())

	e := &Executor{
		config:     config,
		logger:     slog.Default(),
		sleep:      sleepContext,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
		runs:       make(map[string]*run),
		done:       make(chan struct{}),
	}

	policy, err := NewRetryPolicy(config.RetryCondition)
	if err != nil {
		lifeCancel(err)
		return nil, err
	}
	e.policy = policy

	for _, option := range options {
		option(e)
	}

	if e.config.MaxConcurrent < 1 {
		lifeCancel(nil)
		return nil, fmt.Errorf("max concurrent must be at least 1, got %d", e.config.MaxConcurrent)
	}
	if e.config.DefaultTimeout <= 0 {
		e.config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if e.config.BackoffMax < e.config.BackoffBase {
		e.config.BackoffMax = e.config.BackoffBase
	}

	e.logger = e.logger.With(slog.String("subsystem", "executor"))
	if e.tracer == nil {
		e.tracer = telemetry.Tracer()
	}
	if e.breakers == nil && e.config.CircuitBreakerEnabled {
		e.breakers = breaker.NewManager(breaker.DefaultConfig(),
			breaker.WithLogger(e.logger),
			ObserveBreakers(e.bus, e.metrics))
	}
	e.sem = semaphore.NewWeighted(int64(e.config.MaxConcurrent))

	return e, nil
}

// ObserveBreakers mirrors breaker transitions onto bus and metrics. Either may be nil.
func ObserveBreakers(bus eventbus.EventBus, metrics *telemetry.Metrics) breaker.ManagerOption {
	return breaker.WithListener(func(tr breaker.Transition) {
		if metrics != nil {
			metrics.BreakerState.WithLabelValues(tr.Key).Set(float64(tr.To))
			metrics.BreakerTransitions.WithLabelValues(tr.Key, tr.To.String()).Inc()
		}
		if bus != nil {
			_ = bus.Publish(context.Background(), eventbus.NewBreakerEvent(eventSource, tr.Key, tr.From.String(), tr.To.String()))
		}
	})
}

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.config }

// Breakers returns the breaker manager, or nil when breaking is disabled.
func (e *Executor) Breakers() *breaker.Manager { return e.breakers }

// Running returns the number of executions holding a slot.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// QueueLength returns the number of executions waiting for a slot.
func (e *Executor) QueueLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queued
}

// ActiveContexts returns the current attempt context of every running task.
func (e *Executor) ActiveContexts() []*ExecutionContext {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]*ExecutionContext, 0, len(runs))
	for _, r := range runs {
		if ec := r.context(); ec != nil {
			out = append(out, ec)
		}
	}
	return out
}

// Metrics returns a snapshot of execution statistics.
func (e *Executor) Metrics() ExecutorMetrics {
	return e.stats.Copy()
}

// Done is closed once Shutdown has drained every execution.
func (e *Executor) Done() <-chan struct{} { return e.done }

func (e *Executor) publish(event eventbus.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.Background(), event); err != nil {
		e.logger.Debug("publish failed", slog.String("event_type", string(event.Type())), slog.Any("error", err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}
