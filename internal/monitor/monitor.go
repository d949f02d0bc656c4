// Package monitor samples resource usage of running executions and enforces
// the memory ceiling.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
	"github.com/ZanzyTHEbar/dragonflow/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonflow/internal/telemetry"
)

// Target is an execution being watched.
type Target interface {
	TaskID() string
	ExecutionID() string
	PID() int

	// Reporter returns a self-reporting source, or nil.
	Reporter() dragonflow.UsageReporter

	// RecordUsage stores the latest sample on the target.
	RecordUsage(dragonflow.ResourceUsage)

	// Abort force-cancels the execution with cause.
	Abort(cause error)
}

// Limits are the ceilings checked on every sample. Zero disables a check.
type Limits struct {
	MemoryBytes uint64  `yaml:"memory_limit_bytes"`
	CPUPercent  float64 `yaml:"cpu_limit_percent" validate:"gte=0"`
}

type tracked struct {
	aborted   bool
	cpuWarned bool
}

// Monitor periodically samples every tracked target.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	interval time.Duration
	limits   Limits
	sampler  Sampler
	logger   *slog.Logger
	bus      eventbus.EventBus
	metrics  *telemetry.Metrics

	mu         sync.Mutex
	targets    map[Target]*tracked
	violations map[string]int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampler replaces the default sampler.
func WithSampler(s Sampler) Option {
	return func(m *Monitor) {
		m.sampler = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithEventBus publishes breach events to bus.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(m *Monitor) {
		m.bus = bus
	}
}

// WithMetrics records breaches in metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// New creates a monitor sampling every interval.
func New(interval time.Duration, limits Limits, opts ...Option) *Monitor {
	m := &Monitor{
		interval:   interval,
		limits:     limits,
		logger:     slog.Default(),
		targets:    make(map[Target]*tracked),
		violations: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sampler == nil {
		proc, err := NewProcSampler("")
		if err != nil {
			m.logger.Warn("procfs unavailable, only self-reporting workers will be sampled", slog.Any("error", err))
		}
		m.sampler = DefaultSampler{Proc: proc}
	}
	if m.interval <= 0 {
		m.interval = time.Second
	}
	m.logger = m.logger.With(slog.String("subsystem", "resource_monitor"))
	return m
}

// Track starts watching t.
func (m *Monitor) Track(t Target) {
	m.mu.Lock()
	m.targets[t] = &tracked{}
	m.mu.Unlock()
}

// Untrack stops watching t.
func (m *Monitor) Untrack(t Target) {
	m.mu.Lock()
	delete(m.targets, t)
	m.mu.Unlock()

	if ps, ok := m.sampler.(DefaultSampler); ok && ps.Proc != nil && t.PID() > 0 {
		ps.Proc.Forget(t.PID())
	}
}

// Violations returns how many memory breaches were recorded for taskID.
func (m *Monitor) Violations(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violations[taskID]
}

// ClearViolations forgets the breach history of taskID.
func (m *Monitor) ClearViolations(taskID string) {
	m.mu.Lock()
	delete(m.violations, taskID)
	m.mu.Unlock()
}

// Run samples on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Debug("resource monitor started",
		slog.Duration("interval", m.interval),
		slog.Uint64("memory_limit_bytes", m.limits.MemoryBytes),
		slog.Float64("cpu_limit_percent", m.limits.CPUPercent))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check samples every tracked target once.
func (m *Monitor) Check(ctx context.Context) {
	m.mu.Lock()
	targets := make([]Target, 0, len(m.targets))
	for t := range m.targets {
		targets = append(targets, t)
	}
	m.mu.Unlock()

	for _, t := range targets {
		usage, err := m.sampler.Sample(t)
		if err != nil {
			// The process may already have exited.
			m.logger.Debug("sample failed", slog.String("task_id", t.TaskID()), slog.Any("error", err))
			continue
		}
		t.RecordUsage(usage)
		m.checkLimits(ctx, t, usage)
	}
}

func (m *Monitor) checkLimits(ctx context.Context, t Target, usage dragonflow.ResourceUsage) {
	m.mu.Lock()
	state, ok := m.targets[t]
	if !ok {
		m.mu.Unlock()
		return
	}

	memBreach := m.limits.MemoryBytes > 0 && usage.MemoryBytes > m.limits.MemoryBytes && !state.aborted
	if memBreach {
		state.aborted = true
		m.violations[t.TaskID()]++
	}
	cpuBreach := m.limits.CPUPercent > 0 && usage.CPUPercent > m.limits.CPUPercent && !state.cpuWarned
	if cpuBreach {
		state.cpuWarned = true
	}
	m.mu.Unlock()

	if memBreach {
		m.logger.Warn("memory limit exceeded, cancelling execution",
			slog.String("task_id", t.TaskID()),
			slog.String("execution_id", t.ExecutionID()),
			slog.Uint64("memory_bytes", usage.MemoryBytes),
			slog.Uint64("limit_bytes", m.limits.MemoryBytes))
		if m.metrics != nil {
			m.metrics.ResourceViolations.WithLabelValues("memory").Inc()
		}
		m.publish(ctx, eventbus.EventResourceLimitExceeded, t, "memory", usage, float64(m.limits.MemoryBytes))
		t.Abort(dragonflow.NewResourceLimitError("monitor", usage.MemoryBytes, m.limits.MemoryBytes))
	}

	if cpuBreach {
		m.logger.Warn("cpu limit exceeded",
			slog.String("task_id", t.TaskID()),
			slog.String("execution_id", t.ExecutionID()),
			slog.Float64("cpu_percent", usage.CPUPercent),
			slog.Float64("limit_percent", m.limits.CPUPercent))
		if m.metrics != nil {
			m.metrics.ResourceViolations.WithLabelValues("cpu").Inc()
		}
		m.publish(ctx, eventbus.EventResourceSoftLimit, t, "cpu", usage, m.limits.CPUPercent)
	}
}

func (m *Monitor) publish(ctx context.Context, typ eventbus.EventType, t Target, resource string, usage dragonflow.ResourceUsage, limit float64) {
	if m.bus == nil {
		return
	}
	evt := eventbus.NewResourceEvent(typ, "monitor", t.TaskID(), t.ExecutionID(), resource)
	evt.Usage = usage
	evt.Limit = limit
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.logger.Debug("publish failed", slog.String("event_type", string(typ)), slog.Any("error", err))
	}
}
