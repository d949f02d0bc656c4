package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager lazily creates one breaker per key.
type Manager struct {
	config    Config
	now       func() time.Time
	logger    *slog.Logger
	listeners []func(Transition)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerClock sets the clock handed to every breaker.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithListener registers a callback for every transition of every breaker.
func WithListener(fn func(Transition)) ManagerOption {
	return func(m *Manager) {
		m.listeners = append(m.listeners, fn)
	}
}

// NewManager creates a manager whose breakers share config.
func NewManager(config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		config:   config,
		now:      time.Now,
		logger:   slog.Default(),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("subsystem", "breaker"))
	return m
}

// Get returns the breaker for key, creating it if absent.
func (m *Manager) Get(key string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[key]; ok {
		return b
	}
	b = New(key, m.config, WithClock(m.now), WithStateChangeHook(m.onTransition))
	m.breakers[key] = b
	return b
}

// GetAllMetrics returns a snapshot per key.
func (m *Manager) GetAllMetrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Metrics, len(m.breakers))
	for key, b := range m.breakers {
		out[key] = b.Metrics()
	}
	return out
}

// Keys returns the known keys in sorted order.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.breakers))
	for key := range m.breakers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Reset closes the breaker for key. It reports whether the key was known.
func (m *Manager) Reset(key string) bool {
	m.mu.RLock()
	b, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		b.Reset()
	}
	return ok
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	all := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		all = append(all, b)
	}
	m.mu.RUnlock()

	for _, b := range all {
		b.Reset()
	}
}

func (m *Manager) onTransition(tr Transition) {
	level := slog.LevelInfo
	if tr.To == StateOpen {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		slog.String("key", tr.Key),
		slog.String("from", tr.From.String()),
		slog.String("to", tr.To.String()))

	for _, fn := range m.listeners {
		fn(tr)
	}
}
