// Package breaker isolates failing workers behind per-key circuit breakers.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is normal operation - calls pass through.
	StateClosed State = iota
	// StateOpen means too many failures - calls are rejected.
	StateOpen
	// StateHalfOpen is testing recovery - limited trial calls allowed.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`

	// SuccessThreshold is consecutive half-open successes needed to close.
	SuccessThreshold int `yaml:"success_threshold" validate:"gte=1"`

	// OpenDuration is how long to reject calls before allowing a trial.
	OpenDuration time.Duration `yaml:"open_duration" validate:"gt=0"`

	// HalfOpenConcurrencyLimit bounds concurrent trial calls while half-open.
	HalfOpenConcurrencyLimit int `yaml:"half_open_max" validate:"gte=1"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		SuccessThreshold:         2,
		OpenDuration:             30 * time.Second,
		HalfOpenConcurrencyLimit: 1,
	}
}

// Transition describes a state change.
type Transition struct {
	Key  string
	From State
	To   State
	At   time.Time
}

// Metrics is a point-in-time snapshot of a breaker.
type Metrics struct {
	Key                  string    `json:"key"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	HalfOpenInFlight     int       `json:"half_open_in_flight"`
	LastTransitionAt     time.Time `json:"last_transition_at"`
	TotalCalls           int64     `json:"total_calls"`
	TotalFailures        int64     `json:"total_failures"`
	TotalRejections      int64     `json:"total_rejections"`
}

// Breaker is a Closed / Open / Half-Open state machine guarding one key.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	key      string
	config   Config
	now      func() time.Time
	onChange func(Transition)

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	lastTransitionAt time.Time
	halfOpenActive   int
	generation       uint64

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// New creates a breaker in the closed state.
func New(key string, config Config, opts ...Option) *Breaker {
	b := &Breaker{
		key:    key,
		config: config,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.config.HalfOpenConcurrencyLimit < 1 {
		b.config.HalfOpenConcurrencyLimit = 1
	}
	b.lastTransitionAt = b.now()
	return b
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChangeHook is invoked after every transition, outside the lock.
func WithStateChangeHook(fn func(Transition)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Key returns the key the breaker guards.
func (b *Breaker) Key() string { return b.key }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Permit is an admitted call. Its outcome counts only while the breaker is
// still in the state that admitted it.
type Permit struct {
	b     *Breaker
	gen   uint64
	trial bool
	once  sync.Once
}

// Success records a successful outcome.
func (p *Permit) Success() { p.finish(outcomeSuccess) }

// Failure records a failed outcome.
func (p *Permit) Failure() { p.finish(outcomeFailure) }

// Release gives the permit back without recording an outcome.
func (p *Permit) Release() { p.finish(outcomeNone) }

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSuccess
	outcomeFailure
)

// finish resolves the permit once; later calls are no-ops.
func (p *Permit) finish(o outcome) {
	p.once.Do(func() {
		b := p.b
		b.mu.Lock()
		if o == outcomeFailure {
			b.totalFailures++
		}
		var tr *Transition
		if b.generation == p.gen {
			if p.trial && b.halfOpenActive > 0 {
				b.halfOpenActive--
			}
			switch o {
			case outcomeSuccess:
				tr = b.successLocked()
			case outcomeFailure:
				tr = b.failureLocked()
			}
		}
		b.mu.Unlock()

		b.notify(tr)
	})
}

// Allow admits a call or returns a BreakerOpenError. The permit must be
// resolved with Success, Failure or Release once the call completes.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()
	b.totalCalls++

	var (
		permit *Permit
		tr     *Transition
	)
	switch b.state {
	case StateClosed:
		permit = &Permit{b: b, gen: b.generation}
	case StateOpen:
		if b.now().Sub(b.lastTransitionAt) >= b.config.OpenDuration {
			tr = b.transitionLocked(StateHalfOpen)
			permit = b.tryHalfOpenLocked()
		} else {
			b.totalRejections++
		}
	case StateHalfOpen:
		permit = b.tryHalfOpenLocked()
	}
	b.mu.Unlock()

	b.notify(tr)
	if permit == nil {
		return nil, dragonflow.NewBreakerOpenError(b.key)
	}
	return permit, nil
}

// tryHalfOpenLocked admits a trial if the concurrency limit allows it.
func (b *Breaker) tryHalfOpenLocked() *Permit {
	if b.halfOpenActive >= b.config.HalfOpenConcurrencyLimit {
		b.totalRejections++
		return nil
	}
	b.halfOpenActive++
	return &Permit{b: b, gen: b.generation, trial: true}
}

// RecordSuccess records a success against the current state, outside any permit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	tr := b.successLocked()
	b.mu.Unlock()

	b.notify(tr)
}

// RecordFailure records a failure against the current state, outside any permit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.totalFailures++
	tr := b.failureLocked()
	b.mu.Unlock()

	b.notify(tr)
}

func (b *Breaker) successLocked() *Transition {
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			return b.transitionLocked(StateClosed)
		}
	}
	return nil
}

func (b *Breaker) failureLocked() *Transition {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			return b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		return b.transitionLocked(StateOpen)
	}
	return nil
}

// Execute runs fn if the breaker allows it. A rejected call returns a
// BreakerOpenError without invoking fn. Cancellations are not recorded as
// either success or failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	permit, err := b.Allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		permit.Success()
	case errors.Is(err, context.Canceled) || errors.Is(err, dragonflow.ErrCancelled):
		permit.Release()
	default:
		permit.Failure()
	}
	return err
}

// Metrics returns a snapshot of the breaker.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Metrics{
		Key:                  b.key,
		State:                b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		HalfOpenInFlight:     b.halfOpenActive,
		LastTransitionAt:     b.lastTransitionAt,
		TotalCalls:           b.totalCalls,
		TotalFailures:        b.totalFailures,
		TotalRejections:      b.totalRejections,
	}
}

// Reset returns the breaker to the closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var tr *Transition
	if b.state != StateClosed {
		tr = b.transitionLocked(StateClosed)
	}
	b.failures = 0
	b.successes = 0
	b.halfOpenActive = 0
	b.mu.Unlock()

	b.notify(tr)
}

// transitionLocked changes state and resets counters. Must be called with lock held.
func (b *Breaker) transitionLocked(to State) *Transition {
	tr := &Transition{Key: b.key, From: b.state, To: to, At: b.now()}
	b.state = to
	b.lastTransitionAt = tr.At
	b.failures = 0
	b.successes = 0
	b.halfOpenActive = 0
	b.generation++
	return tr
}

func (b *Breaker) notify(tr *Transition) {
	if tr != nil && b.onChange != nil {
		b.onChange(*tr)
	}
}
