package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ZanzyTHEbar/dragonflow"
)

// Func is the signature of in-process work.
type Func func(ctx context.Context, env dragonflow.Envelope) (*dragonflow.WorkerOutput, error)

var (
	errTerminated = errors.New("worker terminated")
	errKilled     = errors.New("worker killed")
)

// FuncWorker adapts a Go function to the dragonflow.Worker interface.
// Terminate cancels the function's context; Kill abandons it.
type FuncWorker struct {
	id          string
	fn          Func
	validator   func(dragonflow.Envelope) error
	usage       func() dragonflow.ResourceUsage
	description string
}

// FuncOption represents an option for configuring a FuncWorker.
type FuncOption func(*FuncWorker)

// WithValidator rejects envelopes before the function runs.
func WithValidator(validator func(dragonflow.Envelope) error) FuncOption {
	return func(w *FuncWorker) {
		w.validator = validator
	}
}

// WithUsage reports resource usage for handles of this worker.
func WithUsage(usage func() dragonflow.ResourceUsage) FuncOption {
	return func(w *FuncWorker) {
		w.usage = usage
	}
}

// WithDescription sets a human readable description.
func WithDescription(description string) FuncOption {
	return func(w *FuncWorker) {
		w.description = description
	}
}

// NewFuncWorker creates a new in-process worker.
func NewFuncWorker(id string, fn Func, options ...FuncOption) *FuncWorker {
	w := &FuncWorker{id: id, fn: fn}
	for _, option := range options {
		option(w)
	}
	return w
}

// ID returns the worker id.
func (w *FuncWorker) ID() string { return w.id }

// Description returns the worker description.
func (w *FuncWorker) Description() string { return w.description }

// Start runs the function in a new goroutine.
func (w *FuncWorker) Start(ctx context.Context, env dragonflow.Envelope) (dragonflow.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, dragonflow.NewCancelledError("dispatch", err)
	}
	if w.fn == nil {
		return nil, dragonflow.NewProcessError("dispatch", fmt.Sprintf("worker '%s' has no function", w.id), nil)
	}
	if w.validator != nil {
		if err := w.validator(env); err != nil {
			return nil, dragonflow.NewValidationError("dispatch", "envelope rejected", err)
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	h := &funcHandle{cancel: cancel, done: make(chan struct{}), usage: w.usage}
	go func() {
		out, err := w.fn(runCtx, env)
		if err != nil {
			err = dragonflow.AsTaskError("process", err)
		}
		h.finish(out, err)
	}()
	return h, nil
}

type funcHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	usage  func() dragonflow.ResourceUsage

	once   sync.Once
	mu     sync.Mutex
	output *dragonflow.WorkerOutput
	err    error
}

func (h *funcHandle) PID() int { return 0 }

func (h *funcHandle) Done() <-chan struct{} { return h.done }

func (h *funcHandle) Result() (*dragonflow.WorkerOutput, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output, h.err
}

func (h *funcHandle) Usage() dragonflow.ResourceUsage {
	if h.usage == nil {
		return dragonflow.ResourceUsage{}
	}
	return h.usage()
}

func (h *funcHandle) Signal(kind dragonflow.SignalKind) error {
	switch kind {
	case dragonflow.SignalTerminate:
		h.cancel(errTerminated)
	case dragonflow.SignalKill:
		h.cancel(errKilled)
		h.finish(nil, dragonflow.NewCancelledError("process", errKilled))
	default:
		return fmt.Errorf("unknown signal kind %d", kind)
	}
	return nil
}

// finish records the first outcome; later ones are dropped.
func (h *funcHandle) finish(out *dragonflow.WorkerOutput, err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.output, h.err = out, err
		h.mu.Unlock()
		h.cancel(nil)
		close(h.done)
	})
}
