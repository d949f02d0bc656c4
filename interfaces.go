package dragonflow

import "context"

// SignalKind selects how a running worker handle is asked to stop.
type SignalKind int

const (
	// SignalTerminate asks the worker to stop gracefully.
	SignalTerminate SignalKind = iota
	// SignalKill stops the worker immediately.
	SignalKill
)

func (k SignalKind) String() string {
	switch k {
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	default:
		return "unknown"
	}
}

// Worker starts units of work. Implementations may run in-process or as child processes.
type Worker interface {
	// ID identifies the worker. It is also the circuit breaker key.
	ID() string

	// Start launches the work described by env and returns immediately.
	Start(ctx context.Context, env Envelope) (Handle, error)
}

// Handle is a running unit of work.
type Handle interface {
	// PID returns the OS process id, or 0 for in-process work.
	PID() int

	// Done is closed once the work has finished.
	Done() <-chan struct{}

	// Result returns the outcome. Only valid after Done is closed.
	Result() (*WorkerOutput, error)

	// Signal delivers a stop request. Signalling a finished handle is a no-op.
	Signal(kind SignalKind) error
}

// UsageReporter is implemented by handles that report their own consumption.
type UsageReporter interface {
	Usage() ResourceUsage
}
