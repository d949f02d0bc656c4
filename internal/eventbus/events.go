package eventbus

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Admission events
	EventTaskQueued   EventType = "task_queued"
	EventTaskAdmitted EventType = "task_admitted"
	EventTaskDequeued EventType = "task_dequeued"

	// Execution events
	EventExecutionStarted   EventType = "execution_started"
	EventExecutionRetry     EventType = "execution_retry"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
	EventExecutionCancelled EventType = "execution_cancelled"

	// Circuit breaker events
	EventBreakerStateChanged EventType = "breaker_state_changed"

	// Resource events
	EventResourceLimitExceeded EventType = "resource_limit_exceeded"
	EventResourceSoftLimit     EventType = "resource_soft_limit"

	// Lifecycle events
	EventShutdownStarted  EventType = "shutdown_started"
	EventShutdownComplete EventType = "shutdown_complete"

	// Scheduler events
	EventTaskSkipped EventType = "task_skipped"
	EventRunStarted  EventType = "run_started"
	EventRunFinished EventType = "run_finished"
)

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the system
type Event interface {
	// Type returns the event type
	Type() EventType

	// Metadata returns additional information about the event
	Metadata() map[string]interface{}

	// Timestamp returns when the event occurred
	Timestamp() time.Time

	// Source returns information about what generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish sends an event to all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types
	// Returns a subscription ID that can be used to unsubscribe
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	// Returns a subscription ID that can be used to unsubscribe
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus, cleaning up resources
	Close() error
}

// BaseEvent carries the fields shared by every event.
type BaseEvent struct {
	eventType  EventType
	metadata   map[string]interface{}
	timestamp  time.Time
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(eventType EventType, source string, metadata map[string]interface{}) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &BaseEvent{
		eventType:  eventType,
		metadata:   metadata,
		timestamp:  time.Now(),
		sourceInfo: source,
	}
}

func newBase(eventType EventType, source string) BaseEvent {
	return *NewEvent(eventType, source, nil)
}

// Type returns the event type
func (e *BaseEvent) Type() EventType { return e.eventType }

// Metadata returns additional information about the event
func (e *BaseEvent) Metadata() map[string]interface{} { return e.metadata }

// Timestamp returns when the event occurred
func (e *BaseEvent) Timestamp() time.Time { return e.timestamp }

// Source returns information about what generated the event
func (e *BaseEvent) Source() string { return e.sourceInfo }

// WithMetadata adds or updates metadata and returns the same event
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}

// AdmissionEvent reports queue and concurrency-slot changes.
type AdmissionEvent struct {
	BaseEvent
	TaskID      string
	ExecutionID string
	Running     int
	Queued      int
	Waited      time.Duration
}

// NewAdmissionEvent creates an admission event.
func NewAdmissionEvent(eventType EventType, source, taskID, executionID string) *AdmissionEvent {
	return &AdmissionEvent{BaseEvent: newBase(eventType, source), TaskID: taskID, ExecutionID: executionID}
}

// ExecutionEvent reports progress of a single task execution.
type ExecutionEvent struct {
	BaseEvent
	TaskID      string
	ExecutionID string
	WorkerID    string
	Attempt     int
	Delay       time.Duration
	Reason      string
	Err         *dragonflow.TaskError
	Result      *dragonflow.ExecutionResult
}

// NewExecutionEvent creates an execution event.
func NewExecutionEvent(eventType EventType, source, taskID, executionID, workerID string) *ExecutionEvent {
	return &ExecutionEvent{
		BaseEvent:   newBase(eventType, source),
		TaskID:      taskID,
		ExecutionID: executionID,
		WorkerID:    workerID,
	}
}

// BreakerEvent reports a circuit breaker transition.
type BreakerEvent struct {
	BaseEvent
	Key  string
	From string
	To   string
}

// NewBreakerEvent creates a breaker event.
func NewBreakerEvent(source, key, from, to string) *BreakerEvent {
	return &BreakerEvent{BaseEvent: newBase(EventBreakerStateChanged, source), Key: key, From: from, To: to}
}

// ResourceEvent reports a resource ceiling breach.
type ResourceEvent struct {
	BaseEvent
	TaskID      string
	ExecutionID string
	Resource    string // "memory" or "cpu"
	Usage       dragonflow.ResourceUsage
	Limit       float64
}

// NewResourceEvent creates a resource event.
func NewResourceEvent(eventType EventType, source, taskID, executionID, resource string) *ResourceEvent {
	return &ResourceEvent{
		BaseEvent:   newBase(eventType, source),
		TaskID:      taskID,
		ExecutionID: executionID,
		Resource:    resource,
	}
}

// LifecycleEvent reports executor shutdown phases, scheduler-level task skips
// and background run transitions.
type LifecycleEvent struct {
	BaseEvent
	TaskID   string
	InFlight int
	Reason   string
}

// NewLifecycleEvent creates a lifecycle event.
func NewLifecycleEvent(eventType EventType, source string) *LifecycleEvent {
	return &LifecycleEvent{BaseEvent: newBase(eventType, source)}
}

// Subscribe registers fn for the given types, dropping events of any other Go type.
func Subscribe[E Event](bus EventBus, eventTypes []EventType, fn func(context.Context, E) error) (string, error) {
	return bus.Subscribe(eventTypes, func(ctx context.Context, event Event) error {
		typed, ok := event.(E)
		if !ok {
			return nil
		}
		return fn(ctx, typed)
	})
}
