// Package eventbus provides event bus implementations
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelEventBus is an implementation of EventBus using Go channels
type ChannelEventBus struct {
	// subscribers maps event types to a map of subscription IDs to event handlers
	subscribers map[EventType]map[string]EventHandler

	// allSubscribers contains handlers that receive all events regardless of type
	allSubscribers map[string]EventHandler

	// eventChan is the channel where events are published
	eventChan chan eventWithContext

	// closed indicates if the event bus has been shut down; guarded by lifecycle
	closed    bool
	lifecycle sync.RWMutex

	// done is closed by Close to release blocked publishers and stop workers
	done chan struct{}

	// wg keeps track of active goroutines
	wg sync.WaitGroup

	// mutex protects the subscribers and allSubscribers maps
	mutex sync.RWMutex

	logger *slog.Logger

	// Configuration
	bufferSize    int
	workerCount   int
	maxRetries    int
	retryInterval time.Duration
}

// deliveryKey marks contexts passed to handlers.
type deliveryKey struct{}

// eventWithContext bundles an event with its context for processing
type eventWithContext struct {
	ctx   context.Context
	event Event
}

// ChannelEventBusOption configures the channel-based event bus
type ChannelEventBusOption func(*ChannelEventBus)

// WithBufferSize sets the event channel buffer size
func WithBufferSize(size int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.bufferSize = size
	}
}

// WithWorkerCount sets the number of event processing workers
func WithWorkerCount(count int) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.workerCount = count
	}
}

// WithRetries configures the retry behavior for event handlers
func WithRetries(maxRetries int, retryInterval time.Duration) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.maxRetries = maxRetries
		eb.retryInterval = retryInterval
	}
}

// WithLogger sets the logger used for handler failures
func WithLogger(logger *slog.Logger) ChannelEventBusOption {
	return func(eb *ChannelEventBus) {
		eb.logger = logger
	}
}

// NewChannelEventBus creates a new channel-based event bus
func NewChannelEventBus(options ...ChannelEventBusOption) *ChannelEventBus {
	eb := &ChannelEventBus{
		subscribers:    make(map[EventType]map[string]EventHandler),
		allSubscribers: make(map[string]EventHandler),
		logger:         slog.Default(),

		// Default configuration
		bufferSize:    256,
		workerCount:   4,
		maxRetries:    3,
		retryInterval: time.Millisecond * 100,
	}

	for _, option := range options {
		option(eb)
	}
	if eb.workerCount < 1 {
		eb.workerCount = 1
	}
	eb.logger = eb.logger.With(slog.String("subsystem", "eventbus"))

	eb.eventChan = make(chan eventWithContext, eb.bufferSize)
	eb.done = make(chan struct{})
	eb.startWorkers()

	return eb
}

// startWorkers initializes the goroutines that process events
func (eb *ChannelEventBus) startWorkers() {
	for i := 0; i < eb.workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
}

// worker processes events until Close, then drains what is queued
func (eb *ChannelEventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case evt := <-eb.eventChan:
			eb.processEvent(evt)
		case <-eb.done:
			for {
				select {
				case evt := <-eb.eventChan:
					eb.processEvent(evt)
				default:
					return
				}
			}
		}
	}
}

// processEvent handles the event dispatch to all relevant subscribers
func (eb *ChannelEventBus) processEvent(evt eventWithContext) {
	if evt.ctx.Err() != nil {
		return
	}

	// Copy handlers so they can subscribe/unsubscribe without deadlocking
	eb.mutex.RLock()
	handlers := make([]EventHandler, 0, len(eb.subscribers[evt.event.Type()])+len(eb.allSubscribers))
	for _, handler := range eb.subscribers[evt.event.Type()] {
		handlers = append(handlers, handler)
	}
	for _, handler := range eb.allSubscribers {
		handlers = append(handlers, handler)
	}
	eb.mutex.RUnlock()

	ctx := context.WithValue(evt.ctx, deliveryKey{}, true)
	for _, handler := range handlers {
		eb.executeHandler(ctx, evt.event, handler)
	}
}

// executeHandler runs a handler with retry logic
func (eb *ChannelEventBus) executeHandler(ctx context.Context, event Event, handler EventHandler) {
	var err error

	for attempt := 0; attempt <= eb.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		err = handler(ctx, event)
		if err == nil {
			return
		}

		if attempt == eb.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(eb.retryInterval):
		}
	}

	eb.logger.Warn("event handler failed",
		slog.String("event_type", string(event.Type())),
		slog.Int("retries", eb.maxRetries),
		slog.Any("error", err))
}

// Publish queues an event for delivery. It blocks while the buffer is full,
// except when called from a handler: then a full buffer hands the send to a
// goroutine so the worker running the handler keeps draining. Events
// published concurrently with Close may be dropped.
func (eb *ChannelEventBus) Publish(ctx context.Context, event Event) error {
	if eb.isClosed() {
		return fmt.Errorf("event bus is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Delivery must not be tied to the publisher's lifetime.
	evt := eventWithContext{ctx: context.WithoutCancel(ctx), event: event}

	if ctx.Value(deliveryKey{}) != nil {
		select {
		case eb.eventChan <- evt:
		default:
			// The caller runs on a worker, so the group count is above zero.
			eb.wg.Add(1)
			go func() {
				defer eb.wg.Done()
				select {
				case eb.eventChan <- evt:
				case <-eb.done:
				}
			}()
		}
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-eb.done:
		return fmt.Errorf("event bus is closed")
	case eb.eventChan <- evt:
		return nil
	}
}

// Subscribe registers a handler for specific event types
func (eb *ChannelEventBus) Subscribe(eventTypes []EventType, handler EventHandler) (string, error) {
	if eb.isClosed() {
		return "", fmt.Errorf("event bus is closed")
	}

	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	if len(eventTypes) == 0 {
		return "", fmt.Errorf("at least one event type is required")
	}

	subscriptionID := uuid.New().String()

	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	for _, eventType := range eventTypes {
		if _, exists := eb.subscribers[eventType]; !exists {
			eb.subscribers[eventType] = make(map[string]EventHandler)
		}
		eb.subscribers[eventType][subscriptionID] = handler
	}

	return subscriptionID, nil
}

// SubscribeAll registers a handler for all event types
func (eb *ChannelEventBus) SubscribeAll(handler EventHandler) (string, error) {
	if eb.isClosed() {
		return "", fmt.Errorf("event bus is closed")
	}

	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	subscriptionID := uuid.New().String()

	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	eb.allSubscribers[subscriptionID] = handler

	return subscriptionID, nil
}

// Unsubscribe removes a subscription by ID
func (eb *ChannelEventBus) Unsubscribe(subscriptionID string) error {
	if eb.isClosed() {
		return fmt.Errorf("event bus is closed")
	}

	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	delete(eb.allSubscribers, subscriptionID)
	for eventType := range eb.subscribers {
		delete(eb.subscribers[eventType], subscriptionID)
	}

	return nil
}

// Close stops accepting events, delivers what is already queued and waits
// for the workers to exit.
func (eb *ChannelEventBus) Close() error {
	eb.lifecycle.Lock()
	if eb.closed {
		eb.lifecycle.Unlock()
		return nil
	}
	eb.closed = true
	close(eb.done)
	eb.lifecycle.Unlock()

	eb.wg.Wait()
	return nil
}

func (eb *ChannelEventBus) isClosed() bool {
	eb.lifecycle.RLock()
	defer eb.lifecycle.RUnlock()
	return eb.closed
}
