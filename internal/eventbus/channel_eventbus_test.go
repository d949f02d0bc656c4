package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestChannelEventBus_PublishAndSubscribe(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(1, 10*time.Millisecond),
	)
	defer eb.Close()

	received := make(chan EventType, 1)
	handler := func(ctx context.Context, event Event) error {
		received <- event.Type()
		return nil
	}
	_, err := eb.Subscribe([]EventType{EventExecutionCompleted}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	evt := NewExecutionEvent(EventExecutionCompleted, "test", "task-1", "exec-1", "worker-1")
	if err := eb.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case typ := <-received:
		if typ != EventExecutionCompleted {
			t.Errorf("expected event type %v, got %v", EventExecutionCompleted, typ)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for event handler")
	}
}

func TestChannelEventBus_HandlerRetry(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(2, 10*time.Millisecond),
	)

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}
	_, err := eb.Subscribe([]EventType{EventExecutionFailed}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	err = eb.Publish(context.Background(), NewEvent(EventExecutionFailed, "test", nil))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Close drains queued events before returning.
	eb.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestChannelEventBus_ContextCancellation(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(1, 10*time.Millisecond),
	)
	defer eb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan struct{}, 1)
	handler := func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	}
	_, err := eb.Subscribe([]EventType{EventExecutionStarted}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cancel()
	err = eb.Publish(ctx, NewEvent(EventExecutionStarted, "test", nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	select {
	case <-received:
		t.Error("handler should not be called after context cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelEventBus_DeliveryOutlivesPublisherContext(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1))

	var mu sync.Mutex
	var got []string
	_, err := Subscribe(eb, []EventType{EventTaskAdmitted}, func(ctx context.Context, e *AdmissionEvent) error {
		mu.Lock()
		got = append(got, e.TaskID)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := eb.Publish(ctx, NewAdmissionEvent(EventTaskAdmitted, "test", "a", "x")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	cancel()
	eb.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("expected delivery of task a, got %v", got)
	}
}

func TestChannelEventBus_TypedSubscribeIgnoresOtherTypes(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1))

	var mu sync.Mutex
	count := 0
	_, err := Subscribe(eb, []EventType{EventBreakerStateChanged}, func(ctx context.Context, e *BreakerEvent) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	_ = eb.Publish(context.Background(), NewEvent(EventBreakerStateChanged, "test", nil))
	_ = eb.Publish(context.Background(), NewBreakerEvent("test", "worker-a", "closed", "open"))
	eb.Close()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("expected 1 typed delivery, got %d", count)
	}
}

func TestChannelEventBus_SubscribeAllAndUnsubscribe(t *testing.T) {
	eb := NewChannelEventBus(WithWorkerCount(1))

	var mu sync.Mutex
	var types []EventType
	id, err := eb.SubscribeAll(func(ctx context.Context, event Event) error {
		mu.Lock()
		types = append(types, event.Type())
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}

	_ = eb.Publish(context.Background(), NewLifecycleEvent(EventShutdownStarted, "test"))
	_ = eb.Publish(context.Background(), NewLifecycleEvent(EventShutdownComplete, "test"))

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(types)
		mu.Unlock()
		if n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := eb.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	_ = eb.Publish(context.Background(), NewLifecycleEvent(EventShutdownStarted, "test"))
	eb.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(types) != 2 {
		t.Errorf("expected 2 events before unsubscribe, got %v", types)
	}
}

func TestChannelEventBus_ClosedRejects(t *testing.T) {
	eb := NewChannelEventBus()
	if err := eb.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := eb.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := eb.Publish(context.Background(), NewEvent(EventShutdownStarted, "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := eb.SubscribeAll(func(context.Context, Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}

func TestChannelEventBus_HandlerPublishesIntoFullBuffer(t *testing.T) {
	eb := NewChannelEventBus(WithBufferSize(1), WithWorkerCount(1), WithRetries(0, 0))

	var (
		mu       sync.Mutex
		followUp int
	)
	all := make(chan struct{})
	_, err := eb.Subscribe([]EventType{EventExecutionStarted}, func(ctx context.Context, _ Event) error {
		for i := 0; i < 3; i++ {
			if err := eb.Publish(ctx, NewExecutionEvent(EventExecutionCompleted, "test", "t", "e", "w")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_, err = eb.Subscribe([]EventType{EventExecutionCompleted}, func(context.Context, Event) error {
		mu.Lock()
		defer mu.Unlock()
		followUp++
		if followUp == 3 {
			close(all)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := eb.Publish(context.Background(), NewExecutionEvent(EventExecutionStarted, "test", "t", "e", "w")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatal("events published from a handler were not delivered")
	}

	closed := make(chan struct{})
	go func() {
		eb.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestChannelEventBus_CloseReleasesBlockedPublisher(t *testing.T) {
	eb := NewChannelEventBus(WithBufferSize(1), WithWorkerCount(1))

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	_, err := eb.Subscribe([]EventType{EventExecutionStarted}, func(context.Context, Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	evt := func() Event { return NewExecutionEvent(EventExecutionStarted, "test", "t", "e", "w") }
	if err := eb.Publish(context.Background(), evt()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-entered
	if err := eb.Publish(context.Background(), evt()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	blocked := make(chan error, 1)
	go func() { blocked <- eb.Publish(context.Background(), evt()) }()

	closed := make(chan struct{})
	go func() {
		eb.Close()
		close(closed)
	}()

	select {
	case err := <-blocked:
		if err == nil {
			t.Error("publisher blocked on a full buffer should fail once the bus closes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked publisher was not released by Close")
	}

	close(gate)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
