package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func result(id string, success bool) *dragonflow.ExecutionResult {
	return &dragonflow.ExecutionResult{TaskID: id, Success: success, Output: &dragonflow.WorkerOutput{Output: id}}
}

func TestResultCache_PutAndGet(t *testing.T) {
	cache := NewResultCache(time.Second)
	ctx := context.Background()

	if err := cache.Put(ctx, result("foo", true)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := cache.Get(ctx, "foo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.TaskID != "foo" {
		t.Errorf("expected foo, got %v", got.TaskID)
	}
	if _, err := cache.Get(ctx, "missing"); err == nil {
		t.Error("expected error for missing item")
	}
}

func TestResultCache_Expiration(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	cache := NewResultCache(50*time.Millisecond, WithClock(clock.Now))
	ctx := context.Background()

	if err := cache.Put(ctx, result("baz", true)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	clock.Advance(60 * time.Millisecond)

	if _, err := cache.Get(ctx, "baz"); err == nil {
		t.Error("expected error for expired item, got nil")
	}
	if len(cache.Results()) != 0 {
		t.Error("expired items must not be listed")
	}
	if n := cache.Purge(); n != 1 {
		t.Errorf("expected 1 purged item, got %d", n)
	}
	if cache.Len() != 0 {
		t.Errorf("expected empty cache, got %d", cache.Len())
	}
}

func TestResultCache_Output(t *testing.T) {
	cache := NewResultCache(time.Second)
	ctx := context.Background()
	_ = cache.Put(ctx, result("ok", true))
	_ = cache.Put(ctx, result("bad", false))

	if out, ok := cache.Output(ctx, "ok"); !ok || out.Output != "ok" {
		t.Errorf("expected output for ok, got %v %v", out, ok)
	}
	if _, ok := cache.Output(ctx, "bad"); ok {
		t.Error("failed results have no usable output")
	}
}

func TestResultCache_ContextCancelled(t *testing.T) {
	cache := NewResultCache(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := cache.Put(ctx, result("x", true)); err == nil {
		t.Error("expected error for cancelled context on Put")
	}
	if _, err := cache.Get(ctx, "x"); err == nil {
		t.Error("expected error for cancelled context on Get")
	}
}

func TestResultCache_RejectsAnonymous(t *testing.T) {
	cache := NewResultCache(time.Second)
	if err := cache.Put(context.Background(), &dragonflow.ExecutionResult{}); err == nil {
		t.Error("expected error for result without task id")
	}
}

func TestResultCache_Concurrency(t *testing.T) {
	cache := NewResultCache(time.Second, WithCleanupInterval(time.Millisecond))
	defer cache.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = cache.Put(ctx, result("shared", true))
		}()
		go func() {
			defer wg.Done()
			_, _ = cache.Get(ctx, "shared")
		}()
	}
	wg.Wait()

	if _, err := cache.Get(ctx, "shared"); err != nil {
		t.Errorf("Get failed: %v", err)
	}
}
