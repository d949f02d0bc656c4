// Package cache keeps recent execution outcomes in memory.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"

	"github.com/ZanzyTHEbar/dragonflow"
)

// ResultCache is a thread-safe TTL cache of execution results keyed by task id.
type ResultCache struct {
	store  map[string]cacheItem
	mutex  sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type cacheItem struct {
	value      *dragonflow.ExecutionResult
	expiration int64
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ResultCache) {
		c.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) {
		c.now = now
	}
}

// WithCleanupInterval starts a background sweep of expired items. Close stops it.
func WithCleanupInterval(interval time.Duration) Option {
	return func(c *ResultCache) {
		if interval > 0 {
			go c.cleanupLoop(interval)
		}
	}
}

// NewResultCache creates a cache whose entries live for ttl.
func NewResultCache(ttl time.Duration, opts ...Option) *ResultCache {
	c := &ResultCache{
		store:  make(map[string]cacheItem),
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("subsystem", "result_cache"))
	return c
}

// Get retrieves the result stored for taskID.
func (c *ResultCache) Get(ctx context.Context, taskID string) (*dragonflow.ExecutionResult, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[taskID]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if c.now().UnixNano() > item.expiration {
		// Lazy expiry; the sweep removes it.
		c.logger.Debug("cache item expired", slog.String("task_id", taskID))
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}
	return item.value, nil
}

// Put stores result under its task id, replacing any previous outcome.
func (c *ResultCache) Put(ctx context.Context, result *dragonflow.ExecutionResult) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	if result == nil || result.TaskID == "" {
		return errbuilder.GenericErr("result has no task id", nil)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[result.TaskID] = cacheItem{
		value:      result,
		expiration: c.now().Add(c.ttl).UnixNano(),
	}
	c.logger.Debug("cache item set", slog.String("task_id", result.TaskID), slog.Bool("success", result.Success))
	return nil
}

// Output returns the worker output of a successful cached result.
func (c *ResultCache) Output(ctx context.Context, taskID string) (*dragonflow.WorkerOutput, bool) {
	res, err := c.Get(ctx, taskID)
	if err != nil || !res.Success {
		return nil, false
	}
	return res.Output, true
}

// Delete removes taskID.
func (c *ResultCache) Delete(taskID string) {
	c.mutex.Lock()
	delete(c.store, taskID)
	c.mutex.Unlock()
}

// Results returns the live results sorted by task id.
func (c *ResultCache) Results() []*dragonflow.ExecutionResult {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now().UnixNano()
	out := make([]*dragonflow.ExecutionResult, 0, len(c.store))
	for _, item := range c.store {
		if now <= item.expiration {
			out = append(out, item.value)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Len returns the number of stored items, expired or not.
func (c *ResultCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Purge removes expired items and returns how many were dropped.
func (c *ResultCache) Purge() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now().UnixNano()
	n := 0
	for key, item := range c.store {
		if now > item.expiration {
			delete(c.store, key)
			n++
		}
	}
	return n
}

// Close stops the background sweep.
func (c *ResultCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *ResultCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				c.logger.Debug("expired items removed", slog.Int("count", n))
			}
		}
	}
}
