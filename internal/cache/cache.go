// Package cache is a process-local TTL cache for expensive read aggregates.
// It is advisory only: always a read-through accelerator over a recomputable
// source, never the system of record. Instances do not synchronize; Clear
// affects only the instance it runs on.
package cache

import (
	"strings"
	"sync"
	"time"

	"mediapulse/internal/telemetry"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache maps string keys to values with per-entry TTLs. Expiry is evaluated
// lazily on read; an expired entry is indistinguishable from a missing one
// and is evicted by the access that discovers it.
type Cache struct {
	mu       sync.Mutex
	items    map[string]entry
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a cache with lazy eviction only.
func New() *Cache {
	return &Cache{items: make(map[string]entry)}
}

// NewWithJanitor additionally sweeps expired entries on the given interval.
// Long-lived processes that set keys they may never re-read should use this
// to bound memory.
func NewWithJanitor(interval time.Duration) *Cache {
	c := New()
	c.stopChan = make(chan struct{})
	go c.sweep(interval)
	return c
}

// Get returns the value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.items, key)
		telemetry.CacheMisses.Inc()
		return nil, false
	}
	telemetry.CacheHits.Inc()
	return e.value, true
}

// Set stores value under key for the given TTL.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
}

// Clear drops every entry whose key starts with prefix. The empty prefix
// drops everything.
func (c *Cache) Clear(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prefix == "" {
		c.items = make(map[string]entry)
		return
	}
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

// Len reports the current entry count, expired entries included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stop terminates the janitor, if any. Safe to call multiple times.
func (c *Cache) Stop() {
	if c.stopChan == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.items {
				if now.After(e.expiresAt) {
					delete(c.items, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
