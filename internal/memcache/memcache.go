// Package memcache implements the short-lived in-memory analysis cache. The
// read path re-checks entry age on every lookup; a background sweep removes
// expired entries on a fixed cadence so cleanup cost never lands on readers.
package memcache

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const (
	defaultTTL   = 5 * time.Minute
	defaultSweep = time.Minute
)

type entry struct {
	payload  json.RawMessage
	storedAt time.Time
}

// Cache is a mutex-guarded key to payload map with TTL semantics. Safe for
// concurrent use.
type Cache struct {
	ttl   time.Duration
	sweep time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]entry

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a cache and starts its sweeper. A non-positive ttl or sweep
// interval falls back to the defaults (5m TTL, 60s sweep).
func New(ttl, sweep time.Duration) *Cache {
	return newWithClock(ttl, sweep, time.Now)
}

func newWithClock(ttl, sweep time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if sweep <= 0 {
		sweep = defaultSweep
	}
	c := &Cache{
		ttl:     ttl,
		sweep:   sweep,
		now:     now,
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}
	go c.sweeper()
	return c
}

// Lookup returns the payload stored for key if it is still within the TTL
// window. Expired entries behave as absent but are left for the sweeper.
func (c *Cache) Lookup(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		return nil, false
	}
	return clonePayload(e.payload), true
}

// Store records the payload for key, refreshing its age.
func (c *Cache) Store(key string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{payload: clonePayload(payload), storedAt: c.now()}
}

// Clear removes all entries synchronously.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Size reports the number of entries currently held, expired or not.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweeper. The cache remains usable afterwards but no longer
// evicts in the background.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) sweeper() {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.Sub(e.storedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

func clonePayload(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
