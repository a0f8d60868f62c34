// Package validcache holds short-lived token validation results keyed by
// token digest. Entries are a pure in-memory accelerator in front of the
// identity provider: losing them costs a re-validation round trip, never
// correctness. Raw credentials are never stored; callers key entries by
// digest only.
package validcache

import (
	"context"
	"sync"
	"time"
)

// Stats describes cache occupancy for operational visibility.
type Stats struct {
	Entries  int `json:"entries"`
	Capacity int `json:"capacity"` // 0 means unbounded (backend-managed)
}

// Cache is the contract shared by the in-memory and Redis-backed caches.
// No operation reports failure: a backend error degrades to a miss or a
// no-op, and the caller falls back to the authoritative identity provider.
type Cache[V any] interface {
	// Lookup returns the value stored under digest, or ok=false if absent
	// or expired. An expired entry is removed as a side effect.
	Lookup(ctx context.Context, digest string) (V, bool)
	// Insert stores value under digest until expiresAt, overwriting any
	// existing entry.
	Insert(ctx context.Context, digest string, value V, expiresAt time.Time)
	// Invalidate unconditionally removes the entry for digest.
	Invalidate(ctx context.Context, digest string)
	// Stats reports current occupancy.
	Stats(ctx context.Context) Stats
}

type memoryEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// Memory is a bounded in-process Cache. When an insert pushes the cache past
// its capacity, the entries with the smallest expiry are evicted first: an
// entry about to expire is the cheapest one to lose.
type Memory[V any] struct {
	mu      sync.Mutex
	entries map[string]memoryEntry[V]
	max     int
	now     func() time.Time
}

var _ Cache[int] = (*Memory[int])(nil)

// NewMemory constructs an in-memory cache holding at most maxEntries values.
// maxEntries must be positive.
func NewMemory[V any](maxEntries int) *Memory[V] {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Memory[V]{
		entries: make(map[string]memoryEntry[V], maxEntries),
		max:     maxEntries,
		now:     time.Now,
	}
}

func (c *Memory[V]) Lookup(_ context.Context, digest string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[digest]
	if !ok {
		return zero, false
	}
	if !e.expiresAt.After(c.now()) {
		// Lazy expiry: a stale entry is logically absent.
		delete(c.entries, digest)
		return zero, false
	}
	return e.value, true
}

func (c *Memory[V]) Insert(_ context.Context, digest string, value V, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[digest] = memoryEntry[V]{value: value, expiresAt: expiresAt}
	for len(c.entries) > c.max {
		c.evictSoonestLocked()
	}
}

// evictSoonestLocked removes the entry with the globally smallest expiry.
// Capacity is small enough that a linear scan beats maintaining a heap.
func (c *Memory[V]) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	first := true
	for digest, e := range c.entries {
		if first || e.expiresAt.Before(soonest) {
			victim = digest
			soonest = e.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.entries, victim)
	}
}

func (c *Memory[V]) Invalidate(_ context.Context, digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, digest)
}

func (c *Memory[V]) Stats(_ context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Count only live entries; physically present but expired entries are
	// logically absent.
	now := c.now()
	live := 0
	for _, e := range c.entries {
		if e.expiresAt.After(now) {
			live++
		}
	}
	return Stats{Entries: live, Capacity: c.max}
}
