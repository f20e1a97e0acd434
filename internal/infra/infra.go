// Package infra provides shared infrastructure components used across
// the application: caching and per-exchange rate limiting.
package infra

import (
	"context"
	"sync"
	"time"
)

// --- Simple in-memory cache ---

// CacheEntry holds a cached value with expiration.
type CacheEntry struct {
	Value     any
	ExpiresAt time.Time
}

// Cache is a simple thread-safe in-memory cache with TTL.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	ttl     time.Duration
}

// NewCache creates a new cache with the given default TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]CacheEntry),
		ttl:     ttl,
	}
}

// Get retrieves a value from the cache. Returns nil, false if not found or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry.Value, true
}

// Set stores a value in the cache with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = CacheEntry{
		Value:     value,
		ExpiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// SetWithTTL stores a value in the cache with a custom TTL.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = CacheEntry{
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()
}

// Invalidate removes a key from the cache.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Flush removes all entries from the cache.
func (c *Cache) Flush() {
	c.mu.Lock()
	c.entries = make(map[string]CacheEntry)
	c.mu.Unlock()
}

// --- Sliding-window rate limiter ---

// RateLimiter admits requests within a sliding time window. Admission is a
// wait, never a failure: Acquire blocks until the window has room (or the
// context is cancelled). A request of weight w occupies w slots.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	cap    int
	stamps []time.Time // admission times inside the window, oldest first

	// swappable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter creates a limiter admitting at most capacity request-weight
// per window.
func NewRateLimiter(capacity int, window time.Duration) *RateLimiter {
	if capacity < 1 {
		capacity = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		window: window,
		cap:    capacity,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Acquire blocks until weight slots are free inside the window, then records
// the admission. Weight values below 1 count as 1.
func (rl *RateLimiter) Acquire(ctx context.Context, weight int) error {
	if weight < 1 {
		weight = 1
	}
	for {
		rl.mu.Lock()
		now := rl.now()
		rl.evict(now)
		if len(rl.stamps)+weight <= rl.cap {
			for i := 0; i < weight; i++ {
				rl.stamps = append(rl.stamps, now)
			}
			rl.mu.Unlock()
			return nil
		}
		// Sleep until the oldest stamp leaves the window, then re-evict.
		wait := rl.window - now.Sub(rl.stamps[0])
		rl.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := rl.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Pending returns the occupied weight currently inside the window.
func (rl *RateLimiter) Pending() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.evict(rl.now())
	return len(rl.stamps)
}

// evict drops stamps older than the window. Must be called with mu held.
func (rl *RateLimiter) evict(now time.Time) {
	cut := 0
	for cut < len(rl.stamps) && now.Sub(rl.stamps[cut]) >= rl.window {
		cut++
	}
	if cut > 0 {
		rl.stamps = append(rl.stamps[:0], rl.stamps[cut:]...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// --- Per-exchange limiter set ---

// LimiterSet holds one process-wide limiter per exchange.
type LimiterSet struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// DefaultLimits maps exchanges to (capacity, window) admission budgets.
var DefaultLimits = map[string]struct {
	Capacity int
	Window   time.Duration
}{
	"binance": {1100, time.Minute},
	"bybit":   {108, time.Minute},
	"okx":     {18, 2 * time.Second},
}

// NewLimiterSet creates an empty limiter set.
func NewLimiterSet() *LimiterSet {
	return &LimiterSet{limiters: make(map[string]*RateLimiter)}
}

// For returns the limiter for an exchange, creating it from DefaultLimits
// (or a conservative 60/min fallback) on first use.
func (s *LimiterSet) For(exchange string) *RateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl, ok := s.limiters[exchange]; ok {
		return rl
	}
	capacity, window := 60, time.Minute
	if lim, ok := DefaultLimits[exchange]; ok {
		capacity, window = lim.Capacity, lim.Window
	}
	rl := NewRateLimiter(capacity, window)
	s.limiters[exchange] = rl
	return rl
}

// Configure overrides the limiter for an exchange.
func (s *LimiterSet) Configure(exchange string, capacity int, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limiters[exchange] = NewRateLimiter(capacity, window)
}
