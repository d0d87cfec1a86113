// Package cache provides a generic, thread-safe cache whose entries expire a
// fixed time after they are set. Expired entries are dropped lazily on Get
// and by a background sweep.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ooici/siam-integration-sub000/errors"
	"github.com/ooici/siam-integration-sub000/metric"
)

// Statistics is a point-in-time snapshot of cache activity
type Statistics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a cache with per-entry expiry
type TTL[V any] struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]entry[V]
	now   func() time.Time

	hits, misses, evictions int64
	metrics                 *cacheMetrics

	sweep    time.Duration
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Option configures a TTL cache
type Option[V any] func(*TTL[V]) error

// WithMetrics exports hit, miss and eviction counters under the given
// component label.
func WithMetrics[V any](registry *metric.MetricsRegistry, component string) Option[V] {
	return func(c *TTL[V]) error {
		if registry == nil {
			return nil
		}
		m, err := newCacheMetrics(registry, component)
		if err != nil {
			return err
		}
		c.metrics = m
		return nil
	}
}

// WithSweepInterval sets how often expired entries are removed. Zero
// disables the sweep.
func WithSweepInterval[V any](d time.Duration) Option[V] {
	return func(c *TTL[V]) error {
		c.sweep = d
		return nil
	}
}

// withClock replaces time.Now in tests
func withClock[V any](now func() time.Time) Option[V] {
	return func(c *TTL[V]) error {
		c.now = now
		return nil
	}
}

// NewTTL creates a cache whose entries live for ttl. The sweep goroutine
// stops when ctx ends or Close is called.
func NewTTL[V any](ctx context.Context, ttl time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	c := &TTL[V]{
		ttl:      ttl,
		items:    make(map[string]entry[V]),
		now:      time.Now,
		sweep:    ttl,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTL", "apply option")
		}
	}
	if c.sweep > 0 {
		go c.run(ctx)
	} else {
		close(c.done)
	}
	return c, nil
}

// Get returns the live value for key
func (c *TTL[V]) Get(key string) (V, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok && now.Before(e.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		c.metrics.hit()
		return e.value, true
	}

	c.mu.Lock()
	if ok {
		if cur, still := c.items[key]; still && !now.Before(cur.expiresAt) {
			delete(c.items, key)
			c.evictions++
			c.metrics.evict(1)
		}
	}
	c.misses++
	c.mu.Unlock()
	c.metrics.miss()

	var zero V
	return zero, false
}

// Set stores value under key, resetting its expiry
func (c *TTL[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "key cannot be empty")
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

// Delete removes key and reports whether it was present
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

// Clear removes every entry
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]entry[V])
	c.mu.Unlock()
}

// Stats returns a snapshot of cache activity
func (c *TTL[V]) Stats() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Statistics{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.items)}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *TTL[V]) Close() error {
	c.once.Do(func() { close(c.shutdown) })
	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "cache", "Close", "wait for sweep")
	}
}

func (c *TTL[V]) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *TTL[V]) removeExpired() {
	now := c.now()
	c.mu.Lock()
	var n int
	for key, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, key)
			n++
		}
	}
	c.evictions += int64(n)
	c.mu.Unlock()
	c.metrics.evict(n)
}
