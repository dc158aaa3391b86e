package correlation

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"
)

var (
	// ErrCanceled completes a future whose request was canceled
	ErrCanceled = errors.New("request canceled")
	// ErrClosed is returned once the cache has been closed
	ErrClosed = errors.New("correlation cache closed")
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

type settings struct {
	now func() time.Time
}

// Option configures a Cache
type Option func(*settings)

// WithClock replaces time.Now for expiry checks
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// Cache pairs in-flight requests with their responses and keeps successful
// results for a TTL so repeat reads skip the network. There is at most one
// pending future per key.
type Cache[K comparable, V any] struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	pending map[K]*Future[V]
	waiters map[K]int
	entries map[K]entry[V]
	closed  bool
}

// New creates a cache. maxEntries bounds the stored results; zero means
// unbounded.
func New[K comparable, V any](ttl time.Duration, maxEntries int, opts ...Option) *Cache[K, V] {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return &Cache[K, V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        s.now,
		pending:    make(map[K]*Future[V]),
		waiters:    make(map[K]int),
		entries:    make(map[K]entry[V]),
	}
}

// CreateRequest returns the future for id. A fresh cached value comes back
// already resolved and an in-flight request is shared; send reports whether
// the caller must put a request on the wire. Every caller handed a pending
// future counts as one of its waiters until it calls Abandon.
func (c *Cache[K, V]) CreateRequest(id K) (future *Future[V], send bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrClosed
	}
	if e, ok := c.entries[id]; ok {
		if !c.expiredLocked(e) {
			return resolvedFuture(e.value), false, nil
		}
		delete(c.entries, id)
	}
	if f, ok := c.pending[id]; ok {
		c.waiters[id]++
		return f, false, nil
	}
	f := newFuture[V]()
	c.pending[id] = f
	c.waiters[id] = 1
	return f, true, nil
}

// Abandon gives up one waiter's interest in f. The request is canceled
// only when no waiter is left; otherwise it stays pending so the response
// still resolves the others and fills the cache. It reports whether the
// request was canceled.
func (c *Cache[K, V]) Abandon(id K, f *Future[V]) bool {
	c.mu.Lock()
	if c.pending[id] != f {
		c.mu.Unlock()
		return false
	}
	c.waiters[id]--
	if c.waiters[id] > 0 {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)
	delete(c.waiters, id)
	c.mu.Unlock()

	var zero V
	return f.complete(zero, ErrCanceled)
}

// Resolve completes the pending request for id and caches value. It
// returns false when nothing was waiting.
func (c *Cache[K, V]) Resolve(id K, value V) bool {
	c.mu.Lock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		delete(c.waiters, id)
		c.entries[id] = entry[V]{value: value, storedAt: c.now()}
		c.evictOverflowLocked()
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	return f.complete(value, nil)
}

// Reject completes the pending request for id with err. Nothing is cached.
func (c *Cache[K, V]) Reject(id K, err error) bool {
	return c.finish(id, err)
}

// CancelRequest removes and cancels an unresolved request. It is a no-op
// for a key that is not pending.
func (c *Cache[K, V]) CancelRequest(id K) bool {
	return c.finish(id, ErrCanceled)
}

// Invalidate drops the cached value for id
func (c *Cache[K, V]) Invalidate(id K) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Get returns a fresh cached value without touching pending requests
func (c *Cache[K, V]) Get(id K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || c.expiredLocked(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Sweep removes expired entries, then the oldest entries until the cache is
// within its size cap. It returns the number removed.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	removed := 0
	for id, e := range c.entries {
		if c.expiredLocked(e) {
			delete(c.entries, id)
			removed++
		}
	}
	removed += c.evictOverflowLocked()
	remaining := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		log.Printf("[Cache] Swept %d entries, %d remaining", removed, remaining)
	}
	return removed
}

// Close cancels every pending request with ErrClosed and clears the cache
func (c *Cache[K, V]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[K]*Future[V])
	c.waiters = make(map[K]int)
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()

	var zero V
	for _, f := range pending {
		f.complete(zero, ErrClosed)
	}
}

// CancelAll cancels every pending request and leaves the cache open
func (c *Cache[K, V]) CancelAll() int {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[K]*Future[V])
	c.waiters = make(map[K]int)
	c.mu.Unlock()

	var zero V
	for _, f := range pending {
		f.complete(zero, ErrCanceled)
	}
	return len(pending)
}

// Len returns the number of cached values, expired or not
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PendingLen returns the number of unresolved requests
func (c *Cache[K, V]) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Cache[K, V]) finish(id K, err error) bool {
	c.mu.Lock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	var zero V
	return f.complete(zero, err)
}

func (c *Cache[K, V]) expiredLocked(e entry[V]) bool {
	return c.ttl > 0 && c.now().Sub(e.storedAt) >= c.ttl
}

// evictOverflowLocked removes the oldest entries until the cap holds
func (c *Cache[K, V]) evictOverflowLocked() int {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return 0
	}
	type aged struct {
		id       K
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for id, e := range c.entries {
		all = append(all, aged{id: id, storedAt: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })

	excess := len(c.entries) - c.maxEntries
	for _, a := range all[:excess] {
		delete(c.entries, a.id)
	}
	return excess
}
