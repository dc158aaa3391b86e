package correlation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(maxEntries int) (*Cache[uuid.UUID, string], *testClock) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	return New[uuid.UUID, string](time.Minute, maxEntries, WithClock(clock.Now)), clock
}

func TestCreateRequestDeduplicatesWithinTTL(t *testing.T) {
	cache, clock := newTestCache(100)
	id := uuid.New()
	sends := 0

	fetch := func() *Future[string] {
		f, send, err := cache.CreateRequest(id)
		require.NoError(t, err)
		if send {
			sends++
		}
		return f
	}

	first := fetch()
	second := fetch()
	assert.Same(t, first, second, "in-flight request is shared")
	assert.Equal(t, 1, sends)

	require.True(t, cache.Resolve(id, "bulbasaur"))
	value, err := second.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bulbasaur", value)

	clock.Advance(30 * time.Second)
	cached := fetch()
	require.True(t, cached.Resolved(), "cached value is returned resolved")
	value, err = cached.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bulbasaur", value)
	assert.Equal(t, 1, sends)

	clock.Advance(31 * time.Second)
	expired := fetch()
	assert.False(t, expired.Resolved())
	assert.Equal(t, 2, sends, "expired value goes back to the network")
}

func TestRejectDoesNotCache(t *testing.T) {
	cache, _ := newTestCache(100)
	id := uuid.New()

	f, send, err := cache.CreateRequest(id)
	require.NoError(t, err)
	require.True(t, send)

	boom := errors.New("entity not found")
	require.True(t, cache.Reject(id, boom))
	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	_, send, err = cache.CreateRequest(id)
	require.NoError(t, err)
	assert.True(t, send)
}

func TestUnmatchedResponseIgnored(t *testing.T) {
	cache, _ := newTestCache(100)
	id := uuid.New()

	assert.False(t, cache.Resolve(id, "late"))
	assert.False(t, cache.Reject(id, errors.New("late")))
	_, ok := cache.Get(id)
	assert.False(t, ok, "unsolicited response is not cached")
}

func TestCancelRequest(t *testing.T) {
	cache, _ := newTestCache(100)
	id := uuid.New()

	f, _, err := cache.CreateRequest(id)
	require.NoError(t, err)
	require.True(t, cache.CancelRequest(id))

	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	assert.False(t, cache.CancelRequest(id), "second cancel is a no-op")
	assert.False(t, cache.Resolve(id, "too late"))
	assert.Equal(t, 0, cache.PendingLen())
}

func TestInvalidateForcesNetwork(t *testing.T) {
	cache, _ := newTestCache(100)
	id := uuid.New()

	_, _, err := cache.CreateRequest(id)
	require.NoError(t, err)
	cache.Resolve(id, "v1")

	cache.Invalidate(id)
	_, send, err := cache.CreateRequest(id)
	require.NoError(t, err)
	assert.True(t, send)
}

func TestSweepExpiresThenCaps(t *testing.T) {
	cache, clock := newTestCache(3)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		id := uuid.New()
		ids = append(ids, id)
		_, _, err := cache.CreateRequest(id)
		require.NoError(t, err)
		cache.Resolve(id, id.String())
		clock.Advance(10 * time.Second)
	}

	assert.Equal(t, 3, cache.Len(), "cap enforced on insert")
	_, ok := cache.Get(ids[0])
	assert.False(t, ok, "oldest evicted first")
	_, ok = cache.Get(ids[4])
	assert.True(t, ok)

	clock.Advance(35 * time.Second)
	removed := cache.Sweep()
	assert.Equal(t, 1, removed, "entry stored 65s ago has expired")
	assert.Equal(t, 2, cache.Len())
}

func TestWaitHonorsContext(t *testing.T) {
	cache, _ := newTestCache(100)
	f, _, err := cache.CreateRequest(uuid.New())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseCancelsPending(t *testing.T) {
	cache, _ := newTestCache(100)
	f, _, err := cache.CreateRequest(uuid.New())
	require.NoError(t, err)

	cache.Close()
	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, _, err = cache.CreateRequest(uuid.New())
	assert.ErrorIs(t, err, ErrClosed)
	cache.Close()
}

func TestConcurrentCreateRequest(t *testing.T) {
	cache, _ := newTestCache(100)
	id := uuid.New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	sends := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, send, err := cache.CreateRequest(id)
			if err == nil && send {
				mu.Lock()
				sends++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, sends)
}

func TestAbandonCancelsOnlyForLastWaiter(t *testing.T) {
	cache, _ := newTestCache(100)
	id := uuid.New()

	shared, send, err := cache.CreateRequest(id)
	require.NoError(t, err)
	require.True(t, send)
	joined, send, err := cache.CreateRequest(id)
	require.NoError(t, err)
	require.False(t, send)

	assert.False(t, cache.Abandon(id, joined), "another waiter remains")
	assert.Equal(t, 1, cache.PendingLen())
	assert.False(t, shared.Resolved())

	require.True(t, cache.Resolve(id, "snorlax"))
	value, err := shared.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "snorlax", value)
	cached, ok := cache.Get(id)
	require.True(t, ok)
	assert.Equal(t, "snorlax", cached)

	other := uuid.New()
	lone, _, err := cache.CreateRequest(other)
	require.NoError(t, err)
	assert.True(t, cache.Abandon(other, lone))
	_, err = lone.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Zero(t, cache.PendingLen())
	assert.False(t, cache.Abandon(other, lone), "already gone")
}
