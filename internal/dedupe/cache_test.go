// ABOUTME: Tests for the idempotency cache.
// ABOUTME: Validates TTL expiration, size limits, eviction, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeNow returns a cache whose clock is controlled by the returned pointer.
func fakeNow(ttl time.Duration, maxSize int) (*Cache[string], *time.Time) {
	c := New[string](ttl, maxSize)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_GetMissing(t *testing.T) {
	cache := New[int](5*time.Minute, 100)
	defer cache.Close()

	v, ok := cache.Get("never-seen-key")
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestCache_PutGet(t *testing.T) {
	cache := New[string](5*time.Minute, 100)
	defer cache.Close()

	cache.Put("key-1", "first")
	cache.Put("key-2", "second")

	v, ok := cache.Get("key-1")
	assert.True(t, ok)
	assert.Equal(t, "first", v)
	v, ok = cache.Get("key-2")
	assert.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestCache_Expired(t *testing.T) {
	cache, now := fakeNow(time.Minute, 100)
	defer cache.Close()

	cache.Put("k", "v")
	*now = now.Add(59 * time.Second)
	_, ok := cache.Get("k")
	assert.True(t, ok)

	*now = now.Add(time.Second)
	_, ok = cache.Get("k")
	assert.False(t, ok)
}

func TestCache_PutRefreshes(t *testing.T) {
	cache, now := fakeNow(time.Minute, 100)
	defer cache.Close()

	cache.Put("k", "old")
	*now = now.Add(50 * time.Second)
	cache.Put("k", "new")
	*now = now.Add(50 * time.Second)

	v, ok := cache.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "new", v)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictsOldest(t *testing.T) {
	cache := New[int](5*time.Minute, 3)
	defer cache.Close()

	for i := range 4 {
		cache.Put(fmt.Sprintf("key-%d", i), i)
	}

	_, ok := cache.Get("key-0")
	assert.False(t, ok, "oldest entry should be evicted")
	for i := 1; i < 4; i++ {
		_, ok := cache.Get(fmt.Sprintf("key-%d", i))
		assert.True(t, ok)
	}
	assert.Equal(t, 3, cache.Len())
}

func TestCache_RunCleanup(t *testing.T) {
	cache, now := fakeNow(time.Minute, 100)
	defer cache.Close()

	cache.Put("old", "a")
	*now = now.Add(30 * time.Second)
	cache.Put("fresh", "b")
	*now = now.Add(45 * time.Second)

	cache.runCleanup()
	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Get("fresh")
	assert.True(t, ok)
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New[int](time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCache_Concurrent(t *testing.T) {
	cache := New[int](5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := fmt.Sprintf("g%d-%d", g, i)
				cache.Put(key, i)
				v, ok := cache.Get(key)
				assert.True(t, ok)
				assert.Equal(t, i, v)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, cache.Len())
}
