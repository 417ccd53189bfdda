package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock is a manually advanced clock for deterministic TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestExpirableLRU_AddAndGet(t *testing.T) {
	store := NewExpirableLRU(LRUConfig[string, string]{MaxEntries: 5})

	wasEvicted := store.Add("key1", "value1", time.Minute)
	assert.False(t, wasEvicted, "Should not evict when store is not full")

	val, found := store.Get("key1")
	assert.True(t, found, "Should find key1")
	assert.Equal(t, "value1", val, "Should get correct value for key1")

	_, found = store.Get("nonexistent")
	assert.False(t, found, "Should not find a non-existent key")
}

func TestExpirableLRU_UpdateKey(t *testing.T) {
	store := NewExpirableLRU(LRUConfig[string, int]{MaxEntries: 2})

	store.Add("key1", 100, time.Minute)
	store.Add("key2", 200, time.Minute)

	wasEvicted := store.Add("key1", 999, time.Minute)
	assert.False(t, wasEvicted, "Should not evict on update")
	val, found := store.Get("key1")
	assert.True(t, found, "Key should be present after update")
	assert.Equal(t, 999, val, "Value should be the updated value")
	assert.Equal(t, 2, store.Len())

	_, found = store.Get("key2")
	assert.True(t, found, "Other key should not be affected by an update")
}

func TestExpirableLRU_EvictionPolicy(t *testing.T) {
	var evicted []int
	store := NewExpirableLRU(LRUConfig[int, string]{
		MaxEntries: 2,
		OnEvict: func(key int, _ string, reason EvictionReason) {
			assert.Equal(t, EvictionCapacity, reason)
			evicted = append(evicted, key)
		},
	})

	store.Add(1, "one", time.Minute)
	store.Add(2, "two", time.Minute)
	// Reading 1 makes 2 the least recently used entry.
	_, found := store.Get(1)
	assert.True(t, found)

	wasEvicted := store.Add(3, "three", time.Minute)
	assert.True(t, wasEvicted, "Should evict when adding to a full store")
	assert.Equal(t, []int{2}, evicted, "Exactly the least recently used entry should be evicted")
	assert.Equal(t, 2, store.Len(), "Store should stay at its bound")
	_, found = store.Get(1)
	assert.True(t, found, "Recently read entry should survive")
	_, found = store.Get(3)
	assert.True(t, found, "New entry should be in the store")
	assert.Equal(t, []int{3, 1}, store.Keys(), "Keys should be ordered by recency")
}

func TestExpirableLRU_HasDoesNotRefreshRecency(t *testing.T) {
	store := NewExpirableLRU(LRUConfig[int, string]{MaxEntries: 2})
	store.Add(1, "one", time.Minute)
	store.Add(2, "two", time.Minute)

	assert.True(t, store.Has(1))
	store.Add(3, "three", time.Minute)
	assert.False(t, store.Has(1), "Has must not protect an entry from eviction")
	assert.True(t, store.Has(2))
}

func TestExpirableLRU_TTL(t *testing.T) {
	t.Run("expires_at_ttl", func(t *testing.T) {
		clock := newFakeClock()
		var reasons []EvictionReason
		store := NewExpirableLRU(LRUConfig[string, int]{
			MaxEntries: 5,
			Clock:      clock.Now,
			OnEvict:    func(_ string, _ int, reason EvictionReason) { reasons = append(reasons, reason) },
		})
		store.Add("key1", 1, 1000*time.Millisecond)

		clock.Advance(999 * time.Millisecond)
		_, found := store.Get("key1")
		assert.True(t, found, "Entry should live until its TTL elapsed")

		clock.Advance(time.Millisecond)
		_, found = store.Get("key1")
		assert.False(t, found, "Entry should be absent once its TTL elapsed")
		assert.Equal(t, 0, store.Len(), "Expired entry should be removed on access")
		assert.Equal(t, []EvictionReason{EvictionExpired}, reasons)
	})
	t.Run("zero_ttl_never_expires", func(t *testing.T) {
		clock := newFakeClock()
		store := NewExpirableLRU(LRUConfig[string, int]{MaxEntries: 5, Clock: clock.Now})
		store.Add("key1", 1, 0)
		clock.Advance(24 * time.Hour)
		assert.True(t, store.Has("key1"))
	})
	t.Run("real_clock", func(t *testing.T) {
		store := NewExpirableLRU(LRUConfig[string, int]{MaxEntries: 5})
		store.Add("key1", 1, 20*time.Millisecond)

		// Wait for the item to expire.
		time.Sleep(25 * time.Millisecond)

		_, found := store.Get("key1")
		assert.False(t, found, "Should not find an expired item")
	})
}

func TestExpirableLRU_AllowStale(t *testing.T) {
	clock := newFakeClock()
	store := NewExpirableLRU(LRUConfig[string, int]{MaxEntries: 5, AllowStale: true, Clock: clock.Now})
	store.Add("key1", 1, time.Second)
	clock.Advance(2 * time.Second)

	assert.False(t, store.Has("key1"), "Has never reports stale entries")
	val, found := store.Get("key1")
	assert.True(t, found, "Stale entry should be served once")
	assert.Equal(t, 1, val)
	_, found = store.Get("key1")
	assert.False(t, found, "Stale entry should be gone after being served")
}

func TestExpirableLRU_UpdateAge(t *testing.T) {
	t.Run("on_get", func(t *testing.T) {
		clock := newFakeClock()
		store := NewExpirableLRU(LRUConfig[string, int]{MaxEntries: 5, UpdateAgeOnGet: true, Clock: clock.Now})
		store.Add("key1", 1, time.Second)
		for range 5 {
			clock.Advance(800 * time.Millisecond)
			_, found := store.Get("key1")
			assert.True(t, found, "Reading should keep refreshing the entry's age")
		}
	})
	t.Run("on_has", func(t *testing.T) {
		clock := newFakeClock()
		store := NewExpirableLRU(LRUConfig[string, int]{MaxEntries: 5, UpdateAgeOnHas: true, Clock: clock.Now})
		store.Add("key1", 1, time.Second)
		clock.Advance(800 * time.Millisecond)
		assert.True(t, store.Has("key1"))
		clock.Advance(800 * time.Millisecond)
		assert.True(t, store.Has("key1"), "Has should have refreshed the entry's age")
	})
	t.Run("without_refresh", func(t *testing.T) {
		clock := newFakeClock()
		store := NewExpirableLRU(LRUConfig[string, int]{MaxEntries: 5, Clock: clock.Now})
		store.Add("key1", 1, time.Second)
		clock.Advance(800 * time.Millisecond)
		_, found := store.Get("key1")
		assert.True(t, found)
		clock.Advance(800 * time.Millisecond)
		_, found = store.Get("key1")
		assert.False(t, found, "Reads must not extend the TTL by default")
	})
}

func TestExpirableLRU_MaxSize(t *testing.T) {
	store := NewExpirableLRU(LRUConfig[string, []int]{
		MaxSize: 5,
		SizeOf:  func(v []int) int64 { return int64(max(len(v), 1)) },
	})

	store.Add("a", []int{1, 2}, time.Minute)
	store.Add("b", []int{1, 2}, time.Minute)
	assert.Equal(t, int64(4), store.Size())

	wasEvicted := store.Add("c", []int{1, 2}, time.Minute)
	assert.True(t, wasEvicted)
	assert.Equal(t, int64(4), store.Size())
	assert.False(t, store.Has("a"), "Oldest entry should make room")

	t.Run("oversized_value_is_not_stored", func(t *testing.T) {
		wasEvicted := store.Add("huge", []int{1, 2, 3, 4, 5, 6}, time.Minute)
		assert.False(t, wasEvicted)
		assert.False(t, store.Has("huge"))
		assert.Equal(t, 2, store.Len(), "Other entries should be untouched")
	})
	t.Run("oversized_update_drops_old_value", func(t *testing.T) {
		store.Add("b", []int{1, 2, 3, 4, 5, 6}, time.Minute)
		assert.False(t, store.Has("b"))
		assert.Equal(t, int64(2), store.Size())
	})
}

func TestExpirableLRU_DeleteAndPurge(t *testing.T) {
	evictions := 0
	store := NewExpirableLRU(LRUConfig[string, int]{
		MaxEntries: 5,
		OnEvict:    func(string, int, EvictionReason) { evictions++ },
	})
	store.Add("a", 1, time.Minute)
	store.Add("b", 2, time.Minute)

	assert.True(t, store.Delete("a"))
	assert.False(t, store.Delete("a"))
	assert.Equal(t, []string{"b"}, store.Keys())

	store.Purge()
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, int64(0), store.Size())
	assert.Equal(t, 0, evictions, "Delete and Purge don't report evictions")
}

func TestExpirableLRU_Concurrency(t *testing.T) {
	numGoroutines := 50
	itemsPerGoroutine := 50

	store := NewExpirableLRU(LRUConfig[string, int]{MaxEntries: 1000})
	var wg sync.WaitGroup

	// Concurrent writers.
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < itemsPerGoroutine; j++ {
				store.Add(fmt.Sprintf("key-%d-%d", goroutineID, j), goroutineID*100+j, time.Minute)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1000, store.Len(), "Store should be filled up to its bound")

	// Concurrent readers.
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < itemsPerGoroutine; j++ {
				// Keys may have been evicted by other writers, but if one is found its value must be correct.
				if val, found := store.Get(fmt.Sprintf("key-%d-%d", goroutineID, j)); found {
					assert.Equal(t, goroutineID*100+j, val, "Concurrent Get should return the correct value")
				}
			}
		}(i)
	}
	wg.Wait()
}
