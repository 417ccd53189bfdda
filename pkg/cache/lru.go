// This module implements the expirable LRU store that backs each namespace.
//
// Eviction Policy (LRU):
// Entries live in a doubly linked list ordered by recency, most recently used at the front. Reads move an entry to the
// front; when an insert pushes the store over its entry count or cumulative size bound, entries are dropped from the
// back until both bounds hold again.
//
// Expiration Policy (lazy TTL):
// Every entry remembers when it was inserted and its TTL. Nothing sweeps the store in the background; an expired
// entry is detected and removed when it is touched by Get or Has. With `allowStale`, Get hands out the expired value
// one last time before removing it.

package cache

import (
	"sync"
	"time"

	"github.com/nobletooth/querycache/pkg/utils"
)

// EvictionReason tells why an entry left the store.
type EvictionReason string

const (
	EvictionCapacity EvictionReason = "capacity"
	EvictionExpired  EvictionReason = "expired"
)

// lruEntry is one cached key-value pair plus the bookkeeping for size and expiry.
type lruEntry[K comparable, V any] struct {
	key        K
	value      V
	size       int64
	insertedAt time.Time     // Reset on access when the store refreshes ages.
	ttl        time.Duration // Zero means the entry never expires.
}

// expired reports whether the entry's TTL has fully elapsed at `now`.
func (e *lruEntry[K, V]) expired(now time.Time) bool {
	return e.ttl > 0 && !now.Before(e.insertedAt.Add(e.ttl))
}

// LRUConfig holds the bounds and policies of an ExpirableLRU.
type LRUConfig[K comparable, V any] struct {
	MaxEntries     int   // Zero means no entry count bound.
	MaxSize        int64 // Zero means no size bound.
	SizeOf         func(V) int64
	AllowStale     bool
	UpdateAgeOnGet bool
	UpdateAgeOnHas bool
	Clock          func() time.Time
	// OnEvict runs while the store lock is held, so it must not call back into the store.
	OnEvict func(key K, value V, reason EvictionReason)
}

// ExpirableLRU is a thread-safe, bounded, in-memory LRU store with lazy TTL expiry.
type ExpirableLRU[K comparable, V any] struct {
	config    LRUConfig[K, V]
	index     map[K]*linkedListNode[*lruEntry[K, V]]
	recency   *linkedList[*lruEntry[K, V]] // Front is the most recently used entry.
	totalSize int64
	mux       sync.Mutex
}

var _ Layer[string, any] = (*ExpirableLRU[string, any])(nil)

// NewExpirableLRU is the constructor for ExpirableLRU. Missing size function and clock default to a constant size of
// one and time.Now.
func NewExpirableLRU[K comparable, V any](config LRUConfig[K, V]) *ExpirableLRU[K, V] {
	if config.MaxEntries < 0 || config.MaxSize < 0 {
		utils.RaiseInvariant("lru", "negative_store_bound",
			"Invalid bounds have been given to the LRU store.",
			"maxEntries", config.MaxEntries, "maxSize", config.MaxSize)
		config.MaxEntries, config.MaxSize = max(config.MaxEntries, 0), max(config.MaxSize, 0)
	}
	if config.SizeOf == nil {
		config.SizeOf = func(V) int64 { return 1 }
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &ExpirableLRU[K, V]{
		config:  config,
		index:   make(map[K]*linkedListNode[*lruEntry[K, V]], max(config.MaxEntries, 0)),
		recency: new(linkedList[*lruEntry[K, V]]),
	}
}

// removeNode drops an entry from both the index and the recency list. Callers must hold the lock.
func (c *ExpirableLRU[K, V]) removeNode(node *linkedListNode[*lruEntry[K, V]], reason EvictionReason, notify bool) {
	entry := node.Value
	delete(c.index, entry.key)
	c.recency.Remove(node)
	c.totalSize -= entry.size
	if notify && c.config.OnEvict != nil {
		c.config.OnEvict(entry.key, entry.value, reason)
	}
}

// Get returns the value for key. A hit moves the entry to the front of the recency list. An expired entry is removed;
// it is still returned once when stale reads are allowed.
func (c *ExpirableLRU[K, V]) Get(key K) (V, bool /*found*/) {
	c.mux.Lock()
	defer c.mux.Unlock()

	node, exists := c.index[key]
	if !exists {
		return *new(V), false
	}
	now := c.config.Clock()
	if node.Value.expired(now) {
		value := node.Value.value
		c.removeNode(node, EvictionExpired, true /*notify*/)
		if c.config.AllowStale {
			return value, true
		}
		return *new(V), false
	}
	c.recency.MoveToFront(node)
	if c.config.UpdateAgeOnGet {
		node.Value.insertedAt = now
	}
	return node.Value.value, true
}

// Has reports whether a live entry exists for key, without touching recency.
func (c *ExpirableLRU[K, V]) Has(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	node, exists := c.index[key]
	if !exists {
		return false
	}
	now := c.config.Clock()
	if node.Value.expired(now) {
		return false
	}
	if c.config.UpdateAgeOnHas {
		node.Value.insertedAt = now
	}
	return true
}

// Add inserts or replaces the value of key and evicts least recently used entries until the store is within its
// bounds. Values larger than the whole size bound are not stored, and any previous value of key is dropped. It returns
// true if an eviction occurred.
func (c *ExpirableLRU[K, V]) Add(key K, value V, ttl time.Duration) /*evictionOccurred*/ bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	size := c.config.SizeOf(value)
	if size <= 0 {
		utils.RaiseInvariant("lru", "non_positive_entry_size",
			"Size calculation returned a non-positive size.", "size", size)
		size = 1
	}
	if c.config.MaxSize > 0 && size > c.config.MaxSize {
		if node, exists := c.index[key]; exists {
			c.removeNode(node, EvictionCapacity, true /*notify*/)
			return true
		}
		return false
	}

	now := c.config.Clock()
	if node, exists := c.index[key]; exists { // Update existing entry.
		c.totalSize += size - node.Value.size
		node.Value.value = value
		node.Value.size = size
		node.Value.insertedAt = now
		node.Value.ttl = ttl
		c.recency.MoveToFront(node)
	} else {
		c.index[key] = c.recency.PushFront(&lruEntry[K, V]{
			key:        key,
			value:      value,
			size:       size,
			insertedAt: now,
			ttl:        ttl,
		})
		c.totalSize += size
	}

	evicted := false
	for c.overflows() {
		oldest := c.recency.Back()
		if oldest == nil || oldest.Value.key == key && c.recency.Len() == 1 {
			utils.RaiseInvariant("lru", "cannot_fit_entry",
				"LRU store overflows with only the new entry left.", "size", c.totalSize)
			break
		}
		c.removeNode(oldest, EvictionCapacity, true /*notify*/)
		evicted = true
	}
	return evicted
}

// overflows reports whether either bound is exceeded. Callers must hold the lock.
func (c *ExpirableLRU[K, V]) overflows() bool {
	return (c.config.MaxEntries > 0 && c.recency.Len() > c.config.MaxEntries) ||
		(c.config.MaxSize > 0 && c.totalSize > c.config.MaxSize)
}

// Delete removes key from the store without running the eviction callback.
func (c *ExpirableLRU[K, V]) Delete(key K) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	node, exists := c.index[key]
	if !exists {
		return false
	}
	c.removeNode(node, "", false /*notify*/)
	return true
}

func (c *ExpirableLRU[K, V]) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.recency.Len()
}

// Size returns the cumulative computed size of all entries.
func (c *ExpirableLRU[K, V]) Size() int64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.totalSize
}

// Keys returns the keys from the most to the least recently used.
func (c *ExpirableLRU[K, V]) Keys() []K {
	c.mux.Lock()
	defer c.mux.Unlock()

	keys := make([]K, 0, c.recency.Len())
	for entry := range c.recency.Values() {
		keys = append(keys, entry.key)
	}
	return keys
}

// Purge drops every entry without running the eviction callback.
func (c *ExpirableLRU[K, V]) Purge() {
	c.mux.Lock()
	defer c.mux.Unlock()

	c.index = make(map[K]*linkedListNode[*lruEntry[K, V]], max(c.config.MaxEntries, 0))
	c.recency = new(linkedList[*lruEntry[K, V]])
	c.totalSize = 0
}
