// Querycache memoizes read results per namespace. NamespaceCache owns a directory mapping each namespace to its own
// bounded store, so a write to one namespace can drop all of that namespace's entries in one step without scanning the
// others. The directory itself is bounded too: once it holds MaxClassCaches namespaces, creating another one evicts
// the oldest inserted namespace wholesale.

package cache

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/nobletooth/querycache/pkg/scan"
)

const (
	// keyFilterFalsePositiveRate is the target false positive rate of the per-namespace key filter.
	keyFilterFalsePositiveRate = 0.01
	// keyFilterHeadroom sizes the key filter relative to the store bound, so evicted keys can pile up for a while
	// before the filter is rebuilt.
	keyFilterHeadroom = 4
	// defaultKeyFilterCapacity sizes the filter of stores bounded by size only.
	defaultKeyFilterCapacity = 4096
)

// namespaceStore is the directory entry of one namespace.
type namespaceStore struct {
	name  string
	layer Layer[string, any]

	// keys remembers every key ever inserted since the last rebuild. A negative answer means the key can't be in the
	// layer, which lets lookups of never-cached keys skip the layer lock.
	keys           *bloom.BloomFilter
	keysInserted   uint
	keysCapacity   uint
	keysFilterLock sync.Mutex
}

// mightContain reports whether `key` may have been inserted. Always true without a filter.
func (s *namespaceStore) mightContain(key string) bool {
	if s.keys == nil {
		return true
	}
	s.keysFilterLock.Lock()
	defer s.keysFilterLock.Unlock()
	return s.keys.TestString(key)
}

// remember records `key` in the filter, rebuilding it from the live keys once it is past its design capacity.
func (s *namespaceStore) remember(key string) {
	if s.keys == nil {
		return
	}
	s.keysFilterLock.Lock()
	defer s.keysFilterLock.Unlock()

	s.keys.AddString(key)
	s.keysInserted++
	if s.keysInserted <= s.keysCapacity {
		return
	}
	s.keys.ClearAll()
	liveKeys := s.layer.Keys()
	for _, liveKey := range liveKeys {
		s.keys.AddString(liveKey)
	}
	s.keysInserted = uint(len(liveKeys))
}

// NamespaceCache is a thread-safe, namespace-partitioned cache of read results.
type NamespaceCache struct {
	opts Options

	mux    sync.Mutex
	stores map[string]*linkedListNode[*namespaceStore]
	// insertionOrder lists namespaces from the oldest to the newest inserted one.
	insertionOrder *linkedList[*namespaceStore]

	hits, misses, sets atomic.Int64
}

// New validates the options and returns an empty cache.
func New(opts Options) (*NamespaceCache, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &NamespaceCache{
		opts:           opts,
		stores:         make(map[string]*linkedListNode[*namespaceStore], opts.MaxClassCaches),
		insertionOrder: new(linkedList[*namespaceStore]),
	}, nil
}

// Options returns the options the cache was built with.
func (c *NamespaceCache) Options() Options { return c.opts }

// debug logs a cache event when debug mode is on.
func (c *NamespaceCache) debug(msg string, args ...any) {
	if !c.opts.Debug {
		return
	}
	slog.Info(msg, append([]any{"module", "cache"}, args...)...)
}

// newStore builds the store of a namespace according to the options.
func (c *NamespaceCache) newStore(namespace string) *namespaceStore {
	sizeOf := c.opts.SizeCalculation
	layer := NewExpirableLRU(LRUConfig[string, any]{
		MaxEntries:     c.opts.Max,
		MaxSize:        c.opts.MaxSize,
		SizeOf:         func(value any) int64 { return sizeOf(value) },
		AllowStale:     c.opts.AllowStale,
		UpdateAgeOnGet: c.opts.UpdateAgeOnGet,
		UpdateAgeOnHas: c.opts.UpdateAgeOnHas,
		Clock:          c.opts.Clock,
		OnEvict: func(key string, _ any, reason EvictionReason) {
			cacheEvictions.WithLabelValues(string(reason)).Inc()
			c.debug("Cache entry evicted.", "namespace", namespace, "key", key, "reason", reason)
		},
	})
	capacity := uint(defaultKeyFilterCapacity)
	if c.opts.Max > 0 {
		capacity = uint(c.opts.Max) * keyFilterHeadroom
	}
	return &namespaceStore{
		name:         namespace,
		layer:        layer,
		keys:         bloom.NewWithEstimates(capacity, keyFilterFalsePositiveRate),
		keysCapacity: capacity,
	}
}

// lookup returns the store of `namespace` or nil.
func (c *NamespaceCache) lookup(namespace string) *namespaceStore {
	c.mux.Lock()
	defer c.mux.Unlock()
	if node, exists := c.stores[namespace]; exists {
		return node.Value
	}
	return nil
}

// getOrCreate returns the store of `namespace`, creating it and evicting the oldest namespace if needed.
func (c *NamespaceCache) getOrCreate(namespace string) *namespaceStore {
	c.mux.Lock()
	defer c.mux.Unlock()

	if node, exists := c.stores[namespace]; exists {
		return node.Value
	}
	for len(c.stores) >= c.opts.MaxClassCaches {
		oldest := c.insertionOrder.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		cacheEvictions.WithLabelValues(evictionNamespace).Inc()
		c.debug("Namespace evicted.", "namespace", oldest.Value.name, "maxClassCaches", c.opts.MaxClassCaches)
	}
	store := c.newStore(namespace)
	c.stores[namespace] = c.insertionOrder.PushBack(store)
	cacheNamespaces.Inc()
	return store
}

// removeLocked drops a namespace from the directory. Callers must hold c.mux.
func (c *NamespaceCache) removeLocked(node *linkedListNode[*namespaceStore]) {
	delete(c.stores, node.Value.name)
	c.insertionOrder.Remove(node)
	cacheNamespaces.Dec()
}

func (c *NamespaceCache) recordLookup(hit bool) {
	if hit {
		c.hits.Add(1)
		cacheLookups.WithLabelValues("hit").Inc()
	} else {
		c.misses.Add(1)
		cacheLookups.WithLabelValues("miss").Inc()
	}
}

// Get returns the value cached under `key` in `namespace`. An empty or unknown namespace and an unknown key are all
// plain misses; reads never create a namespace.
func (c *NamespaceCache) Get(namespace, key string) (any, bool /*found*/) {
	if namespace == "" {
		c.recordLookup(false)
		c.debug("Cache lookup without a namespace.", "key", key)
		return nil, false
	}
	store := c.lookup(namespace)
	if store == nil || !store.mightContain(key) {
		c.recordLookup(false)
		c.debug("Cache miss.", "namespace", namespace, "key", key)
		return nil, false
	}
	value, found := store.layer.Get(key)
	c.recordLookup(found)
	if found {
		c.debug("Cache hit.", "namespace", namespace, "key", key)
	} else {
		c.debug("Cache miss.", "namespace", namespace, "key", key)
	}
	return value, found
}

// Has reports whether a live entry exists, without counting a lookup.
func (c *NamespaceCache) Has(namespace, key string) bool {
	store := c.lookup(namespace)
	return store != nil && store.mightContain(key) && store.layer.Has(key)
}

// Set stores `value` under `key` in `namespace`, creating the namespace when needed.
func (c *NamespaceCache) Set(namespace, key string, value any) {
	if namespace == "" {
		c.debug("Skipping cache set without a namespace.", "key", key)
		return
	}
	if !c.opts.Enabled {
		return
	}
	store := c.getOrCreate(namespace)
	// The key goes into the layer first, so a concurrent filter rebuild from the live keys can't drop it.
	store.layer.Add(key, value, c.opts.TTL)
	store.remember(key)
	c.sets.Add(1)
	cacheSets.Inc()
	c.debug("Cache set.", "namespace", namespace, "key", key)
}

// Clear drops every entry of `namespace`. Clearing a namespace that was never cached is a no-op.
func (c *NamespaceCache) Clear(namespace string) {
	c.mux.Lock()
	defer c.mux.Unlock()

	node, exists := c.stores[namespace]
	if !exists {
		return
	}
	c.removeLocked(node)
	cacheClears.Inc()
	c.debug("Namespace cleared.", "namespace", namespace)
}

// ClearMatching drops every namespace whose name matches the glob `pattern` and returns how many were dropped.
func (c *NamespaceCache) ClearMatching(pattern string) (int, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	matched, err := scan.MatchNamespaces(pattern, slices.Values(c.namesLocked()))
	if err != nil {
		return 0, fmt.Errorf("failed to clear namespaces: %w", err)
	}
	cleared := 0
	for namespace := range matched {
		c.removeLocked(c.stores[namespace])
		cacheClears.Inc()
		cleared++
	}
	c.debug("Namespaces cleared by pattern.", "pattern", pattern, "cleared", cleared)
	return cleared, nil
}

// GenerateCacheKey computes the key of an `op` read over `desc` called with `args`.
func (c *NamespaceCache) GenerateCacheKey(desc Descriptor, op string, args ...any) (string, error) {
	return GenerateKey(desc, op, args...)
}

// Namespaces returns the cached namespaces from the oldest to the newest inserted one.
func (c *NamespaceCache) Namespaces() []string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.namesLocked()
}

func (c *NamespaceCache) namesLocked() []string {
	names := make([]string, 0, len(c.stores))
	for store := range c.insertionOrder.Values() {
		names = append(names, store.name)
	}
	return names
}

// Stats returns a snapshot of the counters.
func (c *NamespaceCache) Stats() Stats {
	c.mux.Lock()
	cacheSize := 0
	for store := range c.insertionOrder.Values() {
		cacheSize += store.layer.Len()
	}
	namespaces := len(c.stores)
	c.mux.Unlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Hits:       hits,
		Misses:     misses,
		Sets:       c.sets.Load(),
		HitRate:    hitRate(hits, misses),
		CacheSize:  cacheSize,
		Namespaces: namespaces,
	}
}

// ResetEverything drops all namespaces and zeroes the counters.
func (c *NamespaceCache) ResetEverything() {
	c.mux.Lock()
	defer c.mux.Unlock()

	cacheNamespaces.Sub(float64(len(c.stores)))
	c.stores = make(map[string]*linkedListNode[*namespaceStore], c.opts.MaxClassCaches)
	c.insertionOrder = new(linkedList[*namespaceStore])
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.debug("Cache reset.")
}
