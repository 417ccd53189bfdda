// Querycache keeps one store per namespace. This module provides the interface the namespace directory uses to talk
// to a store.

package cache

import "time"

// Layer defines the interface for a generic key-value store held by one namespace.
type Layer[K comparable, V any] interface {
	// Get returns value from the store for given key and a boolean indicating whether key was found.
	Get(key K) (V, bool)
	// Has reports whether a live entry exists for key. It doesn't change the entry's recency.
	Has(key K) bool
	// Add inserts a key-value pair into the store with the given TTL. It returns true if an item was evicted.
	Add(key K, value V, ttl time.Duration) bool
	Delete(key K) bool // Removes key; returns false if it wasn't present.
	Len() int          // Number of entries, expired ones included until they are touched.
	Keys() []K         // Returns a slice of all keys currently in the store.
	Purge()            // Removes all items from the store.
}

var _ Layer[string, any] = (*ExpirableLRU[string, any])(nil)
