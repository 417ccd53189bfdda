package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycache_lookups_total",
		Help: "Total number of namespace cache lookups.",
	}, []string{"status" /* hit | miss */})
	cacheSets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querycache_sets_total",
		Help: "Total number of values stored in the namespace cache.",
	})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querycache_evictions_total",
		Help: "Total number of evicted entries and namespaces.",
	}, []string{"reason" /* capacity | expired | namespace */})
	cacheClears = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querycache_clears_total",
		Help: "Total number of namespaces dropped by explicit invalidation.",
	})
	cacheNamespaces = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "querycache_namespaces",
		Help: "Number of namespaces currently holding a store.",
	})
)

// evictionNamespace labels whole namespaces dropped under directory pressure.
const evictionNamespace = "namespace"

// Stats is a read-only snapshot of a NamespaceCache's counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Sets       int64
	HitRate    float64 // Hits / (Hits + Misses); zero before the first lookup.
	CacheSize  int     // Entries across all namespaces.
	Namespaces int
}

func hitRate(hits, misses int64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
