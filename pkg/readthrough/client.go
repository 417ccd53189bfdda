package readthrough

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/nobletooth/querycache/pkg/cache"
	"github.com/nobletooth/querycache/pkg/query"
	"github.com/nobletooth/querycache/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	upstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readthrough_upstream_calls_total",
		Help: "Total number of reads forwarded to the upstream backend by cache-aware operations.",
	}, []string{"op", "status" /* ok | error */})
	uncacheableCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readthrough_uncacheable_calls_total",
		Help: "Total number of cache-aware reads that passed straight through because no key could be computed.",
	}, []string{"op"})
	invalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readthrough_invalidations_total",
		Help: "Total number of namespaces dropped after successful writes.",
	}, []string{"op" /* save | saveAll | destroy | destroyAll */})
)

// Client is a Backend with a cache in front of it. The embedded Backend keeps every original operation callable;
// the `<Op>Cache` methods are the cache-aware reads.
type Client struct {
	Backend
	cache *cache.NamespaceCache
}

var _ Backend = (*Client)(nil)

// Bind returns a Client serving `backend` through `c`. Binding a Client again never stacks wrappers: the same cache
// returns the Client itself, another cache rebinds the underlying backend.
func Bind(backend Backend, c *cache.NamespaceCache) *Client {
	if bound, isClient := backend.(*Client); isClient {
		if bound.cache == c {
			return bound
		}
		backend = bound.Backend
	}
	return &Client{Backend: backend, cache: c}
}

// Cache returns the cache the client reads through.
func (c *Client) Cache() *cache.NamespaceCache { return c.cache }

// Unwrap returns the upstream backend.
func (c *Client) Unwrap() Backend { return c.Backend }

// readThrough serves `op` from the cache, calling `load` on a miss and caching its successful result. Nothing is
// cached when load fails or when no key can be computed for the call.
func readThrough[T any](
	ctx context.Context, c *Client, q *query.Query, op Op, args []any, isEmpty func(T) bool,
	load func(context.Context) (T, error),
) (T, error) {
	if q == nil {
		return callUpstream(ctx, op, load)
	}
	namespace := q.Namespace()
	key, err := c.cache.GenerateCacheKey(q, string(op), args...)
	if err != nil {
		uncacheableCalls.WithLabelValues(string(op)).Inc()
		slog.Debug("Passing an uncacheable read through.", "module", "readthrough", "op", op,
			"namespace", namespace, "error", err)
		return callUpstream(ctx, op, load)
	}

	if cached, found := c.cache.Get(namespace, key); found {
		if cached == nil { // Only interface-typed results can be cached as nil.
			return *new(T), nil
		}
		if value, ok := cached.(T); ok {
			return value, nil
		}
		utils.RaiseInvariant("readthrough", "cached_type_mismatch",
			"Cached value doesn't match the result type of the read.",
			"op", op, "namespace", namespace, "cachedType", reflect.TypeOf(cached).String())
	}

	value, err := callUpstream(ctx, op, load)
	if err != nil {
		return value, err
	}
	if isEmpty(value) && !c.cache.Options().CacheEmptyResults {
		return value, nil
	}
	c.cache.Set(namespace, key, value)
	return value, nil
}

func callUpstream[T any](ctx context.Context, op Op, load func(context.Context) (T, error)) (T, error) {
	value, err := load(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	upstreamCalls.WithLabelValues(string(op), status).Inc()
	return value, err
}

// invalidate drops the namespaces of every record, skipping duplicates and unnamed namespaces.
func (c *Client) invalidate(op string, records ...*query.Record) {
	cleared := make(map[string]struct{}, len(records))
	for _, record := range records {
		if record == nil || record.Namespace == "" {
			continue
		}
		if _, seen := cleared[record.Namespace]; seen {
			continue
		}
		cleared[record.Namespace] = struct{}{}
		c.cache.Clear(record.Namespace)
		invalidations.WithLabelValues(op).Inc()
	}
	if len(cleared) > 0 && c.cache.Options().Debug {
		slog.Info("Namespaces invalidated after a write.", "module", "readthrough", "op", op, "count", len(cleared))
	}
}

func (c *Client) invalidatesOnWrite() bool { return c.cache.Options().ResetCacheOnSaveAndDestroy }

// Save saves through the backend and, on success, drops the namespaces of the input and the saved record.
func (c *Client) Save(ctx context.Context, record *query.Record, opts query.CallOptions) (*query.Record, error) {
	saved, err := c.Backend.Save(ctx, record, opts)
	if err != nil || saved == nil || !c.invalidatesOnWrite() {
		return saved, err
	}
	c.invalidate("save", record, saved)
	return saved, nil
}

// SaveAll saves through the backend and, on success, drops the namespaces of every input and saved record.
func (c *Client) SaveAll(ctx context.Context, records []*query.Record, opts query.CallOptions) ([]*query.Record, error) {
	saved, err := c.Backend.SaveAll(ctx, records, opts)
	if err != nil || len(saved) == 0 || !c.invalidatesOnWrite() {
		return saved, err
	}
	c.invalidate("saveAll", append(append(make([]*query.Record, 0, len(records)+len(saved)), records...), saved...)...)
	return saved, nil
}

// Destroy deletes through the backend and, on success, drops the namespace of the record.
func (c *Client) Destroy(ctx context.Context, record *query.Record, opts query.CallOptions) (*query.Record, error) {
	destroyed, err := c.Backend.Destroy(ctx, record, opts)
	if err != nil || destroyed == nil || !c.invalidatesOnWrite() {
		return destroyed, err
	}
	c.invalidate("destroy", record, destroyed)
	return destroyed, nil
}

// DestroyAll deletes through the backend and, on success, drops the namespaces of every record.
func (c *Client) DestroyAll(
	ctx context.Context, records []*query.Record, opts query.CallOptions,
) ([]*query.Record, error) {
	destroyed, err := c.Backend.DestroyAll(ctx, records, opts)
	if err != nil || len(destroyed) == 0 || !c.invalidatesOnWrite() {
		return destroyed, err
	}
	c.invalidate("destroyAll", append(append(make([]*query.Record, 0, len(records)+len(destroyed)), records...),
		destroyed...)...)
	return destroyed, nil
}

// errAnonymousCallback makes calls with unnamed callbacks uncacheable: a function has no content to hash.
var errAnonymousCallback = errors.New("callback has no name")

// callbackName hashes as the name of a callback.
type callbackName string

func (n callbackName) ToValue() (*structpb.Value, error) {
	if n == "" {
		return nil, fmt.Errorf("%w: %w", query.ErrUnserializable, errAnonymousCallback)
	}
	return structpb.NewStringValue(string(n)), nil
}
