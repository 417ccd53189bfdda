package readthrough

import (
	"context"
	"slices"

	"github.com/nobletooth/querycache/pkg/query"
)

// Mapper is a map callback with a stable name. The name stands in for the function in the cache key, so two mappers
// must only share a name if they compute the same thing. Calls with an unnamed mapper are never cached.
type Mapper struct {
	Name string
	Fn   query.MapFunc
}

// Reducer is a reduce callback with a stable name; see Mapper.
type Reducer struct {
	Name string
	Fn   query.ReduceFunc
}

// Filterer is a filter callback with a stable name; see Mapper.
type Filterer struct {
	Name string
	Fn   query.FilterFunc
}

func isNilRecord(record *query.Record) bool { return record == nil }

func isEmptyList[S ~[]E, E any](list S) bool { return len(list) == 0 }

func isZeroCount(count int) bool { return count == 0 }

func isNilValue(value any) bool { return value == nil }

func isNilSubscription(subscription query.Subscription) bool { return subscription == nil }

// GetCache is the cache-aware Get.
func (c *Client) GetCache(ctx context.Context, q *query.Query, id string, opts query.CallOptions) (*query.Record, error) {
	return readThrough(ctx, c, q, OpGet, []any{id, opts}, isNilRecord,
		func(ctx context.Context) (*query.Record, error) { return c.Backend.Get(ctx, q, id, opts) })
}

// FindCache is the cache-aware Find.
func (c *Client) FindCache(ctx context.Context, q *query.Query, opts query.CallOptions) ([]*query.Record, error) {
	return readThrough(ctx, c, q, OpFind, []any{opts}, isEmptyList[[]*query.Record],
		func(ctx context.Context) ([]*query.Record, error) { return c.Backend.Find(ctx, q, opts) })
}

// FindAllCache is the cache-aware FindAll.
func (c *Client) FindAllCache(ctx context.Context, q *query.Query, opts query.CallOptions) ([]*query.Record, error) {
	return readThrough(ctx, c, q, OpFindAll, []any{opts}, isEmptyList[[]*query.Record],
		func(ctx context.Context) ([]*query.Record, error) { return c.Backend.FindAll(ctx, q, opts) })
}

// CountCache is the cache-aware Count.
func (c *Client) CountCache(ctx context.Context, q *query.Query, opts query.CallOptions) (int, error) {
	return readThrough(ctx, c, q, OpCount, []any{opts}, isZeroCount,
		func(ctx context.Context) (int, error) { return c.Backend.Count(ctx, q, opts) })
}

// DistinctCache is the cache-aware Distinct.
func (c *Client) DistinctCache(
	ctx context.Context, q *query.Query, field string, opts query.CallOptions,
) ([]any, error) {
	return readThrough(ctx, c, q, OpDistinct, []any{field, opts}, isEmptyList[[]any],
		func(ctx context.Context) ([]any, error) { return c.Backend.Distinct(ctx, q, field, opts) })
}

// AggregateCache is the cache-aware Aggregate. The pipeline is part of the key.
func (c *Client) AggregateCache(
	ctx context.Context, q *query.Query, pipeline []query.Stage, opts query.CallOptions,
) ([]map[string]any, error) {
	return readThrough(ctx, c, q, OpAggregate, []any{pipeline, opts}, isEmptyList[[]map[string]any],
		func(ctx context.Context) ([]map[string]any, error) { return c.Backend.Aggregate(ctx, q, pipeline, opts) })
}

// FirstCache is the cache-aware First. A nil result (nothing matched) is cached like any other.
func (c *Client) FirstCache(ctx context.Context, q *query.Query, opts query.CallOptions) (*query.Record, error) {
	return readThrough(ctx, c, q, OpFirst, []any{opts}, isNilRecord,
		func(ctx context.Context) (*query.Record, error) { return c.Backend.First(ctx, q, opts) })
}

// EachBatchCache is the cache-aware EachBatch. A miss streams the batches from the backend to `fn` and caches them;
// a hit replays the cached batches to `fn`. Nothing is cached when `fn` or the backend fails.
func (c *Client) EachBatchCache(ctx context.Context, q *query.Query, fn query.BatchFunc, opts query.CallOptions) error {
	streamed := false
	batches, err := readThrough(ctx, c, q, OpEachBatch, []any{opts}, isEmptyList[[][]*query.Record],
		func(ctx context.Context) ([][]*query.Record, error) {
			streamed = true
			var batches [][]*query.Record
			err := c.Backend.EachBatch(ctx, q, func(batch []*query.Record) error {
				batches = append(batches, slices.Clone(batch))
				return fn(batch)
			}, opts)
			return batches, err
		})
	if err != nil || streamed {
		return err
	}
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// EachCache is the cache-aware Each; it caches and replays the record stream like EachBatchCache.
func (c *Client) EachCache(ctx context.Context, q *query.Query, fn query.EachFunc, opts query.CallOptions) error {
	streamed := false
	records, err := readThrough(ctx, c, q, OpEach, []any{opts}, isEmptyList[[]*query.Record],
		func(ctx context.Context) ([]*query.Record, error) {
			streamed = true
			var records []*query.Record
			err := c.Backend.Each(ctx, q, func(record *query.Record) error {
				records = append(records, record)
				return fn(record)
			}, opts)
			return records, err
		})
	if err != nil || streamed {
		return err
	}
	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

// MapCache is the cache-aware Map, keyed by the mapper's name.
func (c *Client) MapCache(ctx context.Context, q *query.Query, mapper Mapper, opts query.CallOptions) ([]any, error) {
	return readThrough(ctx, c, q, OpMap, []any{callbackName(mapper.Name), opts}, isEmptyList[[]any],
		func(ctx context.Context) ([]any, error) { return c.Backend.Map(ctx, q, mapper.Fn, opts) })
}

// ReduceCache is the cache-aware Reduce, keyed by the reducer's name and the initial value.
func (c *Client) ReduceCache(
	ctx context.Context, q *query.Query, reducer Reducer, initial any, opts query.CallOptions,
) (any, error) {
	return readThrough(ctx, c, q, OpReduce, []any{callbackName(reducer.Name), initial, opts}, isNilValue,
		func(ctx context.Context) (any, error) { return c.Backend.Reduce(ctx, q, reducer.Fn, initial, opts) })
}

// FilterCache is the cache-aware Filter, keyed by the filter's name.
func (c *Client) FilterCache(
	ctx context.Context, q *query.Query, filterer Filterer, opts query.CallOptions,
) ([]*query.Record, error) {
	return readThrough(ctx, c, q, OpFilter, []any{callbackName(filterer.Name), opts}, isEmptyList[[]*query.Record],
		func(ctx context.Context) ([]*query.Record, error) { return c.Backend.Filter(ctx, q, filterer.Fn, opts) })
}

// SubscribeCache is the cache-aware Subscribe. Identical subscriptions share one live handle until it expires, is
// evicted or its namespace is invalidated, so callers must not unsubscribe a handle others may still read. Dropping a
// handle from the cache never unsubscribes it: the caller that last uses a handle owns its Unsubscribe, and a call
// after the drop opens a new upstream subscription.
func (c *Client) SubscribeCache(
	ctx context.Context, q *query.Query, opts query.CallOptions,
) (query.Subscription, error) {
	return readThrough(ctx, c, q, OpSubscribe, []any{opts}, isNilSubscription,
		func(ctx context.Context) (query.Subscription, error) { return c.Backend.Subscribe(ctx, q, opts) })
}
