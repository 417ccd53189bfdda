// Package readthrough puts a NamespaceCache in front of an upstream data API. Bind wraps a Backend into a Client that
// keeps every original operation callable and adds a cache-aware `<Op>Cache` variant for each read. When the cache is
// configured to reset on writes, the Client's writes also drop every namespace they touched.

package readthrough

import (
	"context"

	"github.com/nobletooth/querycache/pkg/query"
)

// Backend is the upstream data API. Implementations own timeouts and cancellation through the context.
type Backend interface {
	Get(ctx context.Context, q *query.Query, id string, opts query.CallOptions) (*query.Record, error)
	Find(ctx context.Context, q *query.Query, opts query.CallOptions) ([]*query.Record, error)
	FindAll(ctx context.Context, q *query.Query, opts query.CallOptions) ([]*query.Record, error)
	Count(ctx context.Context, q *query.Query, opts query.CallOptions) (int, error)
	Distinct(ctx context.Context, q *query.Query, field string, opts query.CallOptions) ([]any, error)
	Aggregate(ctx context.Context, q *query.Query, pipeline []query.Stage, opts query.CallOptions) ([]map[string]any, error)
	// First returns a nil record without an error when nothing matches.
	First(ctx context.Context, q *query.Query, opts query.CallOptions) (*query.Record, error)
	EachBatch(ctx context.Context, q *query.Query, fn query.BatchFunc, opts query.CallOptions) error
	Each(ctx context.Context, q *query.Query, fn query.EachFunc, opts query.CallOptions) error
	Map(ctx context.Context, q *query.Query, fn query.MapFunc, opts query.CallOptions) ([]any, error)
	Reduce(ctx context.Context, q *query.Query, fn query.ReduceFunc, initial any, opts query.CallOptions) (any, error)
	Filter(ctx context.Context, q *query.Query, fn query.FilterFunc, opts query.CallOptions) ([]*query.Record, error)
	Subscribe(ctx context.Context, q *query.Query, opts query.CallOptions) (query.Subscription, error)

	Save(ctx context.Context, record *query.Record, opts query.CallOptions) (*query.Record, error)
	SaveAll(ctx context.Context, records []*query.Record, opts query.CallOptions) ([]*query.Record, error)
	Destroy(ctx context.Context, record *query.Record, opts query.CallOptions) (*query.Record, error)
	DestroyAll(ctx context.Context, records []*query.Record, opts query.CallOptions) ([]*query.Record, error)
}

// Op names a read operation. It is folded into every cache key so different reads over one query never alias.
type Op string

const (
	OpGet       Op = "get"
	OpFind      Op = "find"
	OpFindAll   Op = "findAll"
	OpCount     Op = "count"
	OpDistinct  Op = "distinct"
	OpAggregate Op = "aggregate"
	OpFirst     Op = "first"
	OpEachBatch Op = "eachBatch"
	OpEach      Op = "each"
	OpMap       Op = "map"
	OpReduce    Op = "reduce"
	OpFilter    Op = "filter"
	OpSubscribe Op = "subscribe"
)
