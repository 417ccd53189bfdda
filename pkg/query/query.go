// Package query describes reads against the upstream data API. A Query names the namespace it targets and carries
// filter, sort, limit and skip predicates; its canonical form is what the cache hashes, so two queries built in a
// different order but asking for the same thing share cache entries.

package query

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// Op is a comparison operator of a where predicate.
type Op string

const (
	OpEqual              Op = "$eq"
	OpNotEqual           Op = "$ne"
	OpLessThan           Op = "$lt"
	OpLessThanOrEqual    Op = "$lte"
	OpGreaterThan        Op = "$gt"
	OpGreaterThanOrEqual Op = "$gte"
	OpIn                 Op = "$in"
	OpNotIn              Op = "$nin"
	OpExists             Op = "$exists"
)

// Predicate is a single `field op value` condition.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

// OrderKey is one sort key; keys are applied in the order they were added.
type OrderKey struct {
	Field      string
	Descending bool
}

func (o OrderKey) String() string {
	if o.Descending {
		return "-" + o.Field
	}
	return o.Field
}

// Query is a mutable builder. Builder methods return the receiver so calls can be chained.
type Query struct {
	namespace string
	where     map[string]map[Op]any
	order     []OrderKey
	limit     int // Negative means no limit.
	skip      int
	include   map[string]struct{}
	selected  map[string]struct{}
}

// New returns an empty query over `namespace`.
func New(namespace string) *Query {
	return &Query{
		namespace: namespace,
		where:     make(map[string]map[Op]any),
		limit:     -1,
		include:   make(map[string]struct{}),
		selected:  make(map[string]struct{}),
	}
}

// Namespace returns the entity namespace this query reads from.
func (q *Query) Namespace() string { return q.namespace }

func (q *Query) addPredicate(field string, op Op, value any) *Query {
	conditions, exists := q.where[field]
	if !exists {
		conditions = make(map[Op]any)
		q.where[field] = conditions
	}
	conditions[op] = value
	return q
}

func (q *Query) EqualTo(field string, value any) *Query { return q.addPredicate(field, OpEqual, value) }

func (q *Query) NotEqualTo(field string, value any) *Query { return q.addPredicate(field, OpNotEqual, value) }

func (q *Query) LessThan(field string, value any) *Query { return q.addPredicate(field, OpLessThan, value) }

func (q *Query) LessThanOrEqualTo(field string, value any) *Query {
	return q.addPredicate(field, OpLessThanOrEqual, value)
}

func (q *Query) GreaterThan(field string, value any) *Query {
	return q.addPredicate(field, OpGreaterThan, value)
}

func (q *Query) GreaterThanOrEqualTo(field string, value any) *Query {
	return q.addPredicate(field, OpGreaterThanOrEqual, value)
}

func (q *Query) ContainedIn(field string, values ...any) *Query {
	return q.addPredicate(field, OpIn, values)
}

func (q *Query) NotContainedIn(field string, values ...any) *Query {
	return q.addPredicate(field, OpNotIn, values)
}

func (q *Query) Exists(field string) *Query { return q.addPredicate(field, OpExists, true) }

func (q *Query) DoesNotExist(field string) *Query { return q.addPredicate(field, OpExists, false) }

// Ascending replaces the sort order with the given fields, ascending.
func (q *Query) Ascending(fields ...string) *Query {
	q.order = nil
	return q.AddAscending(fields...)
}

// Descending replaces the sort order with the given fields, descending.
func (q *Query) Descending(fields ...string) *Query {
	q.order = nil
	return q.AddDescending(fields...)
}

func (q *Query) AddAscending(fields ...string) *Query {
	for _, field := range fields {
		q.order = append(q.order, OrderKey{Field: field})
	}
	return q
}

func (q *Query) AddDescending(fields ...string) *Query {
	for _, field := range fields {
		q.order = append(q.order, OrderKey{Field: field, Descending: true})
	}
	return q
}

// Limit caps the number of returned records; a negative limit removes the cap.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) Skip(n int) *Query {
	q.skip = max(n, 0)
	return q
}

// Include asks the backend to resolve the given pointer fields.
func (q *Query) Include(fields ...string) *Query {
	for _, field := range fields {
		q.include[field] = struct{}{}
	}
	return q
}

// Select restricts the returned fields.
func (q *Query) Select(fields ...string) *Query {
	for _, field := range fields {
		q.selected[field] = struct{}{}
	}
	return q
}

// Clone returns a deep copy of the builder state. Predicate values are shared.
func (q *Query) Clone() *Query {
	clone := New(q.namespace)
	for field, conditions := range q.where {
		clone.where[field] = maps.Clone(conditions)
	}
	clone.order = slices.Clone(q.order)
	clone.limit = q.limit
	clone.skip = q.skip
	maps.Copy(clone.include, q.include)
	maps.Copy(clone.selected, q.selected)
	return clone
}

// Predicates returns the where conditions sorted by field then operator.
func (q *Query) Predicates() []Predicate {
	predicates := make([]Predicate, 0, len(q.where))
	for field, conditions := range q.where {
		for op, value := range conditions {
			predicates = append(predicates, Predicate{Field: field, Op: op, Value: value})
		}
	}
	slices.SortFunc(predicates, func(a, b Predicate) int {
		if c := strings.Compare(a.Field, b.Field); c != 0 {
			return c
		}
		return strings.Compare(string(a.Op), string(b.Op))
	})
	return predicates
}

func (q *Query) OrderKeys() []OrderKey { return slices.Clone(q.order) }

// LimitValue returns the limit and whether one is set.
func (q *Query) LimitValue() (int, bool) { return q.limit, q.limit >= 0 }

func (q *Query) SkipValue() int { return q.skip }

func (q *Query) SelectedKeys() []string { return slices.Sorted(maps.Keys(q.selected)) }

func (q *Query) Includes() []string { return slices.Sorted(maps.Keys(q.include)) }

// Canonical returns the order-independent form of the query. Where predicates and include/select sets don't depend on
// construction order; sort keys keep theirs since it changes the result.
func (q *Query) Canonical() (*structpb.Struct, error) {
	where := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(q.where))}
	for field, conditions := range q.where {
		fieldConditions := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(conditions))}
		for op, value := range conditions {
			converted, err := ToValue(value)
			if err != nil {
				return nil, fmt.Errorf("where %s %s: %w", field, op, err)
			}
			fieldConditions.Fields[string(op)] = converted
		}
		where.Fields[field] = structpb.NewStructValue(fieldConditions)
	}

	canonical := &structpb.Struct{Fields: map[string]*structpb.Value{
		"namespace": structpb.NewStringValue(q.namespace),
		"where":     structpb.NewStructValue(where),
	}}
	if len(q.order) > 0 {
		order := make([]string, len(q.order))
		for i, key := range q.order {
			order[i] = key.String()
		}
		canonical.Fields["order"] = stringList(order)
	}
	if limit, hasLimit := q.LimitValue(); hasLimit {
		canonical.Fields["limit"] = intValue(int64(limit))
	}
	if q.skip > 0 {
		canonical.Fields["skip"] = intValue(int64(q.skip))
	}
	if len(q.include) > 0 {
		canonical.Fields["include"] = stringList(q.Includes())
	}
	if len(q.selected) > 0 {
		canonical.Fields["keys"] = stringList(q.SelectedKeys())
	}
	return canonical, nil
}

func (q *Query) String() string {
	return fmt.Sprintf("Query(%s, %d predicates, order=%v)", q.namespace, len(q.Predicates()), q.order)
}

func stringList(values []string) *structpb.Value {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(values))}
	for i, value := range values {
		list.Values[i] = structpb.NewStringValue(value)
	}
	return structpb.NewListValue(list)
}
