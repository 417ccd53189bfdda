// Aggregation pipelines run over rows: flat maps holding a record's fields next to its objectId, createdAt and
// updatedAt. Supported stages are $match, $sort, $skip, $limit, $count and $group with $sum accumulators.

package storage

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/nobletooth/querycache/pkg/query"
)

var ErrUnsupportedStage = errors.New("unsupported aggregation stage")

// groupIDFields are the accepted names of a $group stage's key expression.
var groupIDFields = []string{"_id", query.FieldObjectID}

func recordRow(record *query.Record) map[string]any {
	row := maps.Clone(record.Fields)
	if row == nil {
		row = make(map[string]any, 3)
	}
	row[query.FieldObjectID] = record.ID
	row[query.FieldCreatedAt] = record.CreatedAt
	row[query.FieldUpdatedAt] = record.UpdatedAt
	return row
}

// rowRecord views a row as a record so query predicates can be evaluated against it.
func rowRecord(namespace string, row map[string]any) *query.Record {
	record := &query.Record{Namespace: namespace, Fields: row}
	record.ID, _ = row[query.FieldObjectID].(string)
	record.CreatedAt, _ = row[query.FieldCreatedAt].(time.Time)
	record.UpdatedAt, _ = row[query.FieldUpdatedAt].(time.Time)
	return record
}

// runPipeline applies `pipeline` to `rows` stage by stage.
func runPipeline(namespace string, rows []map[string]any, pipeline []query.Stage) ([]map[string]any, error) {
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("%w: stage %d has %d operators, want exactly one", ErrUnsupportedStage, i, len(stage))
		}
		for name, arg := range stage {
			var err error
			switch name {
			case "$match":
				rows, err = matchStage(namespace, rows, arg)
			case "$sort":
				rows, err = sortStage(rows, arg)
			case "$skip":
				var n int
				if n, err = stageCount(arg); err == nil {
					rows = rows[min(n, len(rows)):]
				}
			case "$limit":
				var n int
				if n, err = stageCount(arg); err == nil {
					rows = rows[:min(n, len(rows))]
				}
			case "$count":
				field, ok := arg.(string)
				if !ok || field == "" {
					err = fmt.Errorf("$count needs a field name, got %v", arg)
					break
				}
				rows = []map[string]any{{field: len(rows)}}
			case "$group":
				rows, err = groupStage(rows, arg)
			default:
				err = ErrUnsupportedStage
			}
			if err != nil {
				return nil, fmt.Errorf("stage %d (%s): %w", i, name, err)
			}
		}
	}
	return rows, nil
}

func stageCount(arg any) (int, error) {
	n, ok := query.ToNumber(arg)
	if !ok || n < 0 || n != float64(int(n)) {
		return 0, fmt.Errorf("want a non-negative integer, got %v", arg)
	}
	return int(n), nil
}

// matchQuery turns a $match document, e.g. {"year": {"$gt": 1960}, "author": "herbert"}, into a query.
func matchQuery(namespace string, arg any) (*query.Query, error) {
	conditions, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("$match needs a document, got %T", arg)
	}
	q := query.New(namespace)
	for field, condition := range conditions {
		operators, isDocument := condition.(map[string]any)
		if !isDocument || !isOperatorDocument(operators) {
			q.EqualTo(field, condition)
			continue
		}
		for op, value := range operators {
			if err := addCondition(q, field, query.Op(op), value); err != nil {
				return nil, err
			}
		}
	}
	return q, nil
}

func isOperatorDocument(document map[string]any) bool {
	if len(document) == 0 {
		return false
	}
	for key := range document {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

func addCondition(q *query.Query, field string, op query.Op, value any) error {
	switch op {
	case query.OpEqual:
		q.EqualTo(field, value)
	case query.OpNotEqual:
		q.NotEqualTo(field, value)
	case query.OpLessThan:
		q.LessThan(field, value)
	case query.OpLessThanOrEqual:
		q.LessThanOrEqualTo(field, value)
	case query.OpGreaterThan:
		q.GreaterThan(field, value)
	case query.OpGreaterThanOrEqual:
		q.GreaterThanOrEqualTo(field, value)
	case query.OpIn, query.OpNotIn:
		values, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s on %q needs a list, got %T", op, field, value)
		}
		if op == query.OpIn {
			q.ContainedIn(field, values...)
		} else {
			q.NotContainedIn(field, values...)
		}
	case query.OpExists:
		exists, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%s on %q needs a bool, got %T", op, field, value)
		}
		if exists {
			q.Exists(field)
		} else {
			q.DoesNotExist(field)
		}
	default:
		return fmt.Errorf("unknown operator %s on %q", op, field)
	}
	return nil
}

func matchStage(namespace string, rows []map[string]any, arg any) ([]map[string]any, error) {
	q, err := matchQuery(namespace, arg)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(rows, func(row map[string]any) bool { return !q.Matches(rowRecord(namespace, row)) }), nil
}

// sortStage orders rows by {field: 1 | -1}. A document has no order of its own, so fields are applied in name order.
func sortStage(rows []map[string]any, arg any) ([]map[string]any, error) {
	directions, ok := arg.(map[string]any)
	if !ok || len(directions) == 0 {
		return nil, fmt.Errorf("$sort needs a non-empty document, got %v", arg)
	}
	keys := make([]query.OrderKey, 0, len(directions))
	for _, field := range slices.Sorted(maps.Keys(directions)) {
		direction, _ := query.ToNumber(directions[field])
		switch direction {
		case 1:
			keys = append(keys, query.OrderKey{Field: field})
		case -1:
			keys = append(keys, query.OrderKey{Field: field, Descending: true})
		default:
			return nil, fmt.Errorf("$sort direction of %q must be 1 or -1, got %v", field, directions[field])
		}
	}
	slices.SortStableFunc(rows, func(a, b map[string]any) int {
		for _, key := range keys {
			aValue, aExists := a[key.Field]
			bValue, bExists := b[key.Field]
			if c := orderValues(aValue, aExists, bValue, bExists); c != 0 {
				if key.Descending {
					return -c
				}
				return c
			}
		}
		return 0
	})
	return rows, nil
}

type group struct {
	key  any
	sums map[string]float64
}

// groupStage buckets rows by the `_id` expression ("$field", or a constant to fold every row into one group) and sums
// the accumulators, e.g. {"_id": "$author", "books": {"$sum": 1}, "pages": {"$sum": "$pages"}}.
func groupStage(rows []map[string]any, arg any) ([]map[string]any, error) {
	document, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("$group needs a document, got %T", arg)
	}
	var keyExpr any
	accumulators := make(map[string]any, len(document))
	for name, expr := range document {
		if slices.Contains(groupIDFields, name) {
			keyExpr = expr
			continue
		}
		operators, ok := expr.(map[string]any)
		if !ok || len(operators) != 1 {
			return nil, fmt.Errorf("accumulator %q needs exactly one operator", name)
		}
		operand, isSum := operators["$sum"]
		if !isSum {
			return nil, fmt.Errorf("accumulator %q: only $sum is supported", name)
		}
		accumulators[name] = operand
	}

	var groups []*group
	for _, row := range rows {
		key := evalExpr(keyExpr, row)
		index := slices.IndexFunc(groups, func(g *group) bool { return query.Equal(g.key, key) })
		if index < 0 {
			groups = append(groups, &group{key: key, sums: make(map[string]float64, len(accumulators))})
			index = len(groups) - 1
		}
		for name, operand := range accumulators {
			if n, isNumber := query.ToNumber(evalExpr(operand, row)); isNumber {
				groups[index].sums[name] += n
			}
		}
	}

	grouped := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		row := map[string]any{query.FieldObjectID: g.key}
		for name := range accumulators {
			row[name] = g.sums[name]
		}
		grouped = append(grouped, row)
	}
	return grouped, nil
}

// evalExpr resolves "$field" references against `row`; anything else is a constant.
func evalExpr(expr any, row map[string]any) any {
	if reference, ok := expr.(string); ok && strings.HasPrefix(reference, "$") {
		return row[strings.TrimPrefix(reference, "$")]
	}
	return expr
}

// orderValues orders two possibly missing field values. Missing values come first, values that are not mutually
// ordered fall back to their type and text so the order stays total.
func orderValues(a any, aExists bool, b any, bExists bool) int {
	switch {
	case !aExists && !bExists:
		return 0
	case !aExists:
		return -1
	case !bExists:
		return 1
	}
	if c, ordered := query.Compare(a, b); ordered {
		return c
	}
	if c := strings.Compare(fmt.Sprintf("%T", a), fmt.Sprintf("%T", b)); c != 0 {
		return c
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
