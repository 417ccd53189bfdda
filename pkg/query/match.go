// In-process backends evaluate queries against records themselves; this module holds the comparison rules they share.

package query

import (
	"cmp"
	"reflect"
	"time"

	"github.com/nobletooth/querycache/pkg/utils"
)

// ToNumber widens any Go number to float64.
func ToNumber(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

// Compare orders two field values. The boolean is false when the values are not mutually ordered, e.g. a string and
// a number.
func Compare(a, b any) (int, bool) {
	if af, aIsNumber := ToNumber(a); aIsNumber {
		if bf, bIsNumber := ToNumber(b); bIsNumber {
			return cmp.Compare(af, bf), true
		}
		return 0, false
	}
	switch typedA := a.(type) {
	case string:
		if typedB, ok := b.(string); ok {
			return cmp.Compare(typedA, typedB), true
		}
	case time.Time:
		if typedB, ok := b.(time.Time); ok {
			return typedA.Compare(typedB), true
		}
	case bool:
		if typedB, ok := b.(bool); ok {
			switch {
			case typedA == typedB:
				return 0, true
			case !typedA:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

// Equal reports whether two field values are the same. Numbers compare by value across types and records compare by
// pointer identity (namespace and object id).
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if recordA, ok := a.(*Record); ok {
		recordB, ok := b.(*Record)
		return ok && recordA != nil && recordB != nil &&
			recordA.Namespace == recordB.Namespace && recordA.ID == recordB.ID
	}
	if c, ordered := Compare(a, b); ordered {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

func containsEqual(values any, target any) bool {
	items, ok := values.([]any)
	if !ok {
		utils.RaiseInvariant("query", "non_list_membership_value",
			"Membership predicate holds a non-list value.", "type", reflect.TypeOf(values))
		return false
	}
	for _, item := range items {
		if Equal(item, target) {
			return true
		}
	}
	return false
}

// Matches evaluates every where predicate of the query against `record`.
func (q *Query) Matches(record *Record) bool {
	if record == nil || record.Namespace != q.namespace {
		return false
	}
	for _, predicate := range q.Predicates() {
		value, exists := record.Get(predicate.Field)
		var matched bool
		switch predicate.Op {
		case OpExists:
			wantExists, _ := predicate.Value.(bool)
			matched = exists == wantExists
		case OpEqual:
			matched = exists && Equal(value, predicate.Value)
		case OpNotEqual:
			matched = !exists || !Equal(value, predicate.Value)
		case OpIn:
			matched = exists && containsEqual(predicate.Value, value)
		case OpNotIn:
			matched = !exists || !containsEqual(predicate.Value, value)
		case OpLessThan, OpLessThanOrEqual, OpGreaterThan, OpGreaterThanOrEqual:
			if !exists {
				return false
			}
			c, ordered := Compare(value, predicate.Value)
			matched = ordered && compareMatches(predicate.Op, c)
		default:
			utils.RaiseInvariant("query", "unknown_operator", "Got an unknown where operator.",
				"op", predicate.Op, "field", predicate.Field)
			return false
		}
		if !matched {
			return false
		}
	}
	return true
}

func compareMatches(op Op, c int) bool {
	switch op {
	case OpLessThan:
		return c < 0
	case OpLessThanOrEqual:
		return c <= 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterThanOrEqual:
		return c >= 0
	}
	return false
}
