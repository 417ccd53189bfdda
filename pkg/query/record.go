package query

import (
	"maps"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Reserved field names resolved by Record.Get.
const (
	FieldObjectID  = "objectId"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

// Record is one stored object of a namespace.
type Record struct {
	Namespace string
	ID        string // Empty until the record is saved for the first time.
	Fields    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord returns an unsaved record of `namespace`.
func NewRecord(namespace string, fields map[string]any) *Record {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Record{Namespace: namespace, Fields: fields}
}

// Get returns the field value, resolving the reserved fields too.
func (r *Record) Get(field string) (any, bool) {
	switch field {
	case FieldObjectID:
		return r.ID, r.ID != ""
	case FieldCreatedAt:
		return r.CreatedAt, !r.CreatedAt.IsZero()
	case FieldUpdatedAt:
		return r.UpdatedAt, !r.UpdatedAt.IsZero()
	}
	value, exists := r.Fields[field]
	return value, exists
}

// Set assigns a field and returns the record for chaining.
func (r *Record) Set(field string, value any) *Record {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[field] = value
	return r
}

// Clone copies the record; field values are shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Fields = maps.Clone(r.Fields)
	return &clone
}

// ToValue represents a record as a pointer to it, so records used as predicate values or arguments hash by identity
// in the store and not by their (possibly stale) fields.
func (r *Record) ToValue() (*structpb.Value, error) {
	if r == nil {
		return structpb.NewNullValue(), nil
	}
	return typedValue("Pointer", structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"namespace": structpb.NewStringValue(r.Namespace),
		"objectId":  structpb.NewStringValue(r.ID),
	}})), nil
}

// CallOptions are the per-call options forwarded to the backend. They are part of every cache key.
type CallOptions struct {
	UseMasterKey bool
	SessionToken string
	BatchSize    int // Only used by batched iteration.
}

func (o CallOptions) ToValue() (*structpb.Value, error) {
	return typedValue("CallOptions", structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"useMasterKey": structpb.NewBoolValue(o.UseMasterKey),
		"sessionToken": structpb.NewStringValue(o.SessionToken),
		"batchSize":    intValue(int64(o.BatchSize)),
	}})), nil
}

// Stage is one aggregation pipeline stage, e.g. {"$match": {...}}.
type Stage map[string]any

type (
	EachFunc   func(record *Record) error
	BatchFunc  func(batch []*Record) error
	MapFunc    func(record *Record, index int) (any, error)
	ReduceFunc func(accumulator any, record *Record, index int) (any, error)
	FilterFunc func(record *Record, index int) (bool, error)
)

// EventType is the kind of change delivered to a subscription.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is a change to a record matching a subscribed query.
type Event struct {
	Type   EventType
	Record *Record
}

// Subscription is a live feed of changes to records matching a query.
type Subscription interface {
	Events() <-chan Event
	Unsubscribe() error
}
