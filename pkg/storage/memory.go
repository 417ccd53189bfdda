// MemoryBackend is a complete, in-process implementation of the upstream data API: reads evaluate queries against
// per-namespace skip lists, writes assign object ids and timestamps, and subscriptions receive every change to the
// records they match. It stands in for the remote store wherever a real one is not available.

package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nobletooth/querycache/pkg/query"
)

const (
	// defaultFindLimit caps find results of queries without an explicit limit.
	defaultFindLimit = 100
	defaultBatchSize = 100
)

var (
	ErrInvalidQuery = errors.New("invalid query")
	ErrEmptyReduce  = errors.New("reduce of no records without an initial value")
)

// MemoryOption customizes a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithLatency delays every call by `latency`, honoring context cancellation, to mimic a remote store.
func WithLatency(latency time.Duration) MemoryOption {
	return func(m *MemoryBackend) { m.latency = latency }
}

// WithClock sets the clock used for record timestamps.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.clock = clock }
}

// MemoryBackend is safe for concurrent use.
type MemoryBackend struct {
	latency time.Duration
	clock   func() time.Time

	tablesMux sync.Mutex
	tables    map[string]*MemTable

	subscriptionsMux sync.Mutex
	subscriptions    map[string][]*memorySubscription

	callsMux sync.Mutex
	calls    map[string]int
}

// NewMemoryBackend is the constructor for MemoryBackend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	backend := &MemoryBackend{
		clock:         time.Now,
		tables:        make(map[string]*MemTable),
		subscriptions: make(map[string][]*memorySubscription),
		calls:         make(map[string]int),
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

// Calls returns how many times the operation `op` (e.g. "find") has been called.
func (m *MemoryBackend) Calls(op string) int {
	m.callsMux.Lock()
	defer m.callsMux.Unlock()
	return m.calls[op]
}

// Subscribers returns how many live subscriptions watch `namespace`.
func (m *MemoryBackend) Subscribers(namespace string) int {
	m.subscriptionsMux.Lock()
	defer m.subscriptionsMux.Unlock()
	return len(m.subscriptions[namespace])
}

// ResetCalls zeroes every call counter.
func (m *MemoryBackend) ResetCalls() {
	m.callsMux.Lock()
	defer m.callsMux.Unlock()
	clear(m.calls)
}

// begin counts the call and waits out the configured latency.
func (m *MemoryBackend) begin(ctx context.Context, op string) error {
	m.callsMux.Lock()
	m.calls[op]++
	m.callsMux.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(m.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// table returns the table of `namespace`, creating it when `create` is set; otherwise it may return nil.
func (m *MemoryBackend) table(namespace string, create bool) *MemTable {
	m.tablesMux.Lock()
	defer m.tablesMux.Unlock()

	table, exists := m.tables[namespace]
	if !exists && create {
		table = NewMemTable(namespace)
		m.tables[namespace] = table
	}
	return table
}

// matching returns every record matching `q`, sorted by the query's order keys and then by object id.
func (m *MemoryBackend) matching(q *query.Query) ([]*query.Record, error) {
	if q == nil || q.Namespace() == "" {
		return nil, fmt.Errorf("%w: queries need a namespace", ErrInvalidQuery)
	}
	table := m.table(q.Namespace(), false /*create*/)
	if table == nil {
		return nil, nil
	}
	var records []*query.Record
	for record := range table.Scan() {
		if q.Matches(record) {
			records = append(records, record)
		}
	}
	if orderKeys := q.OrderKeys(); len(orderKeys) > 0 {
		slices.SortStableFunc(records, func(a, b *query.Record) int {
			for _, key := range orderKeys {
				aValue, aExists := a.Get(key.Field)
				bValue, bExists := b.Get(key.Field)
				if c := orderValues(aValue, aExists, bValue, bExists); c != 0 {
					if key.Descending {
						return -c
					}
					return c
				}
			}
			return 0
		})
	}
	return records, nil
}

// page applies skip and limit, falling back to `defaultLimit` when the query has none.
func page(records []*query.Record, q *query.Query, defaultLimit int) []*query.Record {
	records = records[min(q.SkipValue(), len(records)):]
	limit, hasLimit := q.LimitValue()
	if !hasLimit {
		limit = defaultLimit
	}
	return records[:min(limit, len(records))]
}

// project keeps only the selected fields of every record, if the query selects any.
func project(records []*query.Record, q *query.Query) []*query.Record {
	selected := q.SelectedKeys()
	if len(selected) == 0 {
		return records
	}
	for _, record := range records {
		for field := range record.Fields {
			if !slices.Contains(selected, field) {
				delete(record.Fields, field)
			}
		}
	}
	return records
}

func (m *MemoryBackend) Get(ctx context.Context, q *query.Query, id string, _ query.CallOptions) (*query.Record, error) {
	if err := m.begin(ctx, "get"); err != nil {
		return nil, err
	}
	if q == nil || q.Namespace() == "" {
		return nil, fmt.Errorf("%w: queries need a namespace", ErrInvalidQuery)
	}
	if table := m.table(q.Namespace(), false /*create*/); table != nil {
		if record, found := table.Get(id); found && q.Matches(record) {
			return project([]*query.Record{record}, q)[0], nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, q.Namespace(), id)
}

func (m *MemoryBackend) Find(ctx context.Context, q *query.Query, _ query.CallOptions) ([]*query.Record, error) {
	if err := m.begin(ctx, "find"); err != nil {
		return nil, err
	}
	records, err := m.matching(q)
	if err != nil {
		return nil, err
	}
	return project(page(records, q, defaultFindLimit), q), nil
}

// FindAll returns every matching record, ignoring limit and skip.
func (m *MemoryBackend) FindAll(ctx context.Context, q *query.Query, _ query.CallOptions) ([]*query.Record, error) {
	if err := m.begin(ctx, "findAll"); err != nil {
		return nil, err
	}
	records, err := m.matching(q)
	if err != nil {
		return nil, err
	}
	return project(records, q), nil
}

// Count counts every matching record, ignoring limit and skip.
func (m *MemoryBackend) Count(ctx context.Context, q *query.Query, _ query.CallOptions) (int, error) {
	if err := m.begin(ctx, "count"); err != nil {
		return 0, err
	}
	records, err := m.matching(q)
	return len(records), err
}

// Distinct returns the distinct values of `field` among the matching records, in query order.
func (m *MemoryBackend) Distinct(ctx context.Context, q *query.Query, field string, _ query.CallOptions) ([]any, error) {
	if err := m.begin(ctx, "distinct"); err != nil {
		return nil, err
	}
	records, err := m.matching(q)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0)
	for _, record := range records {
		value, exists := record.Get(field)
		if !exists || slices.ContainsFunc(values, func(seen any) bool { return query.Equal(seen, value) }) {
			continue
		}
		values = append(values, value)
	}
	return values, nil
}

// Aggregate runs `pipeline` over the records matching `q`.
func (m *MemoryBackend) Aggregate(
	ctx context.Context, q *query.Query, pipeline []query.Stage, _ query.CallOptions,
) ([]map[string]any, error) {
	if err := m.begin(ctx, "aggregate"); err != nil {
		return nil, err
	}
	records, err := m.matching(q)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(records))
	for _, record := range records {
		rows = append(rows, recordRow(record))
	}
	return runPipeline(q.Namespace(), rows, pipeline)
}

// First returns the first matching record, or nil when nothing matches.
func (m *MemoryBackend) First(ctx context.Context, q *query.Query, _ query.CallOptions) (*query.Record, error) {
	if err := m.begin(ctx, "first"); err != nil {
		return nil, err
	}
	records, err := m.matching(q)
	if err != nil {
		return nil, err
	}
	if records = project(page(records, q, 1), q); len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// eachBatch walks every matching record in batches of opts.BatchSize, stopping at the first callback error.
func (m *MemoryBackend) eachBatch(ctx context.Context, q *query.Query, fn query.BatchFunc, opts query.CallOptions) error {
	records, err := m.matching(q)
	if err != nil {
		return err
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	for batch := range slices.Chunk(project(records, q), batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) EachBatch(ctx context.Context, q *query.Query, fn query.BatchFunc, opts query.CallOptions) error {
	if err := m.begin(ctx, "eachBatch"); err != nil {
		return err
	}
	return m.eachBatch(ctx, q, fn, opts)
}

func (m *MemoryBackend) Each(ctx context.Context, q *query.Query, fn query.EachFunc, opts query.CallOptions) error {
	if err := m.begin(ctx, "each"); err != nil {
		return err
	}
	return m.eachBatch(ctx, q, func(batch []*query.Record) error {
		for _, record := range batch {
			if err := fn(record); err != nil {
				return err
			}
		}
		return nil
	}, opts)
}

func (m *MemoryBackend) Map(ctx context.Context, q *query.Query, fn query.MapFunc, _ query.CallOptions) ([]any, error) {
	if err := m.begin(ctx, "map"); err != nil {
		return nil, err
	}
	records, err := m.matching(q)
	if err != nil {
		return nil, err
	}
	mapped := make([]any, 0, len(records))
	for i, record := range project(records, q) {
		value, err := fn(record, i)
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, value)
	}
	return mapped, nil
}

// Reduce folds the matching records into `initial`. Without an initial value the first record is the starting
// accumulator.
func (m *MemoryBackend) Reduce(
	ctx context.Context, q *query.Query, fn query.ReduceFunc, initial any, _ query.CallOptions,
) (any, error) {
	if err := m.begin(ctx, "reduce"); err != nil {
		return nil, err
	}
	records, err := m.matching(q)
	if err != nil {
		return nil, err
	}
	records = project(records, q)
	accumulator, start := initial, 0
	if initial == nil {
		if len(records) == 0 {
			return nil, ErrEmptyReduce
		}
		accumulator, start = records[0], 1
	}
	for i := start; i < len(records); i++ {
		if accumulator, err = fn(accumulator, records[i], i); err != nil {
			return nil, err
		}
	}
	return accumulator, nil
}

func (m *MemoryBackend) Filter(
	ctx context.Context, q *query.Query, fn query.FilterFunc, _ query.CallOptions,
) ([]*query.Record, error) {
	if err := m.begin(ctx, "filter"); err != nil {
		return nil, err
	}
	records, err := m.matching(q)
	if err != nil {
		return nil, err
	}
	kept := make([]*query.Record, 0, len(records))
	for i, record := range project(records, q) {
		keep, err := fn(record, i)
		if err != nil {
			return nil, err
		}
		if keep {
			kept = append(kept, record)
		}
	}
	return kept, nil
}

// Subscribe starts a feed of the changes to records matching `q`.
func (m *MemoryBackend) Subscribe(ctx context.Context, q *query.Query, _ query.CallOptions) (query.Subscription, error) {
	if err := m.begin(ctx, "subscribe"); err != nil {
		return nil, err
	}
	if q == nil || q.Namespace() == "" {
		return nil, fmt.Errorf("%w: queries need a namespace", ErrInvalidQuery)
	}
	subscription := &memorySubscription{
		query:   q.Clone(),
		events:  make(chan query.Event, subscriptionBuffer),
		backend: m,
	}
	m.subscriptionsMux.Lock()
	defer m.subscriptionsMux.Unlock()
	m.subscriptions[q.Namespace()] = append(m.subscriptions[q.Namespace()], subscription)
	return subscription, nil
}

func (m *MemoryBackend) removeSubscription(subscription *memorySubscription) {
	m.subscriptionsMux.Lock()
	defer m.subscriptionsMux.Unlock()

	namespace := subscription.query.Namespace()
	m.subscriptions[namespace] = slices.DeleteFunc(m.subscriptions[namespace],
		func(s *memorySubscription) bool { return s == subscription })
	if len(m.subscriptions[namespace]) == 0 {
		delete(m.subscriptions, namespace)
	}
}

func (m *MemoryBackend) publish(eventType query.EventType, record *query.Record) {
	m.subscriptionsMux.Lock()
	defer m.subscriptionsMux.Unlock()

	for _, subscription := range m.subscriptions[record.Namespace] {
		subscription.deliver(query.Event{Type: eventType, Record: record.Clone()})
	}
}

func validateRecord(record *query.Record) error {
	if record == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if record.Namespace == "" {
		return fmt.Errorf("%w: records need a namespace", ErrInvalidRecord)
	}
	return nil
}

// save stores a copy of `record`, assigning an object id and timestamps, and returns the stored copy.
func (m *MemoryBackend) save(record *query.Record) (*query.Record, error) {
	saved := record.Clone()
	now := m.clock()
	table := m.table(saved.Namespace, true /*create*/)
	eventType := query.EventUpdate
	if saved.ID == "" {
		saved.ID = uuid.NewString()
	}
	if existing, found := table.Get(saved.ID); found {
		saved.CreatedAt = existing.CreatedAt
	} else {
		eventType = query.EventCreate
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now
	if _, err := table.Set(saved); err != nil {
		return nil, err
	}
	m.publish(eventType, saved)
	return saved, nil
}

// Save creates or updates a record and returns the stored copy.
func (m *MemoryBackend) Save(ctx context.Context, record *query.Record, _ query.CallOptions) (*query.Record, error) {
	if err := m.begin(ctx, "save"); err != nil {
		return nil, err
	}
	if err := validateRecord(record); err != nil {
		return nil, err
	}
	return m.save(record)
}

// SaveAll validates every record before storing any of them.
func (m *MemoryBackend) SaveAll(ctx context.Context, records []*query.Record, _ query.CallOptions) ([]*query.Record, error) {
	if err := m.begin(ctx, "saveAll"); err != nil {
		return nil, err
	}
	for i, record := range records {
		if err := validateRecord(record); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	saved := make([]*query.Record, 0, len(records))
	for _, record := range records {
		stored, err := m.save(record)
		if err != nil {
			return saved, err
		}
		saved = append(saved, stored)
	}
	return saved, nil
}

func (m *MemoryBackend) existingTable(record *query.Record) (*MemTable, error) {
	if err := validateRecord(record); err != nil {
		return nil, err
	}
	if record.ID == "" {
		return nil, fmt.Errorf("%w: unsaved records can't be destroyed", ErrInvalidRecord)
	}
	table := m.table(record.Namespace, false /*create*/)
	if table == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, record.Namespace, record.ID)
	}
	if _, found := table.Get(record.ID); !found {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, record.Namespace, record.ID)
	}
	return table, nil
}

func (m *MemoryBackend) destroy(table *MemTable, id string) (*query.Record, error) {
	destroyed, err := table.Delete(id)
	if err != nil {
		return nil, err
	}
	m.publish(query.EventDelete, destroyed)
	return destroyed, nil
}

// Destroy deletes a stored record and returns its last stored state.
func (m *MemoryBackend) Destroy(ctx context.Context, record *query.Record, _ query.CallOptions) (*query.Record, error) {
	if err := m.begin(ctx, "destroy"); err != nil {
		return nil, err
	}
	table, err := m.existingTable(record)
	if err != nil {
		return nil, err
	}
	return m.destroy(table, record.ID)
}

// DestroyAll checks every record exists before deleting any of them.
func (m *MemoryBackend) DestroyAll(
	ctx context.Context, records []*query.Record, _ query.CallOptions,
) ([]*query.Record, error) {
	if err := m.begin(ctx, "destroyAll"); err != nil {
		return nil, err
	}
	tables := make([]*MemTable, len(records))
	for i, record := range records {
		table, err := m.existingTable(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		tables[i] = table
	}
	destroyed := make([]*query.Record, 0, len(records))
	for i, record := range records {
		removed, err := m.destroy(tables[i], record.ID)
		if err != nil {
			return destroyed, err
		}
		destroyed = append(destroyed, removed)
	}
	return destroyed, nil
}
