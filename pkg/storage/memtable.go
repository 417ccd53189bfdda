package storage

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/nobletooth/querycache/pkg/query"
)

// MemTable serves the records of one namespace in memory, ordered by object id.
type MemTable struct {
	namespace string
	// skipList allows fast lookup, insertion, and deletion of records.
	skipList *SkipList[string /*objectId*/, *query.Record]
	mux      sync.RWMutex // Protects against race conditions.
}

// NewMemTable is the constructor for MemTable.
func NewMemTable(namespace string) *MemTable {
	return &MemTable{
		namespace: namespace,
		skipList:  NewSkipList[string, *query.Record](strings.Compare),
	}
}

// Get returns a copy of the record stored under `id`.
func (m *MemTable) Get(id string) (*query.Record, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	record, err := m.skipList.Get(id)
	if err != nil {
		return nil, false
	}
	return record.Clone(), true
}

// Set stores a copy of `record`, which must already carry its object id.
func (m *MemTable) Set(record *query.Record) (bool /*alreadyExists*/, error) {
	if record == nil || record.ID == "" {
		return false, fmt.Errorf("%w: records need an object id to be stored", ErrInvalidRecord)
	}
	if record.Namespace != m.namespace {
		return false, fmt.Errorf("%w: record of %q stored in %q", ErrInvalidRecord, record.Namespace, m.namespace)
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.skipList.Set(record.ID, record.Clone())
}

// Delete removes the record stored under `id` and returns it.
func (m *MemTable) Delete(id string) (*query.Record, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	record, err := m.skipList.Get(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, m.namespace, id)
	}
	if err := m.skipList.Delete(id); err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}
	return record, nil
}

func (m *MemTable) Len() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return m.skipList.Len()
}

// Scan yields copies of every record in object id order. It works on a snapshot, so callers may write to the table
// while iterating.
func (m *MemTable) Scan() iter.Seq[*query.Record] {
	m.mux.RLock()
	records := make([]*query.Record, 0, m.skipList.Len())
	for pair := range m.skipList.Iterate() {
		records = append(records, pair.Value.Clone())
	}
	m.mux.RUnlock()
	return slices.Values(records)
}

func (m *MemTable) Close() error {
	m.mux.Lock()
	defer m.mux.Unlock()

	return m.skipList.Close()
}
