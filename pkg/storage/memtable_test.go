package storage

import (
	"slices"
	"testing"

	"github.com/nobletooth/querycache/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemTable_Get(t *testing.T) {
	memTable := NewMemTable("Book")
	record := query.NewRecord("Book", map[string]any{"title": "dune"})
	record.ID = "b1"
	_, err := memTable.Set(record)
	require.NoError(t, err)

	t.Run("existing_record", func(t *testing.T) {
		got, found := memTable.Get("b1")
		assert.True(t, found)
		assert.Equal(t, "dune", got.Fields["title"])
	})
	t.Run("returns_copies", func(t *testing.T) {
		got, _ := memTable.Get("b1")
		got.Set("title", "changed")
		again, _ := memTable.Get("b1")
		assert.Equal(t, "dune", again.Fields["title"], "Callers must not mutate stored records")
	})
	t.Run("non_existent_record", func(t *testing.T) {
		got, found := memTable.Get("missing")
		assert.False(t, found)
		assert.Nil(t, got)
	})
}

func TestMemTable_Set(t *testing.T) {
	memTable := NewMemTable("Book")

	_, err := memTable.Set(query.NewRecord("Book", nil))
	assert.ErrorIs(t, err, ErrInvalidRecord, "Records without an id can't be stored")

	foreign := query.NewRecord("Author", nil)
	foreign.ID = "a1"
	_, err = memTable.Set(foreign)
	assert.ErrorIs(t, err, ErrInvalidRecord, "Records of another namespace can't be stored")

	record := query.NewRecord("Book", nil)
	record.ID = "b1"
	exists, err := memTable.Set(record)
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = memTable.Set(record)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, memTable.Len())
}

func TestMemTable_DeleteAndScan(t *testing.T) {
	memTable := NewMemTable("Book")
	for _, id := range []string{"c", "a", "b"} {
		record := query.NewRecord("Book", nil)
		record.ID = id
		_, err := memTable.Set(record)
		require.NoError(t, err)
	}

	removed, err := memTable.Delete("b")
	require.NoError(t, err)
	assert.Equal(t, "b", removed.ID)
	_, err = memTable.Delete("b")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	var ids []string
	for record := range memTable.Scan() {
		ids = append(ids, record.ID)
		// Writing while scanning must not deadlock.
		_, _ = memTable.Delete(record.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
	assert.Equal(t, 0, memTable.Len())
	assert.Empty(t, slices.Collect(memTable.Scan()))
	assert.NoError(t, memTable.Close())
}
