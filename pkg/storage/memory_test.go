package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nobletooth/querycache/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noOpts = query.CallOptions{}

// seedBooks stores a handful of books and returns them in insertion order.
func seedBooks(t *testing.T, backend *MemoryBackend) []*query.Record {
	t.Helper()
	books := []*query.Record{
		query.NewRecord("Book", map[string]any{"title": "Dune", "author": "herbert", "year": 1965, "pages": 412}),
		query.NewRecord("Book", map[string]any{"title": "Foundation", "author": "asimov", "year": 1951, "pages": 255}),
		query.NewRecord("Book", map[string]any{"title": "I, Robot", "author": "asimov", "year": 1950, "pages": 253}),
		query.NewRecord("Book", map[string]any{"title": "Hyperion", "author": "simmons", "year": 1989}),
	}
	saved, err := backend.SaveAll(context.Background(), books, noOpts)
	require.NoError(t, err)
	require.Len(t, saved, len(books))
	return saved
}

func titles(records []*query.Record) []string {
	result := make([]string, 0, len(records))
	for _, record := range records {
		title, _ := record.Get("title")
		result = append(result, fmt.Sprint(title))
	}
	return result
}

func TestMemoryBackend_SaveAndGet(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	backend := NewMemoryBackend(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	input := query.NewRecord("Book", map[string]any{"title": "Dune"})
	saved, err := backend.Save(ctx, input, noOpts)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID, "Save should assign an object id")
	assert.Empty(t, input.ID, "Save must not mutate its input")
	assert.Equal(t, now, saved.CreatedAt)
	assert.Equal(t, now, saved.UpdatedAt)

	got, err := backend.Get(ctx, query.New("Book"), saved.ID, noOpts)
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	t.Run("update_keeps_created_at", func(t *testing.T) {
		now = now.Add(time.Hour)
		updated, err := backend.Save(ctx, saved.Clone().Set("title", "Dune Messiah"), noOpts)
		require.NoError(t, err)
		assert.Equal(t, saved.ID, updated.ID)
		assert.Equal(t, saved.CreatedAt, updated.CreatedAt)
		assert.Equal(t, now, updated.UpdatedAt)
	})
	t.Run("missing_object", func(t *testing.T) {
		_, err := backend.Get(ctx, query.New("Book"), "missing", noOpts)
		assert.ErrorIs(t, err, ErrObjectNotFound)
		_, err = backend.Get(ctx, query.New("Author"), saved.ID, noOpts)
		assert.ErrorIs(t, err, ErrObjectNotFound)
	})
	t.Run("query_constraints_apply", func(t *testing.T) {
		_, err := backend.Get(ctx, query.New("Book").EqualTo("title", "Other"), saved.ID, noOpts)
		assert.ErrorIs(t, err, ErrObjectNotFound)
	})
	t.Run("invalid_records", func(t *testing.T) {
		_, err := backend.Save(ctx, nil, noOpts)
		assert.ErrorIs(t, err, ErrInvalidRecord)
		_, err = backend.Save(ctx, query.NewRecord("", nil), noOpts)
		assert.ErrorIs(t, err, ErrInvalidRecord)
		_, err = backend.Find(ctx, query.New(""), noOpts)
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestMemoryBackend_Find(t *testing.T) {
	backend := NewMemoryBackend()
	seedBooks(t, backend)
	ctx := context.Background()

	for _, testCase := range []struct {
		name     string
		q        *query.Query
		expected []string
	}{
		{name: "filter_and_sort", q: query.New("Book").EqualTo("author", "asimov").Ascending("year"),
			expected: []string{"I, Robot", "Foundation"}},
		{name: "range", q: query.New("Book").GreaterThan("year", 1950).LessThan("year", 1970).Descending("year"),
			expected: []string{"Dune", "Foundation"}},
		{name: "membership", q: query.New("Book").ContainedIn("author", "herbert", "simmons").Ascending("title"),
			expected: []string{"Dune", "Hyperion"}},
		{name: "exists", q: query.New("Book").DoesNotExist("pages"), expected: []string{"Hyperion"}},
		{name: "limit_and_skip", q: query.New("Book").Ascending("year").Skip(1).Limit(2),
			expected: []string{"Foundation", "Dune"}},
		{name: "multiple_sort_keys", q: query.New("Book").Ascending("author").AddDescending("year"),
			expected: []string{"Foundation", "I, Robot", "Dune", "Hyperion"}},
		{name: "unknown_namespace", q: query.New("Author"), expected: []string{}},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			records, err := backend.Find(ctx, testCase.q, noOpts)
			require.NoError(t, err)
			assert.Equal(t, testCase.expected, titles(records))
		})
	}

	t.Run("select", func(t *testing.T) {
		records, err := backend.Find(ctx, query.New("Book").EqualTo("author", "herbert").Select("title"), noOpts)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, map[string]any{"title": "Dune"}, records[0].Fields)
		assert.NotEmpty(t, records[0].ID, "Reserved fields survive projection")
	})
}

func TestMemoryBackend_DefaultLimit(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	records := make([]*query.Record, 0, defaultFindLimit+20)
	for i := range defaultFindLimit + 20 {
		records = append(records, query.NewRecord("Item", map[string]any{"n": i}))
	}
	_, err := backend.SaveAll(ctx, records, noOpts)
	require.NoError(t, err)

	found, err := backend.Find(ctx, query.New("Item"), noOpts)
	require.NoError(t, err)
	assert.Len(t, found, defaultFindLimit)

	all, err := backend.FindAll(ctx, query.New("Item").Limit(5), noOpts)
	require.NoError(t, err)
	assert.Len(t, all, defaultFindLimit+20, "FindAll ignores limits")

	count, err := backend.Count(ctx, query.New("Item").Limit(5), noOpts)
	require.NoError(t, err)
	assert.Equal(t, defaultFindLimit+20, count)
}

func TestMemoryBackend_Reads(t *testing.T) {
	backend := NewMemoryBackend()
	seedBooks(t, backend)
	ctx := context.Background()
	books := query.New("Book").Ascending("year")

	t.Run("distinct", func(t *testing.T) {
		authors, err := backend.Distinct(ctx, books, "author", noOpts)
		require.NoError(t, err)
		assert.Equal(t, []any{"asimov", "herbert", "simmons"}, authors)
	})
	t.Run("first", func(t *testing.T) {
		first, err := backend.First(ctx, books, noOpts)
		require.NoError(t, err)
		assert.Equal(t, []string{"I, Robot"}, titles([]*query.Record{first}))

		none, err := backend.First(ctx, query.New("Book").EqualTo("author", "nobody"), noOpts)
		require.NoError(t, err)
		assert.Nil(t, none)
	})
	t.Run("each_batch", func(t *testing.T) {
		var sizes []int
		err := backend.EachBatch(ctx, books, func(batch []*query.Record) error {
			sizes = append(sizes, len(batch))
			return nil
		}, query.CallOptions{BatchSize: 3})
		require.NoError(t, err)
		assert.Equal(t, []int{3, 1}, sizes)
	})
	t.Run("each_stops_on_error", func(t *testing.T) {
		stop := errors.New("stop")
		visited := 0
		err := backend.Each(ctx, books, func(*query.Record) error {
			visited++
			if visited == 2 {
				return stop
			}
			return nil
		}, noOpts)
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 2, visited)
	})
	t.Run("map", func(t *testing.T) {
		years, err := backend.Map(ctx, books, func(record *query.Record, index int) (any, error) {
			year, _ := record.Get("year")
			return fmt.Sprintf("%d:%v", index, year), nil
		}, noOpts)
		require.NoError(t, err)
		assert.Equal(t, []any{"0:1950", "1:1951", "2:1965", "3:1989"}, years)
	})
	t.Run("reduce", func(t *testing.T) {
		sumPages := func(accumulator any, record *query.Record, _ int) (any, error) {
			pages, _ := record.Get("pages")
			n, _ := query.ToNumber(pages)
			return accumulator.(float64) + n, nil
		}
		total, err := backend.Reduce(ctx, books, sumPages, 0.0, noOpts)
		require.NoError(t, err)
		assert.Equal(t, float64(412+255+253), total)

		first, err := backend.Reduce(ctx, books.Clone().Limit(1),
			func(accumulator any, _ *query.Record, _ int) (any, error) { return accumulator, nil }, nil, noOpts)
		require.NoError(t, err)
		assert.IsType(t, &query.Record{}, first, "Without an initial value the first record starts the fold")

		_, err = backend.Reduce(ctx, query.New("Nothing"), sumPages, nil, noOpts)
		assert.ErrorIs(t, err, ErrEmptyReduce)
	})
	t.Run("filter", func(t *testing.T) {
		long, err := backend.Filter(ctx, books, func(record *query.Record, _ int) (bool, error) {
			pages, _ := record.Get("pages")
			n, _ := query.ToNumber(pages)
			return n > 300, nil
		}, noOpts)
		require.NoError(t, err)
		assert.Equal(t, []string{"Dune"}, titles(long))
	})
}

func TestMemoryBackend_Destroy(t *testing.T) {
	backend := NewMemoryBackend()
	books := seedBooks(t, backend)
	ctx := context.Background()

	destroyed, err := backend.Destroy(ctx, books[0], noOpts)
	require.NoError(t, err)
	assert.Equal(t, books[0].ID, destroyed.ID)
	_, err = backend.Destroy(ctx, books[0], noOpts)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	_, err = backend.Destroy(ctx, query.NewRecord("Book", nil), noOpts)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	t.Run("destroy_all_is_all_or_nothing", func(t *testing.T) {
		_, err := backend.DestroyAll(ctx, []*query.Record{books[1], books[0]}, noOpts)
		assert.ErrorIs(t, err, ErrObjectNotFound)
		count, err := backend.Count(ctx, query.New("Book"), noOpts)
		require.NoError(t, err)
		assert.Equal(t, 3, count, "Nothing should be destroyed when one record is missing")

		destroyed, err := backend.DestroyAll(ctx, books[1:], noOpts)
		require.NoError(t, err)
		assert.Len(t, destroyed, 3)
		count, err = backend.Count(ctx, query.New("Book"), noOpts)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestMemoryBackend_Subscribe(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	subscription, err := backend.Subscribe(ctx, query.New("Book").EqualTo("author", "herbert"), noOpts)
	require.NoError(t, err)

	dune, err := backend.Save(ctx, query.NewRecord("Book", map[string]any{"author": "herbert"}), noOpts)
	require.NoError(t, err)
	_, err = backend.Save(ctx, query.NewRecord("Book", map[string]any{"author": "asimov"}), noOpts)
	require.NoError(t, err)
	_, err = backend.Save(ctx, dune.Clone().Set("title", "Dune"), noOpts)
	require.NoError(t, err)
	_, err = backend.Destroy(ctx, dune, noOpts)
	require.NoError(t, err)

	var types []query.EventType
	for range 3 {
		select {
		case event := <-subscription.Events():
			assert.Equal(t, dune.ID, event.Record.ID)
			types = append(types, event.Type)
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for a subscription event")
		}
	}
	assert.Equal(t, []query.EventType{query.EventCreate, query.EventUpdate, query.EventDelete}, types)

	require.NoError(t, subscription.Unsubscribe())
	require.NoError(t, subscription.Unsubscribe(), "Unsubscribing twice is a no-op")
	_, open := <-subscription.Events()
	assert.False(t, open, "Unsubscribe should close the event channel")
	_, err = backend.Save(ctx, query.NewRecord("Book", map[string]any{"author": "herbert"}), noOpts)
	assert.NoError(t, err, "Writes after unsubscribing must not panic")
}

func TestMemoryBackend_LatencyHonorsContext(t *testing.T) {
	backend := NewMemoryBackend(WithLatency(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := backend.Find(ctx, query.New("Book"), noOpts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBackend_Calls(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	for range 3 {
		_, _ = backend.Find(ctx, query.New("Book"), noOpts)
	}
	_, _ = backend.Count(ctx, query.New("Book"), noOpts)

	assert.Equal(t, 3, backend.Calls("find"))
	assert.Equal(t, 1, backend.Calls("count"))
	assert.Equal(t, 0, backend.Calls("get"))

	backend.ResetCalls()
	assert.Equal(t, 0, backend.Calls("find"))
}
