package storage

import (
	"context"
	"testing"

	"github.com/nobletooth/querycache/pkg/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_Aggregate(t *testing.T) {
	backend := NewMemoryBackend()
	seedBooks(t, backend)
	ctx := context.Background()
	books := query.New("Book")

	t.Run("group_and_sort", func(t *testing.T) {
		rows, err := backend.Aggregate(ctx, books, []query.Stage{
			{"$group": map[string]any{
				"_id":   "$author",
				"books": map[string]any{"$sum": 1},
				"pages": map[string]any{"$sum": "$pages"},
			}},
			{"$sort": map[string]any{"books": -1}},
		}, noOpts)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, map[string]any{"objectId": "asimov", "books": 2.0, "pages": 508.0}, rows[0])
		assert.ElementsMatch(t, []any{"herbert", "simmons"}, []any{rows[1]["objectId"], rows[2]["objectId"]})
	})
	t.Run("match_then_count", func(t *testing.T) {
		rows, err := backend.Aggregate(ctx, books, []query.Stage{
			{"$match": map[string]any{"year": map[string]any{"$lt": 1960}}},
			{"$count": "old"},
		}, noOpts)
		require.NoError(t, err)
		assert.Equal(t, []map[string]any{{"old": 2}}, rows)
	})
	t.Run("match_equality_and_membership", func(t *testing.T) {
		rows, err := backend.Aggregate(ctx, books, []query.Stage{
			{"$match": map[string]any{
				"author": "asimov",
				"title":  map[string]any{"$in": []any{"Foundation", "Dune"}},
			}},
		}, noOpts)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "Foundation", rows[0]["title"])
	})
	t.Run("sort_skip_limit", func(t *testing.T) {
		rows, err := backend.Aggregate(ctx, books, []query.Stage{
			{"$sort": map[string]any{"year": 1}},
			{"$skip": 1},
			{"$limit": 2},
		}, noOpts)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "Foundation", rows[0]["title"])
		assert.Equal(t, "Dune", rows[1]["title"])
	})
	t.Run("group_everything", func(t *testing.T) {
		rows, err := backend.Aggregate(ctx, books, []query.Stage{
			{"$group": map[string]any{"_id": nil, "total": map[string]any{"$sum": "$year"}}},
		}, noOpts)
		require.NoError(t, err)
		assert.Equal(t, []map[string]any{{"objectId": nil, "total": float64(1965 + 1951 + 1950 + 1989)}}, rows)
	})
	t.Run("invalid_pipelines", func(t *testing.T) {
		for name, pipeline := range map[string][]query.Stage{
			"unknown_stage":     {{"$unwind": "$tags"}},
			"two_operators":     {{"$skip": 1, "$limit": 1}},
			"negative_limit":    {{"$limit": -1}},
			"bad_sort":          {{"$sort": map[string]any{"year": 2}}},
			"unknown_operator":  {{"$match": map[string]any{"year": map[string]any{"$near": 1}}}},
			"unknown_summation": {{"$group": map[string]any{"_id": nil, "n": map[string]any{"$avg": 1}}}},
		} {
			t.Run(name, func(t *testing.T) {
				_, err := backend.Aggregate(ctx, books, pipeline, noOpts)
				assert.Error(t, err)
			})
		}
		_, err := backend.Aggregate(ctx, books, []query.Stage{{"$unwind": "$tags"}}, noOpts)
		assert.ErrorIs(t, err, ErrUnsupportedStage)
	})
}
