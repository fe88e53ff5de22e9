package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInMemory_SearchRanksByCosineSimilarity(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "user-1", "a", []float32{1, 0, 0}, map[string]any{"topic": "work"}))
	require.NoError(t, s.Upsert(ctx, "user-1", "b", []float32{0, 1, 0}, map[string]any{"topic": "hobbies"}))
	require.NoError(t, s.Upsert(ctx, "user-1", "c", []float32{0.9, 0.1, 0}, map[string]any{"topic": "work"}))

	results, err := s.Search(ctx, "user-1", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "c", results[1].ID)
}

func TestInMemory_SearchWithFilterIntersectsMetadata(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "user-1", "a", []float32{1, 0}, map[string]any{"topic": "work"}))
	require.NoError(t, s.Upsert(ctx, "user-1", "b", []float32{1, 0}, map[string]any{"topic": "hobbies"}))

	results, err := s.SearchWithFilter(ctx, "user-1", []float32{1, 0}, 10, map[string]any{"topic": "hobbies"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "b", results[0].ID)
}

func TestInMemory_CollectionsAreIsolated(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "user-1", "a", []float32{1, 0}, nil))
	require.NoError(t, s.Upsert(ctx, "user-2", "b", []float32{1, 0}, nil))

	results, err := s.Search(ctx, "user-1", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
}

func TestInMemory_DeleteRemovesPoint(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "user-1", "a", []float32{1, 0}, nil))
	require.NoError(t, s.Delete(ctx, "user-1", "a"))

	results, err := s.Search(ctx, "user-1", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Empty(t, results)
}
