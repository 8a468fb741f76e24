package rag

import (
	"context"
	"testing"

	"github.com/hunterwarburton/qnabot/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(id, parent, title, body string, v ...float32) core.Document {
	return core.Document{ID: id, ParentID: parent, Title: title, Body: body, Embedding: v}
}

func TestMemoryIndex_Lifecycle(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex("docs", 2)

	assert.ErrorIs(t, idx.DeleteIndex(ctx), core.ErrIndexNotFound, "delete before create")
	assert.ErrorIs(t, idx.UpsertDocuments(ctx, []core.Document{doc("a", "p", "a.txt", "x", 1, 0)}), core.ErrIndexNotFound)

	require.NoError(t, idx.EnsureIndex(ctx))
	require.NoError(t, idx.EnsureIndex(ctx), "ensure is idempotent")
	require.NoError(t, idx.UpsertDocuments(ctx, []core.Document{doc("a", "p", "a.txt", "x", 1, 0)}))
	assert.Equal(t, 1, idx.Len())

	require.NoError(t, idx.DeleteIndex(ctx))
	assert.Equal(t, 0, idx.Len())
	assert.ErrorIs(t, idx.DeleteIndex(ctx), core.ErrIndexNotFound, "second delete fails")
}

func TestMemoryIndex_UpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex("docs", 2)
	require.NoError(t, idx.EnsureIndex(ctx))

	require.NoError(t, idx.UpsertDocuments(ctx, []core.Document{doc("a", "p", "a.txt", "old", 1, 0)}))
	require.NoError(t, idx.UpsertDocuments(ctx, []core.Document{doc("a", "p", "a.txt", "new", 0, 1)}))

	got, ok := idx.Get("a")
	require.True(t, ok)
	assert.Equal(t, "new", got.Body)
	assert.Equal(t, 1, idx.Len())
}

func TestMemoryIndex_RejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex("docs", 3)
	require.NoError(t, idx.EnsureIndex(ctx))

	err := idx.UpsertDocuments(ctx, []core.Document{
		doc("a", "p", "a.txt", "ok", 1, 0, 0),
		doc("b", "p", "b.txt", "short", 1, 0),
	})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	assert.Equal(t, 0, idx.Len(), "batch is all or nothing")
}

func TestMemoryIndex_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex("docs", 1)
	require.NoError(t, idx.EnsureIndex(ctx))
	require.NoError(t, idx.UpsertDocuments(ctx, []core.Document{
		doc("p1-1", "p1", "a.txt", "b", 1),
		doc("p1-0", "p1", "a.txt", "a", 1),
		doc("p2-0", "p2", "b.txt", "c", 1),
	}))

	ids, err := idx.ListDocumentIDs(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1-0", "p1-1"}, ids)

	require.NoError(t, idx.DeleteDocuments(ctx, []string{"p1-0", "missing"}))
	ids, err = idx.ListDocumentIDs(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1-1"}, ids)
}

func TestMemoryIndex_Search(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex("docs", 2)
	require.NoError(t, idx.EnsureIndex(ctx))
	require.NoError(t, idx.UpsertDocuments(ctx, []core.Document{
		doc("x", "px", "east.txt", "sunrise over the sea", 1, 0),
		doc("y", "py", "north.txt", "cold winds", 0, 1),
		doc("z", "pz", "mixed.txt", "sunrise and wind", 0.7, 0.7),
	}))

	t.Run("vector ranking", func(t *testing.T) {
		results, err := idx.Search(ctx, "", []float32{1, 0}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "x", results[0].Document.ID)
		assert.Equal(t, "z", results[1].Document.ID)
		assert.InDelta(t, 1.0, results[0].Score, 1e-6)
		assert.Nil(t, results[0].Document.Embedding)
	})

	t.Run("keyword only", func(t *testing.T) {
		results, err := idx.Search(ctx, "sunrise", nil, 10)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.ElementsMatch(t, []string{"x", "z"}, []string{results[0].Document.ID, results[1].Document.ID})
	})

	t.Run("wildcard returns everything", func(t *testing.T) {
		results, err := idx.Search(ctx, "*", nil, 10)
		require.NoError(t, err)
		assert.Len(t, results, 3)
	})

	t.Run("query vector must match dimension", func(t *testing.T) {
		_, err := idx.Search(ctx, "", []float32{1, 0, 0}, 10)
		assert.ErrorIs(t, err, core.ErrDimensionMismatch)
	})
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{2, 0}, []float32{5, 0}), 1e-6)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, cosine([]float32{1}, []float32{1, 1}))
}
