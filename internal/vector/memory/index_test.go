package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/internal/vector"
)

func doc(id string, v ...float32) models.Document {
	return models.Document{ID: id, Embedding: v, EmbedderVersion: "v1"}
}

func TestIndex_NearestOrdersByScoreThenID(t *testing.T) {
	idx, err := NewIndex("v1", 2, []models.Document{
		doc("doc-b", 1, 0),
		doc("doc-a", 2, 0),
		doc("doc-c", 0, 1),
		doc("doc-d", 1, 1),
	})
	require.NoError(t, err)

	matches, err := idx.Nearest(context.Background(), []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.Equal(t, "doc-a", matches[0].ID, "equal scores fall back to id order")
	assert.Equal(t, "doc-b", matches[1].ID)
	assert.Equal(t, "doc-d", matches[2].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.InDelta(t, 0.7071, matches[2].Score, 1e-4)
}

func TestIndex_NeverReturnsMoreThanK(t *testing.T) {
	var docs []models.Document
	for _, id := range []string{"1", "2", "3", "4", "5", "6", "7"} {
		docs = append(docs, doc(id, 1, float32(len(id))))
	}
	idx, err := NewIndex("v1", 2, docs)
	require.NoError(t, err)

	for k := 0; k <= 9; k++ {
		matches, err := idx.Nearest(context.Background(), []float32{0.3, 0.7}, k)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(matches), k)
		for i := 1; i < len(matches); i++ {
			prev, cur := matches[i-1], matches[i]
			assert.True(t, prev.Score > cur.Score || (prev.Score == cur.Score && prev.ID < cur.ID))
		}
	}
}

func TestIndex_EmptyIndexReturnsNoMatches(t *testing.T) {
	idx, err := NewIndex("v1", 3, nil)
	require.NoError(t, err)

	matches, err := idx.Nearest(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndex_RejectsDimensionMismatch(t *testing.T) {
	_, err := NewIndex("v1", 3, []models.Document{doc("x", 1, 0)})
	assert.ErrorIs(t, err, vector.ErrDimension)

	idx, err := NewIndex("v1", 2, []models.Document{doc("x", 1, 0)})
	require.NoError(t, err)
	_, err = idx.Nearest(context.Background(), []float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, vector.ErrDimension)
}

func TestIndex_RejectsForeignEmbedderAndDuplicates(t *testing.T) {
	foreign := doc("x", 1, 0)
	foreign.EmbedderVersion = "v2"
	_, err := NewIndex("v1", 2, []models.Document{foreign})
	assert.Error(t, err)

	_, err = NewIndex("v1", 2, []models.Document{doc("x", 1, 0), doc("x", 0, 1)})
	assert.Error(t, err)
}
