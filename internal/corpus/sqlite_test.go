package corpus

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.db")

	store, err := NewSQLiteStore(path, 3)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, []*Passage{
		testPassage("a", "doc1", 0, []float32{1, 0, 0}),
		testPassage("b", "doc1", 1, []float32{0, 1, 0}),
		testPassage("c", "doc2", 0, []float32{0.9, 0.1, 0}),
	}))

	hits, err := store.SimilaritySearch(ctx, []float32{1, 0, 0}, 2, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].Passage.ID)
	assert.Equal(t, "c", hits[1].Passage.ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	// Survives a close and reopen.
	require.NoError(t, store.Close())
	store, err = NewSQLiteStore(path, 3)
	require.NoError(t, err)
	defer store.Close()

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSQLiteStoreFilteredSearch(t *testing.T) {
	store, err := NewSQLiteStore("", 3)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, []*Passage{
		testPassage("a", "doc1", 0, []float32{1, 0, 0}),
		testPassage("b", "doc2", 0, []float32{0.99, 0.01, 0}),
		testPassage("c", "doc2", 1, []float32{0, 1, 0}),
	}))

	hits, err := store.SimilaritySearch(ctx, []float32{1, 0, 0}, 10, Filter{DocumentID: "doc2"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].Passage.ID)

	hits, err = store.SimilaritySearch(ctx, []float32{1, 0, 0}, 10, Filter{DocumentName: "DOC1.MD"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Passage.ID)
}

func TestSQLiteStoreUpsertReplacesAndDeletes(t *testing.T) {
	store, err := NewSQLiteStore("", 3)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, []*Passage{
		testPassage("a", "doc1", 0, []float32{1, 0, 0}),
	}))
	require.NoError(t, store.Upsert(ctx, []*Passage{
		testPassage("a", "doc1", 0, []float32{0, 0, 1}),
	}))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	hits, err := store.SimilaritySearch(ctx, []float32{0, 0, 1}, 1, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	require.NoError(t, store.Delete(ctx, []string{"a", "missing"}))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestSQLiteStorePassagesForDocument(t *testing.T) {
	store, err := NewSQLiteStore("", 3)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, []*Passage{
		testPassage("a", "doc1", 1, []float32{1, 0, 0}),
		testPassage("b", "doc1", 0, []float32{0, 1, 0}),
		testPassage("c", "doc2", 0, []float32{0, 0, 1}),
	}))

	passages, err := store.PassagesForDocument(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "b", passages[0].ID)
	assert.Equal(t, "a", passages[1].ID)
}

func TestSQLiteStoreDimensionMismatch(t *testing.T) {
	store, err := NewSQLiteStore("", 3)
	require.NoError(t, err)
	defer store.Close()

	err = store.Upsert(context.Background(), []*Passage{
		testPassage("a", "doc1", 0, []float32{1, 0}),
	})
	var dimErr ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
}

func TestSQLiteStoreLocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.db")

	first, err := NewSQLiteStore(path, 3)
	require.NoError(t, err)
	defer first.Close()

	_, err = NewSQLiteStore(path, 3)
	assert.Error(t, err)
}

func TestSQLiteMemoryStore(t *testing.T) {
	store, err := NewSQLiteStore("", 3)
	require.NoError(t, err)
	defer store.Close()

	memories := store.Memories()
	ctx := context.Background()

	require.NoError(t, memories.Remember(ctx, "alpha", testPassage("m1", "memory", 0, []float32{1, 0, 0})))
	require.NoError(t, memories.Remember(ctx, "beta", testPassage("m2", "memory", 0, []float32{1, 0, 0})))

	hits, err := memories.SimilaritySearch(ctx, "alpha", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m1", hits[0].Passage.ID)

	hits, err = memories.SimilaritySearch(ctx, "unknown", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEmbeddingCodec(t *testing.T) {
	original := []float32{3, 4, 0}

	decoded := decodeEmbedding(encodeEmbedding(original))
	require.Len(t, decoded, 3)

	// Encoding normalizes to unit length.
	assert.InDelta(t, 0.6, decoded[0], 1e-6)
	assert.InDelta(t, 0.8, decoded[1], 1e-6)
	assert.InDelta(t, 0.0, decoded[2], 1e-6)
}
