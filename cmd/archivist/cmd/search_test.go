package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehaven/archivist/internal/config"
	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/embed"
	"github.com/lorehaven/archivist/internal/retrieve"
)

func newHybridTestApp(t *testing.T) (*app, context.Context) {
	t.Helper()
	ctx := context.Background()

	embedder := embed.NewStaticEmbedder()
	stores, err := corpus.Open(ctx, config.CorpusConfig{Backend: config.BackendMemory}, embedder.Dimensions(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })

	seed := func(id, doc, text string) {
		vec, err := embedder.Embed(ctx, text)
		require.NoError(t, err)
		require.NoError(t, stores.Shared.Upsert(ctx, []*corpus.Passage{{
			ID:           id,
			Text:         text,
			DocumentID:   doc,
			DocumentName: doc,
			Embedding:    vec,
		}}))
	}
	seed("lore/economy.md#0", "economy.md", "gold coins are worth fifty silver")
	seed("lore/beasts.md#0", "beasts.md", "dragons nest in the high peaks")

	return &app{cfg: config.NewConfig(), embedder: embedder, stores: stores}, ctx
}

func TestHybridSearchRanksByCombinedScore(t *testing.T) {
	a, ctx := newHybridTestApp(t)

	result, err := hybridSearch(ctx, a, "gold coins are worth fifty silver", 2, corpus.Filter{})
	require.NoError(t, err)
	require.Len(t, result.Passages, 2)

	// Exact text match wins on both the semantic and the keyword signal.
	assert.Equal(t, "lore/economy.md#0", result.Passages[0].Passage.ID)
	assert.Greater(t, result.Passages[0].CombinedScore, result.Passages[1].CombinedScore)
}

func TestHybridSearchDefaultTopK(t *testing.T) {
	a, ctx := newHybridTestApp(t)

	result, err := hybridSearch(ctx, a, "gold coins", 0, corpus.Filter{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Passages), retrieve.DefaultTopK)
	assert.NotEmpty(t, result.Passages)
}

func TestHybridSearchHonorsDocumentFilter(t *testing.T) {
	a, ctx := newHybridTestApp(t)

	result, err := hybridSearch(ctx, a, "gold coins", 5, corpus.Filter{DocumentName: "beasts.md"})
	require.NoError(t, err)
	require.Len(t, result.Passages, 1)
	assert.Equal(t, "lore/beasts.md#0", result.Passages[0].Passage.ID)
}

func TestSearchCommandHasHybridFlag(t *testing.T) {
	cmd := newSearchCmd()
	assert.NotNil(t, cmd.Flags().Lookup("hybrid"))
	assert.NotNil(t, cmd.Flags().Lookup("keyword"))
}
