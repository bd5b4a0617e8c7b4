package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/embed"
)

func newTestOrchestrator(shared corpus.DocumentCorpus, gen *fakeGenerator) *Orchestrator {
	retriever := newTestRetriever(shared, nil, nil)
	var variants *VariantGenerator
	if gen != nil {
		variants = NewVariantGenerator(gen, nil)
	}
	return NewOrchestrator(NewAnalyzer(), embed.NewStaticEmbedder(), retriever, variants, DefaultOrchestratorConfig(), nil)
}

func TestOrchestratorSkipsCasual(t *testing.T) {
	o := newTestOrchestrator(&stubCorpus{}, nil)

	result, err := o.Retrieve(context.Background(), Request{Query: "hello there"})
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Empty(t, result.Passages)
	assert.Equal(t, QuestionCasual, result.Analysis.QuestionType)
}

func TestOrchestratorSkipsAction(t *testing.T) {
	o := newTestOrchestrator(&stubCorpus{}, nil)

	result, err := o.Retrieve(context.Background(), Request{Query: "give me 10 gold coins"})
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Empty(t, result.Passages)
}

func TestOrchestratorFactualSingleVariant(t *testing.T) {
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "gold coins are valuable", 0, 0.9),
		hit("p2", "docB", "gold bars in the vault", 0, 0.8),
	}}
	o := newTestOrchestrator(shared, nil)

	result, err := o.Retrieve(context.Background(), Request{Query: "gold coins", TopK: 2})
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.Variants)
	assert.Len(t, result.Passages, 2)
}

func TestOrchestratorComparativeAppliesMMRAndWiderBudget(t *testing.T) {
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "gold coins hold their value well", 0, 0.95),
		hit("p2", "docB", "silver coins trade below gold", 0, 0.9),
		hit("p3", "docC", "gold and silver coin exchange rates", 0, 0.85),
		hit("p4", "docD", "copper coins are nearly worthless", 0, 0.8),
		hit("p5", "docE", "gold coin minting standards", 1, 0.75),
		hit("p6", "docF", "silver coin purity requirements", 1, 0.7),
	}}
	o := newTestOrchestrator(shared, nil)

	result, err := o.Retrieve(context.Background(), Request{Query: "compare gold and silver coins", TopK: 2})
	require.NoError(t, err)

	assert.Equal(t, QuestionComparative, result.Analysis.QuestionType)
	assert.True(t, result.Analysis.UseMMR())
	assert.Len(t, result.Passages, 2, "MMR truncates the widened budget back to TopK")
}

func TestOrchestratorExpandsModerateQueries(t *testing.T) {
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "the vault stores up to five hundred gold bars", 0, 0.9),
		hit("p2", "docB", "vault storage capacity records", 0, 0.8),
	}}
	gen := &fakeGenerator{output: "how many gold bars fit in the vault?\nwhat amount can the vault hold?"}
	o := newTestOrchestrator(shared, gen)

	result, err := o.Retrieve(context.Background(), Request{
		Query: "what is the storage capacity of the vault",
		TopK:  2,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Variants)
	assert.Equal(t, 1, gen.calls)
	require.Len(t, result.Passages, 2)
	// p1 ranks first in two of three variant lists, so fusion favors it
	assert.Equal(t, corpus.NamespaceShared+"p1", result.Passages[0].Passage.ID)
}

func TestOrchestratorGeneratorFailureDegradesGracefully(t *testing.T) {
	shared := &stubCorpus{hits: []corpus.Hit{
		hit("p1", "docA", "the vault stores up to five hundred gold bars", 0, 0.9),
	}}
	gen := &fakeGenerator{err: assertAnError}
	o := newTestOrchestrator(shared, gen)

	result, err := o.Retrieve(context.Background(), Request{
		Query: "what is the storage capacity of the vault",
		TopK:  2,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Variants)
	assert.Len(t, result.Passages, 1)
}

func TestOrchestratorEmptyQuerySkips(t *testing.T) {
	o := newTestOrchestrator(&stubCorpus{}, nil)

	result, err := o.Retrieve(context.Background(), Request{Query: "   "})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestOrchestratorAllSourcesFailing(t *testing.T) {
	shared := &stubCorpus{err: assertAnError}
	o := newTestOrchestrator(shared, nil)

	result, err := o.Retrieve(context.Background(), Request{Query: "gold coins", TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, result.Passages, "total source failure yields empty results, not an error")
}

func TestOrchestratorDefaultTopK(t *testing.T) {
	var hits []corpus.Hit
	for i := 0; i < 10; i++ {
		hits = append(hits, hit(
			string(rune('a'+i)), "doc"+string(rune('A'+i)),
			"gold coin ledger entry", i, 0.9))
	}
	o := newTestOrchestrator(&stubCorpus{hits: hits}, nil)

	result, err := o.Retrieve(context.Background(), Request{Query: "gold coin"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(result.Passages), DefaultTopK)
	assert.NotEmpty(t, result.Passages)
}
