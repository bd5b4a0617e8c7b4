package retrieve

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGenerator returns canned output and counts calls.
type fakeGenerator struct {
	output string
	err    error
	calls  int
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.output, f.err
}

func (f *fakeGenerator) Available(ctx context.Context) bool { return f.err == nil }

func TestVariantGeneratorOriginalFirst(t *testing.T) {
	gen := &fakeGenerator{output: "where can I find the gold price listings?\nhow much does gold currently cost?"}
	g := NewVariantGenerator(gen, nil)

	variants := g.Generate(context.Background(), "what is the price of gold", 3)
	require.Len(t, variants, 3)

	assert.True(t, variants[0].IsOriginal)
	assert.Equal(t, "what is the price of gold", variants[0].Text)
	assert.False(t, variants[1].IsOriginal)
	assert.False(t, variants[2].IsOriginal)
}

func TestVariantGeneratorStripsListMarkers(t *testing.T) {
	gen := &fakeGenerator{output: "1. where can I find the gold price?\n- \"how much does gold cost today?\""}
	g := NewVariantGenerator(gen, nil)

	variants := g.Generate(context.Background(), "what is the price of gold", 3)
	require.Len(t, variants, 3)
	assert.Equal(t, "where can I find the gold price?", variants[1].Text)
	assert.Equal(t, "how much does gold cost today?", variants[2].Text)
}

func TestVariantGeneratorFiltersShortLines(t *testing.T) {
	gen := &fakeGenerator{output: "ok\nyes\nwhere can I find the gold price listings?"}
	g := NewVariantGenerator(gen, nil)

	variants := g.Generate(context.Background(), "what is the price of gold", 4)
	require.Len(t, variants, 2)
	assert.Equal(t, "where can I find the gold price listings?", variants[1].Text)
}

func TestVariantGeneratorFailureFallsBack(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("connection refused")}
	g := NewVariantGenerator(gen, nil)

	variants := g.Generate(context.Background(), "what is the price of gold", 3)
	require.Len(t, variants, 1)
	assert.True(t, variants[0].IsOriginal)
}

func TestVariantGeneratorSingleVariantSkipsGenerator(t *testing.T) {
	gen := &fakeGenerator{output: "unused"}
	g := NewVariantGenerator(gen, nil)

	variants := g.Generate(context.Background(), "what is the price of gold", 1)
	require.Len(t, variants, 1)
	assert.Zero(t, gen.calls)
}

func TestVariantGeneratorNilGenerator(t *testing.T) {
	g := NewVariantGenerator(nil, nil)

	variants := g.Generate(context.Background(), "what is the price of gold", 3)
	require.Len(t, variants, 1)
	assert.True(t, variants[0].IsOriginal)
}

func TestVariantGeneratorCaches(t *testing.T) {
	gen := &fakeGenerator{output: "where can I find the gold price listings?"}
	g := NewVariantGenerator(gen, nil)

	first := g.Generate(context.Background(), "what is the price of gold", 2)
	second := g.Generate(context.Background(), "What is the price of GOLD", 2)

	assert.Equal(t, 1, gen.calls, "second call should hit the cache")
	assert.Equal(t, first, second)
}

func TestVariantGeneratorDropsEcho(t *testing.T) {
	// Generator echoing the original query back must not duplicate it
	gen := &fakeGenerator{output: "what is the price of gold\nwhere can I find the gold price?"}
	g := NewVariantGenerator(gen, nil)

	variants := g.Generate(context.Background(), "what is the price of gold", 3)
	require.Len(t, variants, 2)
	assert.Equal(t, "where can I find the gold price?", variants[1].Text)
}
