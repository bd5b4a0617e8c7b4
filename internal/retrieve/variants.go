package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lorehaven/archivist/internal/llm"
)

// Variant is one retrieval query, either the user's original text or a
// generated paraphrase.
type Variant struct {
	Text       string
	IsOriginal bool
}

// Variant generation defaults.
const (
	// DefaultVariantCacheSize bounds the paraphrase cache.
	DefaultVariantCacheSize = 1000

	// DefaultVariantCacheTTL expires cached paraphrases. Paraphrase
	// quality is stable per query string, so staleness is acceptable.
	DefaultVariantCacheTTL = time.Hour

	// minVariantLength filters out degenerate generator output.
	minVariantLength = 10
)

const variantPrompt = `Rephrase the following question in %d different ways.
Keep the meaning identical. Output one rephrasing per line, nothing else.

Question: %s`

// VariantGenerator produces paraphrastic query variants via a text
// generator. Generation failures degrade to the original query only,
// never to an error.
type VariantGenerator struct {
	generator llm.TextGenerator
	cache     *expirable.LRU[string, []Variant]
	logger    *slog.Logger
}

// NewVariantGenerator creates a variant generator. The generator may be
// nil, in which case only the original query is ever returned.
func NewVariantGenerator(generator llm.TextGenerator, logger *slog.Logger) *VariantGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &VariantGenerator{
		generator: generator,
		cache:     expirable.NewLRU[string, []Variant](DefaultVariantCacheSize, nil, DefaultVariantCacheTTL),
		logger:    logger,
	}
}

// Generate returns up to numVariations query variants. The original query
// is always present and first. On generator failure or numVariations <= 1
// the result is just the original.
func (g *VariantGenerator) Generate(ctx context.Context, query string, numVariations int) []Variant {
	original := []Variant{{Text: query, IsOriginal: true}}

	if numVariations <= 1 || g.generator == nil {
		return original
	}

	cacheKey := strings.ToLower(strings.TrimSpace(query))
	if cached, ok := g.cache.Get(cacheKey); ok && len(cached) > 0 {
		return cached
	}

	prompt := fmt.Sprintf(variantPrompt, numVariations-1, query)
	output, err := g.generator.Generate(ctx, prompt)
	if err != nil {
		g.logger.Debug("paraphrase generation failed, using original query only",
			slog.String("error", err.Error()))
		return original
	}

	variants := original
	for _, line := range strings.Split(output, "\n") {
		if len(variants) >= numVariations {
			break
		}
		text := cleanVariantLine(line)
		if len(text) <= minVariantLength {
			continue
		}
		if strings.EqualFold(text, query) {
			continue
		}
		variants = append(variants, Variant{Text: text})
	}

	g.cache.Add(cacheKey, variants)
	return variants
}

// cleanVariantLine strips list markers and quotes the generator tends to
// emit around paraphrases.
func cleanVariantLine(line string) string {
	text := strings.TrimSpace(line)
	text = strings.TrimLeft(text, "-*•")
	// Numbered lists: "1. ", "2) "
	if i := strings.IndexAny(text, ".)"); i > 0 && i <= 2 {
		if isDigits(text[:i]) {
			text = text[i+1:]
		}
	}
	text = strings.Trim(text, `"' `)
	return strings.TrimSpace(text)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
