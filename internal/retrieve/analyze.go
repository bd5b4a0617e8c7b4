// Package retrieve implements the retrieval pipeline: query analysis,
// paraphrase generation, multi-stage candidate retrieval with diversity
// filtering, and the orchestrator that ties them together.
package retrieve

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// QuestionType labels the intent of a query.
type QuestionType string

const (
	QuestionFactual     QuestionType = "factual"
	QuestionComparative QuestionType = "comparative"
	QuestionAnalytical  QuestionType = "analytical"
	QuestionCasual      QuestionType = "casual"
	QuestionAction      QuestionType = "action"
)

// Complexity grades how much retrieval effort a query deserves.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

// String returns the complexity label.
func (c Complexity) String() string {
	switch c {
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return "simple"
	}
}

// Analysis is the classification produced for one query.
type Analysis struct {
	QuestionType QuestionType
	Complexity   Complexity

	// ReferencedDocuments holds document names or ids the query mentions
	// explicitly, used for the document-relevance ranking signal.
	ReferencedDocuments []string
}

// SkipRetrieval reports whether the query should bypass retrieval entirely.
func (a Analysis) SkipRetrieval() bool {
	return a.QuestionType == QuestionCasual || a.QuestionType == QuestionAction
}

// UseMMR reports whether results should be diversified with MMR.
func (a Analysis) UseMMR() bool {
	return a.QuestionType == QuestionComparative || a.QuestionType == QuestionAnalytical
}

// ExpandQuery reports whether paraphrase expansion is worthwhile.
func (a Analysis) ExpandQuery() bool {
	return a.Complexity >= ComplexityModerate
}

// TopKMultiplier widens the retrieval budget for query types that need to
// cover more ground before diversification.
func (a Analysis) TopKMultiplier() float64 {
	switch a.QuestionType {
	case QuestionComparative:
		return 2.0
	case QuestionAnalytical:
		return 1.5
	default:
		return 1.0
	}
}

// Compiled patterns for query classification.
var (
	// Action commands: imperatives against bot-managed state
	actionPattern = regexp.MustCompile(`(?i)^[!/]|^(give|send|transfer|set|add|remove|use|equip|buy|sell|trade|drop)\b`)

	// Casual smalltalk and acknowledgements
	casualPattern = regexp.MustCompile(`(?i)^(hi|hiya|hello|hey|yo|sup|thanks|thank you|thx|ty|lol|lmao|ok|okay|nice|cool|good (morning|night|evening)|how are you|what'?s up)\b`)

	// Comparative markers
	comparativePattern = regexp.MustCompile(`(?i)\b(compare|versus|vs\.?|difference between|better than|worse than|compared (to|with)|which is (better|best|faster|cheaper))\b`)

	// Analytical markers: causes, mechanisms, implications
	analyticalPattern = regexp.MustCompile(`(?i)^(why|how|explain|analyze|analyse)\b|\b(why (does|do|is|are|did)|how (does|do|is|are|did)|what (causes|happens if|would happen)|impact of|relationship between|implications? of)\b`)

	// Explicit document references: quoted names and filename-like tokens
	quotedDocPattern   = regexp.MustCompile(`"([^"]{2,64})"|'([^']{2,64})'`)
	filenameDocPattern = regexp.MustCompile(`(?i)\b([\w\-]+\.(?:md|txt|pdf|docx?|html?|rst|csv))\b`)

	clausePattern = regexp.MustCompile(`(?i)\b(and|but|while|whereas|however|also)\b|[;,]`)
)

// DefaultAnalyzerCacheSize bounds the classification cache.
const DefaultAnalyzerCacheSize = 10000

// Analyzer classifies queries with pattern matching. Results are cached
// by normalized query text.
type Analyzer struct {
	cache *lru.Cache[string, Analysis]
}

// NewAnalyzer creates a query analyzer.
func NewAnalyzer() *Analyzer {
	cache, _ := lru.New[string, Analysis](DefaultAnalyzerCacheSize)
	return &Analyzer{cache: cache}
}

// Analyze classifies one query. It never fails: unmatched queries default
// to factual/simple.
func (a *Analyzer) Analyze(query string) Analysis {
	key := strings.ToLower(strings.TrimSpace(query))
	if key == "" {
		return Analysis{QuestionType: QuestionCasual, Complexity: ComplexitySimple}
	}

	if cached, ok := a.cache.Get(key); ok {
		return cached
	}

	result := Analysis{
		QuestionType:        classifyQuestion(query),
		Complexity:          classifyComplexity(query),
		ReferencedDocuments: extractReferencedDocuments(query),
	}

	a.cache.Add(key, result)
	return result
}

// classifyQuestion determines the question type. Action and casual
// detection run first since they short-circuit retrieval.
func classifyQuestion(query string) QuestionType {
	trimmed := strings.TrimSpace(query)

	if actionPattern.MatchString(trimmed) {
		return QuestionAction
	}
	if casualPattern.MatchString(trimmed) {
		// A casual opener followed by a real question is still a question
		if !strings.Contains(trimmed, "?") || len(strings.Fields(trimmed)) <= 4 {
			return QuestionCasual
		}
	}
	if comparativePattern.MatchString(trimmed) {
		return QuestionComparative
	}
	if analyticalPattern.MatchString(trimmed) {
		return QuestionAnalytical
	}
	return QuestionFactual
}

// classifyComplexity grades a query by length and clause structure.
func classifyComplexity(query string) Complexity {
	words := len(strings.Fields(query))
	clauses := len(clausePattern.FindAllString(query, -1))

	switch {
	case words >= 15 || clauses >= 2:
		return ComplexityComplex
	case words >= 6 || clauses >= 1:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}

// extractReferencedDocuments pulls quoted titles and filename-like tokens
// out of the query.
func extractReferencedDocuments(query string) []string {
	var refs []string
	seen := make(map[string]bool)

	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		key := strings.ToLower(ref)
		if !seen[key] {
			seen[key] = true
			refs = append(refs, ref)
		}
	}

	for _, m := range quotedDocPattern.FindAllStringSubmatch(query, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}
	for _, m := range filenameDocPattern.FindAllStringSubmatch(query, -1) {
		add(m[1])
	}

	return refs
}
