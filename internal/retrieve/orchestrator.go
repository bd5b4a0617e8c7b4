package retrieve

import (
	"context"
	"log/slog"
	"math"
	"strings"

	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/embed"
	"github.com/lorehaven/archivist/internal/rank"
)

// Orchestrator defaults.
const (
	// DefaultNumVariants is the total variant budget (original included)
	// used when query expansion triggers.
	DefaultNumVariants = 3

	// DefaultTopK applies when a request leaves TopK unset.
	DefaultTopK = 5
)

// OrchestratorConfig tunes the per-request pipeline.
type OrchestratorConfig struct {
	// NumVariants is the query-expansion budget, original included.
	NumVariants int

	// MMRLambda balances relevance against diversity for comparative
	// and analytical queries.
	MMRLambda float64

	// RRFConstant is the rank-fusion smoothing parameter.
	RRFConstant int
}

// DefaultOrchestratorConfig returns the default pipeline tuning.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		NumVariants: DefaultNumVariants,
		MMRLambda:   rank.DefaultMMRLambda,
		RRFConstant: rank.DefaultRRFConstant,
	}
}

// Request is one retrieval request.
type Request struct {
	Query string

	// ChannelID scopes memory retrieval. Empty skips memories.
	ChannelID string

	// TopK is the number of passages wanted. Zero means DefaultTopK.
	TopK int

	// Filter restricts retrieval to one document.
	Filter corpus.Filter
}

// Result is the outcome of one retrieval request.
type Result struct {
	// Passages is the final ranked list, at most TopK long. Empty when
	// retrieval was skipped or every source failed.
	Passages []*rank.ScoredPassage

	// Analysis is the query classification that drove the pipeline.
	Analysis Analysis

	// Skipped is true when classification bypassed retrieval entirely.
	Skipped bool

	// Variants is the number of query variants actually retrieved with.
	Variants int
}

// Orchestrator drives a request through classification, multi-stage
// retrieval, optional query expansion with rank fusion, and optional MMR
// diversification.
type Orchestrator struct {
	analyzer  *Analyzer
	embedder  embed.Embedder
	retriever *MultiStageRetriever
	variants  *VariantGenerator
	fusion    *rank.RRFFusion
	config    OrchestratorConfig
	logger    *slog.Logger
}

// NewOrchestrator wires the pipeline. variants may be nil to disable
// query expansion.
func NewOrchestrator(analyzer *Analyzer, embedder embed.Embedder, retriever *MultiStageRetriever, variants *VariantGenerator, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NumVariants < 1 {
		cfg.NumVariants = DefaultNumVariants
	}
	if cfg.MMRLambda <= 0 || cfg.MMRLambda > 1 {
		cfg.MMRLambda = rank.DefaultMMRLambda
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = rank.DefaultRRFConstant
	}
	return &Orchestrator{
		analyzer:  analyzer,
		embedder:  embedder,
		retriever: retriever,
		variants:  variants,
		fusion:    rank.NewRRFFusionWithK(cfg.RRFConstant),
		config:    cfg,
		logger:    logger,
	}
}

// Retrieve runs the request through the pipeline. Total retrieval failure
// yields an empty passage list; only embedding the original query can
// return an error.
func (o *Orchestrator) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if req.TopK <= 0 {
		req.TopK = DefaultTopK
	}

	analysis := o.analyzer.Analyze(req.Query)
	if strings.TrimSpace(req.Query) == "" || analysis.SkipRetrieval() {
		o.logger.Debug("retrieval skipped",
			slog.String("question_type", string(analysis.QuestionType)))
		return &Result{Analysis: analysis, Skipped: true, Passages: []*rank.ScoredPassage{}}, nil
	}

	// Widen the budget for query types that need broader coverage
	effectiveTopK := int(math.Ceil(float64(req.TopK) * analysis.TopKMultiplier()))

	queryEmbedding, err := o.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	candidates, variantCount := o.retrieveCandidates(ctx, req, analysis, queryEmbedding, effectiveTopK)

	if analysis.UseMMR() && len(candidates) > req.TopK {
		candidates = rank.MMRDiversify(candidates, queryEmbedding, o.config.MMRLambda, req.TopK)
	}
	if len(candidates) > req.TopK {
		candidates = candidates[:req.TopK]
	}

	o.logger.Debug("retrieval complete",
		slog.String("question_type", string(analysis.QuestionType)),
		slog.String("complexity", analysis.Complexity.String()),
		slog.Int("variants", variantCount),
		slog.Int("results", len(candidates)))

	return &Result{
		Passages: candidates,
		Analysis: analysis,
		Variants: variantCount,
	}, nil
}

// retrieveCandidates runs multi-stage retrieval, expanding the query into
// paraphrase variants and fusing per-variant result lists when the
// analysis asks for it.
func (o *Orchestrator) retrieveCandidates(ctx context.Context, req Request, analysis Analysis, queryEmbedding []float32, topK int) ([]*rank.ScoredPassage, int) {
	search := SearchRequest{
		Query:               req.Query,
		Embedding:           queryEmbedding,
		TopK:                topK,
		Filter:              req.Filter,
		ChannelID:           req.ChannelID,
		ReferencedDocuments: analysis.ReferencedDocuments,
	}

	if !analysis.ExpandQuery() || o.variants == nil {
		return o.retriever.Retrieve(ctx, search), 1
	}

	variants := o.variants.Generate(ctx, req.Query, o.config.NumVariants)
	if len(variants) <= 1 {
		return o.retriever.Retrieve(ctx, search), 1
	}

	lists := make([]rank.RankedList, 0, len(variants))
	for _, v := range variants {
		vSearch := search
		vSearch.Query = v.Text
		if !v.IsOriginal {
			emb, err := o.embedder.Embed(ctx, v.Text)
			if err != nil {
				o.logger.Debug("variant embedding failed, variant dropped",
					slog.String("variant", v.Text),
					slog.String("error", err.Error()))
				continue
			}
			vSearch.Embedding = emb
		}

		results := o.retriever.Retrieve(ctx, vSearch)
		if len(results) > 0 {
			lists = append(lists, rank.NewRankedList(results))
		}
	}

	if len(lists) == 0 {
		return []*rank.ScoredPassage{}, len(variants)
	}
	return o.fusion.Fuse(lists), len(variants)
}
