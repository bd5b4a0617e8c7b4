package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/rank"
	"github.com/lorehaven/archivist/internal/retrieve"
	"github.com/lorehaven/archivist/internal/ui"
)

func newSearchCmd() *cobra.Command {
	var (
		topK      int
		channelID string
		document  string
		keyword   bool
		hybrid    bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a retrieval query against the corpus",
		Long: `Search runs the full retrieval pipeline: query classification,
multi-source retrieval, hybrid ranking, and diversification. With
--hybrid it skips the orchestrator and ranks one semantic over-fetch
with the weighted semantic+BM25 combination. With --keyword it instead
queries the auxiliary keyword index directly, skipping embeddings
entirely.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, cleanup, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			query := joinArgs(args)
			renderer := ui.NewRenderer(cmd.OutOrStdout())
			start := time.Now()

			if keyword {
				if app.stores.Keyword == nil {
					return fmt.Errorf("keyword index is disabled; set corpus.keyword_index: true")
				}
				hits, err := app.stores.Keyword.Search(ctx, query, topK)
				if err != nil {
					return err
				}
				renderer.KeywordResults(hits, lookupPassages(ctx, app.stores, hits), time.Since(start))
				return nil
			}

			if hybrid {
				result, err := hybridSearch(ctx, app, query, topK, corpus.Filter{DocumentName: document})
				if err != nil {
					return err
				}
				renderer.Results(result, time.Since(start))
				return nil
			}

			result, err := app.orchestrator.Retrieve(ctx, retrieve.Request{
				Query:     query,
				ChannelID: channelID,
				TopK:      topK,
				Filter:    corpus.Filter{DocumentName: document},
			})
			if err != nil {
				return err
			}
			renderer.Results(result, time.Since(start))
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of passages to return (default from config)")
	cmd.Flags().StringVar(&channelID, "channel", "", "Channel id whose memories may be consulted")
	cmd.Flags().StringVar(&document, "document", "", "Restrict retrieval to one document by name")
	cmd.Flags().BoolVar(&keyword, "keyword", false, "Query the keyword index instead of the full pipeline")
	cmd.Flags().BoolVar(&hybrid, "hybrid", false, "Rank a single semantic over-fetch with the hybrid combination")

	return cmd
}

// hybridSearch bypasses the orchestrator: one semantic over-fetch from the
// document corpora, ranked by the weighted semantic+BM25 combination.
func hybridSearch(ctx context.Context, app *app, query string, topK int, filter corpus.Filter) (*retrieve.Result, error) {
	if topK <= 0 {
		topK = retrieve.DefaultTopK
	}
	fetchK := topK * app.cfg.Retrieval.OverfetchFactor
	if fetchK < topK {
		fetchK = topK
	}

	embedding, err := app.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var candidates []*corpus.Passage
	var semantic []float64
	for _, store := range []corpus.DocumentCorpus{app.stores.Shared, app.stores.Personal} {
		if store == nil {
			continue
		}
		hits, err := store.SimilaritySearch(ctx, embedding, fetchK, filter)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			candidates = append(candidates, h.Passage)
			semantic = append(semantic, h.Score)
		}
	}

	weights := rank.Weights{
		Semantic: app.cfg.Retrieval.SemanticWeight,
		Keyword:  app.cfg.Retrieval.KeywordWeight,
	}
	scored := rank.NewHybridRanker().Rank(query, candidates, semantic, weights, topK)
	return &retrieve.Result{Passages: scored, Variants: 1}, nil
}

func joinArgs(args []string) string {
	return strings.Join(args, " ")
}

// lookupPassages resolves keyword hits to passages for display. Passage ids
// embed their document id (documentID#position), so one corpus read per
// document suffices. Ids missing from both corpora render without a snippet.
func lookupPassages(ctx context.Context, stores *corpus.Stores, hits []corpus.KeywordHit) map[string]*corpus.Passage {
	passages := make(map[string]*corpus.Passage, len(hits))
	byDocument := make(map[string][]*corpus.Passage)

	for _, hit := range hits {
		i := strings.LastIndexByte(hit.ID, '#')
		if i < 0 {
			continue
		}
		documentID := hit.ID[:i]

		docPassages, ok := byDocument[documentID]
		if !ok {
			docPassages, _ = stores.Shared.PassagesForDocument(ctx, documentID)
			if len(docPassages) == 0 {
				docPassages, _ = stores.Personal.PassagesForDocument(ctx, documentID)
			}
			byDocument[documentID] = docPassages
		}
		for _, p := range docPassages {
			if p.ID == hit.ID {
				passages[hit.ID] = p
				break
			}
		}
	}
	return passages
}
