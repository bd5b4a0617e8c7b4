// Package cmd provides the CLI commands for archivist.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorehaven/archivist/internal/config"
	"github.com/lorehaven/archivist/internal/corpus"
	"github.com/lorehaven/archivist/internal/embed"
	"github.com/lorehaven/archivist/internal/ingest"
	"github.com/lorehaven/archivist/internal/llm"
	"github.com/lorehaven/archivist/internal/logging"
	"github.com/lorehaven/archivist/internal/retrieve"
	"github.com/lorehaven/archivist/pkg/version"
)

var debugMode bool

// NewRootCmd creates the root command for the archivist CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archivist",
		Short: "Retrieval pipeline over lore documents and channel memories",
		Long: `Archivist ingests lore documents, embeds them, and answers retrieval
queries with hybrid semantic + keyword ranking, query expansion, and
result diversification. It serves results over MCP for bot processes
and over this CLI for humans.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("archivist version {{.Version}}\n")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.archivist/logs/")

	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the CLI.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// app bundles the wired components every command needs.
type app struct {
	cfg          *config.Config
	logger       *slog.Logger
	embedder     embed.Embedder
	stores       *corpus.Stores
	ingester     *ingest.Ingester
	orchestrator *retrieve.Orchestrator
}

// buildApp loads configuration and wires the pipeline. The returned cleanup
// closes stores and flushes logs.
func buildApp(ctx context.Context) (*app, func(), error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Server.LogLevel
	if debugMode {
		logCfg = logging.DebugConfig()
	}
	logger, closeLogs, err := logging.Setup(logCfg)
	if err != nil {
		return nil, nil, err
	}

	embedder, err := embed.NewFromConfig(ctx, cfg.Embeddings, logger)
	if err != nil {
		closeLogs()
		return nil, nil, err
	}

	stores, err := corpus.Open(ctx, cfg.Corpus, embedder.Dimensions(), logger)
	if err != nil {
		_ = embedder.Close()
		closeLogs()
		return nil, nil, err
	}

	chunker := ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)
	ingester := ingest.NewIngester(stores.Shared, stores.Keyword, embedder, chunker, logger)
	ingester.Workers = cfg.Ingest.Workers

	generator := llm.NewOllamaGenerator(llm.Config{
		Host:    cfg.Embeddings.OllamaHost,
		Model:   cfg.Generator.Model,
		Timeout: parseDuration(cfg.Generator.Timeout, llm.DefaultTimeout),
	})

	retriever := retrieve.NewMultiStageRetriever(
		stores.Shared, stores.Personal, stores.Memories, stores.Keyword,
		retrieve.MultiStageConfig{
			OverfetchFactor:   cfg.Retrieval.OverfetchFactor,
			SourceTimeout:     parseDuration(cfg.Retrieval.SourceTimeout, 0),
			DiversityDivisor:  cfg.Retrieval.DiversityDivisor,
			MinResultsDivisor: cfg.Retrieval.MinResultsDivisor,
			MinCombinedScore:  cfg.Retrieval.MinCombinedScore,
		},
		logger,
	)

	orchestrator := retrieve.NewOrchestrator(
		retrieve.NewAnalyzer(),
		embedder,
		retriever,
		retrieve.NewVariantGenerator(generator, logger),
		retrieve.OrchestratorConfig{
			MMRLambda:   cfg.Retrieval.MMRLambda,
			RRFConstant: cfg.Retrieval.RRFConstant,
		},
		logger,
	)

	a := &app{
		cfg:          cfg,
		logger:       logger,
		embedder:     embedder,
		stores:       stores,
		ingester:     ingester,
		orchestrator: orchestrator,
	}
	cleanup := func() {
		if err := a.stores.Close(); err != nil {
			logger.Warn("closing stores", slog.String("error", err.Error()))
		}
		_ = a.embedder.Close()
		closeLogs()
	}
	return a, cleanup, nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
