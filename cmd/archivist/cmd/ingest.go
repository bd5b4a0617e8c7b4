package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorehaven/archivist/internal/ingest"
	"github.com/lorehaven/archivist/internal/ui"
)

func newIngestCmd() *cobra.Command {
	var (
		personal bool
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Ingest a document or directory into the corpus",
		Long: `Ingest chunks the given markdown or text file (or every supported file
under the given directory), embeds the chunks, and stores them. With
--watch it keeps running and re-ingests files as they change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, cleanup, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			ingester := app.ingester
			if personal {
				ingester = ingest.NewIngester(
					app.stores.Personal, app.stores.Keyword, app.embedder,
					ingest.NewChunker(app.cfg.Ingest.ChunkSize, app.cfg.Ingest.ChunkOverlap),
					app.logger,
				)
				ingester.Workers = app.cfg.Ingest.Workers
			}

			renderer := ui.NewRenderer(cmd.OutOrStdout())
			path := args[0]

			info, err := os.Stat(path)
			if err != nil {
				return err
			}

			start := time.Now()
			var total int
			if info.IsDir() {
				total, err = ingester.IngestDir(ctx, path)
			} else {
				total, err = ingester.IngestFile(ctx, path)
			}
			if err != nil {
				return err
			}
			renderer.Summary("Ingested %d passages in %s", total, time.Since(start).Round(time.Millisecond))

			if !watch {
				return nil
			}
			if !info.IsDir() {
				return fmt.Errorf("--watch requires a directory")
			}

			watcher := ingest.NewWatcher(ingester, parseDuration(app.cfg.Ingest.WatchDebounce, 0), app.logger)
			return watcher.Start(ctx, path)
		},
	}

	cmd.Flags().BoolVar(&personal, "personal", false, "Ingest into the personal corpus instead of the shared one")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep watching the directory and re-ingest on change")

	return cmd
}
