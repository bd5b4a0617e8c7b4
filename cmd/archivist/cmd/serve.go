package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lorehaven/archivist/internal/mcp"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve retrieval over MCP on stdio",
		Long: `Serve starts the MCP server on stdio, exposing the search_documents,
search_memories, and corpus_status tools. Logs go to file and stderr;
stdout belongs to the MCP transport.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, cleanup, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if t := app.cfg.Server.Transport; t != "" && t != "stdio" {
				return fmt.Errorf("unsupported transport %q", t)
			}

			server, err := mcp.NewServer(app.orchestrator, app.stores, app.embedder, app.logger)
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}
}
