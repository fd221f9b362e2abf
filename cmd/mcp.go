package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fakeyudi/codexd/internal/collector"
	"github.com/fakeyudi/codexd/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve analysis and issue tracking as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		srv := mcpserver.NewServer(store, &collector.GitCollector{}, mcpserver.Options{
			Logger:   logger,
			Version:  version,
			Window:   cfg.Window,
			Analysis: cfg.Analysis,
		})
		logger.Info("mcp server listening on stdio")
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
