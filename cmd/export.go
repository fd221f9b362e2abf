package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codexd/internal/report"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Render a stored session as a JSON or Markdown transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format := exportFormat
		if format == "" {
			format = cfg.Export.Format
		}
		renderer, err := report.ForFormat(format)
		if err != nil {
			return err
		}
		t, err := loadTranscript(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		data, err := renderer.Render(t)
		if err != nil {
			return fmt.Errorf("render transcript: %w", err)
		}

		if exportOutput == "" || exportOutput == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
			return fmt.Errorf("write output file: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Transcript written to %s\n", exportOutput)
		return nil
	},
}

// loadTranscript reads a session from the store.
func loadTranscript(ctx context.Context, sessionID string) (*report.Transcript, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	s, err := store.LoadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return report.FromSession(s), nil
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "", "json or markdown (default export.format)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to this file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
