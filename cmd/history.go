package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past analysis sessions for the repository, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		repo, err := repoIdentity()
		if err != nil {
			return err
		}
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		sums, err := store.ScanHistory(ctx, repo, historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(sums) == 0 {
			fmt.Fprintf(out, "No sessions recorded for %s\n", repo)
			return nil
		}
		for _, s := range sums {
			kinds := strings.Join(s.Kinds, ", ")
			if kinds == "" {
				kinds = "-"
			}
			fmt.Fprintf(out, "%s  %s  %-13s  %d finding(s)  %d message(s)  %s\n",
				s.ID, s.CreatedAt.Local().Format(time.DateTime), s.State, s.FindingCount, s.MessageCount, kinds)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "maximum number of sessions to list")
	rootCmd.AddCommand(historyCmd)
}
