package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codexd/internal/session"
)

var (
	issuesCategory  string
	issuesRecurring bool
	issuesMin       int
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List issues flagged for the repository",
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

		var issues []session.FlaggedIssue
		if issuesRecurring {
			issues, err = store.RecurringIssues(ctx, repo, issuesCategory)
		} else {
			issues, err = store.Issues(ctx, repo, session.IssueFilter{Category: issuesCategory, MinOccurrences: issuesMin})
		}
		if err != nil {
			return err
		}
		printIssues(cmd.OutOrStdout(), issues)
		return nil
	},
}

func printIssues(w io.Writer, issues []session.FlaggedIssue) {
	if len(issues) == 0 {
		fmt.Fprintln(w, "No flagged issues.")
		return
	}
	for _, i := range issues {
		fmt.Fprintf(w, "%-10s  x%-3d  %s\n", i.Status, i.OccurrenceCount, i.Signature)
		if i.MetricKey != "" {
			fmt.Fprintf(w, "            %s = %.3g (last seen in %s)\n", i.MetricKey, i.LatestMetric, i.LastSeenSession)
		}
	}
}

func init() {
	issuesCmd.Flags().StringVar(&issuesCategory, "category", "", "only issues whose signature contains this text")
	issuesCmd.Flags().BoolVar(&issuesRecurring, "recurring", false, "only issues seen in more than one session")
	issuesCmd.Flags().IntVar(&issuesMin, "min-occurrences", 0, "only issues seen at least this many times")
	rootCmd.AddCommand(issuesCmd)
}
