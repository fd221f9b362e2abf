package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codexd/internal/collector"
)

var (
	summaryCommits int
	summaryJSON    bool
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Describe the repository: branch, latest commit, contributors and file types",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := collector.Summarize(cmd.Context(), repoPath, summaryCommits)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if summaryJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		}
		printSummary(out, sum)
		return nil
	},
}

func printSummary(w io.Writer, sum collector.ProjectSummary) {
	branch := sum.Branch
	if branch == "" {
		branch = "(detached HEAD)"
	}
	fmt.Fprintf(w, "Branch:  %s\n", branch)
	if l := sum.Latest; l != nil {
		fmt.Fprintf(w, "Latest:  %s %s (%s, %s)\n", l.Hash, l.Subject, l.Author, l.Date.Local().Format(time.DateTime))
	}

	fmt.Fprintf(w, "\nContributors over the last %d commit(s):\n", sum.CommitsScanned)
	for _, kv := range byCount(sum.Contributors) {
		fmt.Fprintf(w, "  %-24s %d\n", kv.key, kv.n)
	}

	fmt.Fprintln(w, "\nFile types:")
	if len(sum.FileTypes) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, kv := range byCount(sum.FileTypes) {
		fmt.Fprintf(w, "  %-24s %d\n", kv.key, kv.n)
	}
}

type counted struct {
	key string
	n   int
}

// byCount orders m by descending count, then key.
func byCount(m map[string]int) []counted {
	out := make([]counted, 0, len(m))
	for k, n := range m {
		out = append(out, counted{k, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	return out
}

func init() {
	summaryCmd.Flags().IntVarP(&summaryCommits, "commits", "n", collector.DefaultSummaryCommits, "number of recent commits to count contributors over")
	summaryCmd.Flags().BoolVar(&summaryJSON, "json", false, "print the summary as JSON")
	rootCmd.AddCommand(summaryCmd)
}
