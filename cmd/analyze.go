package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/collector"
	"github.com/fakeyudi/codexd/internal/session"
)

var (
	analyzeJSON   bool
	analyzeRecord bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run every commit-pattern analysis once and print the results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		src := &collector.GitCollector{}
		res, err := src.Collect(ctx, repoPath, cfg.Window)
		if err != nil {
			return err
		}
		an := analyzer.New(cfg.Analysis)
		results := []analyzer.Result{
			an.Temporal(res.Commits),
			an.Language(res.Commits),
			an.MessageDiffMismatch(res.Commits),
			an.CommitmentBimodality(res.Commits),
		}

		var sessionID string
		if analyzeRecord {
			if sessionID, err = recordAnalysis(cmd, results); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		if analyzeJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				SessionID string            `json:"session_id,omitempty"`
				Commits   int               `json:"commits"`
				Warnings  []string          `json:"warnings,omitempty"`
				Results   []analyzer.Result `json:"results"`
			}{sessionID, len(res.Commits), res.Warnings, results})
		}

		fmt.Fprintf(out, "Analyzed %d commit(s) in %s\n", len(res.Commits), repoPath)
		for _, w := range res.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
		for _, r := range results {
			printResult(out, r)
		}
		if sessionID != "" {
			fmt.Fprintf(out, "\nRecorded as session %s\n", sessionID)
		}
		return nil
	},
}

// recordAnalysis stores the findings in a new, immediately completed session.
func recordAnalysis(cmd *cobra.Command, results []analyzer.Result) (string, error) {
	ctx := cmd.Context()
	repo, err := repoIdentity()
	if err != nil {
		return "", err
	}
	store, err := openStore(ctx)
	if err != nil {
		return "", err
	}
	defer store.Close()

	sess, err := store.CreateSession(ctx, repo)
	if err != nil {
		return "", err
	}
	var findings []analyzer.Finding
	for _, r := range results {
		if r.Finding != nil {
			findings = append(findings, *r.Finding)
		}
	}
	if len(findings) > 0 {
		if err := store.AppendFindings(ctx, sess.ID, findings); err != nil {
			return "", err
		}
	}
	if err := store.CompleteSession(ctx, sess.ID, session.StateTerminated); err != nil {
		return "", err
	}
	logger.Info("analysis recorded", zap.String("session_id", sess.ID), zap.Int("findings", len(findings)))
	return sess.ID, nil
}

func printResult(w io.Writer, r analyzer.Result) {
	fmt.Fprintf(w, "\n## %s\n", r.Kind)
	if r.Finding != nil {
		fmt.Fprintf(w, "  finding: severity %.2f\n", r.Finding.Severity)
		printValues(w, "  ", r.Finding.Evidence)
	} else {
		fmt.Fprintln(w, "  no finding")
		printValues(w, "  ", r.Metrics)
	}
	if r.Note != "" {
		fmt.Fprintf(w, "  note: %s\n", r.Note)
	}
}

func printValues(w io.Writer, prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			fmt.Fprintf(w, "%s%s: %.3g\n", prefix, k, v)
		default:
			fmt.Fprintf(w, "%s%s: %v\n", prefix, k, v)
		}
	}
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print results as JSON")
	analyzeCmd.Flags().BoolVar(&analyzeRecord, "record", false, "store the findings as a completed session")
	rootCmd.AddCommand(analyzeCmd)
}
