package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codexd/internal/session"
)

var (
	fixOutcome string
	fixList    bool
)

var fixCmd = &cobra.Command{
	Use:   "fix <signature> [description...]",
	Short: "Record an attempt to address a flagged issue, or list past attempts",
	Args:  cobra.MinimumNArgs(1),
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

		out := cmd.OutOrStdout()
		signature := args[0]
		if fixList {
			attempts, err := store.FixAttempts(ctx, repo, signature, 20)
			if err != nil {
				return err
			}
			if len(attempts) == 0 {
				fmt.Fprintf(out, "No fix attempts recorded for %s\n", signature)
			}
			for _, fa := range attempts {
				fmt.Fprintf(out, "%s  [%s]  %s\n", fa.CreatedAt.Local().Format(time.DateTime), fa.Outcome, fa.Description)
			}
			return nil
		}

		if len(args) < 2 {
			return fmt.Errorf("a description is required")
		}
		fa, err := store.RecordFixAttempt(ctx, session.FixAttempt{
			RepoIdentity: repo,
			Signature:    signature,
			Description:  strings.Join(args[1:], " "),
			Outcome:      fixOutcome,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Recorded fix attempt for %s (%s).\n", fa.Signature, fa.Outcome)
		return nil
	},
}

func init() {
	fixCmd.Flags().StringVar(&fixOutcome, "outcome", "", "result of the attempt (default untested)")
	fixCmd.Flags().BoolVar(&fixList, "list", false, "list recorded attempts instead of adding one")
	rootCmd.AddCommand(fixCmd)
}
