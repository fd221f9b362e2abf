package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/codexd/internal/report"
	"github.com/fakeyudi/codexd/internal/session"
	"github.com/fakeyudi/codexd/internal/tui"
)

var plainOutput bool

var viewCmd = &cobra.Command{
	Use:   "view <session-id|file>",
	Short: "View a stored session or an exported transcript file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arg := args[0]

		var t *report.Transcript
		data, err := os.ReadFile(arg)
		switch {
		case err == nil:
			if t, err = report.Detect(data).Parse(data); err != nil {
				return err
			}
		case errors.Is(err, fs.ErrNotExist):
			if t, err = loadTranscript(cmd.Context(), arg); err != nil {
				if errors.Is(err, session.ErrSessionNotFound) {
					return fmt.Errorf("no session or file named %s", arg)
				}
				return err
			}
		default:
			return err
		}

		if plainOutput {
			printTranscript(cmd.OutOrStdout(), t)
			return nil
		}
		return tui.Run(t, arg)
	},
}

// printTranscript writes a plain-text rendering of t.
func printTranscript(w io.Writer, t *report.Transcript) {
	fmt.Fprintln(w, "## Summary")
	fmt.Fprintf(w, "  Session:   %s\n", t.Session.ID)
	fmt.Fprintf(w, "  Repo:      %s\n", t.Session.RepoIdentity)
	fmt.Fprintf(w, "  State:     %s\n", t.Session.State)
	fmt.Fprintf(w, "  Started:   %s\n", t.Session.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if t.Session.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", t.Session.CompletedAt.Format("2006-01-02 15:04:05 MST"))
		fmt.Fprintf(w, "  Duration:  %s\n", t.Session.Duration)
	}
	if a := t.Session.SelfAssessment; a != nil {
		fmt.Fprintf(w, "  Rating:    %d/10\n", a.Rating)
		if a.Potential != "" {
			fmt.Fprintf(w, "  Potential: %s\n", a.Potential)
		}
		if a.Reasoning != "" {
			fmt.Fprintf(w, "  Concerns:  %s\n", a.Reasoning)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Findings")
	if len(t.Findings) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for i, f := range t.Findings {
		fmt.Fprintf(w, "  %d. %s (severity %.2f)\n", i+1, f.Kind, f.Severity)
		printValues(w, "     ", f.Evidence)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Transcript")
	entries := transcriptEntries(t)
	if len(entries) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, e := range entries {
		fmt.Fprintf(w, "  %3d  %s\n", e.seq, indent(e.text, "       "))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Tracked Issues")
	if len(t.Issues) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, i := range t.Issues {
		fmt.Fprintf(w, "  %s  x%d  %s\n", i.Status, i.OccurrenceCount, i.Signature)
	}
	fmt.Fprintln(w)
}

type entry struct {
	seq  int64
	text string
}

// transcriptEntries interleaves messages and tool calls by sequence number.
func transcriptEntries(t *report.Transcript) []entry {
	entries := make([]entry, 0, len(t.Messages)+len(t.ToolCalls))
	for _, m := range t.Messages {
		entries = append(entries, entry{m.Seq, fmt.Sprintf("[%s] %s", m.Role, m.Content)})
	}
	for _, tc := range t.ToolCalls {
		text := fmt.Sprintf("[tool] %s %s (%s)", tc.Name, tc.Status, tc.UpdatedAt.Sub(tc.CreatedAt).Round(time.Millisecond))
		if tc.Error != "" {
			text += ": " + tc.Error
		}
		entries = append(entries, entry{tc.Seq, text})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] != "" {
			lines[i] = prefix + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

func init() {
	viewCmd.Flags().BoolVar(&plainOutput, "plain", false, "plain text output instead of TUI")
	rootCmd.AddCommand(viewCmd)
}
