package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/report"
	"github.com/fakeyudi/codexd/internal/session"
)

// generateTranscript produces a transcript whose messages and tool calls
// share one shuffled sequence space.
func generateTranscript(t *rapid.T) *report.Transcript {
	sec := rapid.Int64Range(1_000_000_000, 1_700_000_000).Draw(t, "unix_sec")
	ts := time.Unix(sec, 0).UTC()

	nMsgs := rapid.IntRange(0, 6).Draw(t, "n_msgs")
	nCalls := rapid.IntRange(0, 6).Draw(t, "n_calls")
	seqs := rapid.Permutation(seqRange(nMsgs + nCalls)).Draw(t, "seqs")

	tr := &report.Transcript{
		Session: report.SessionMeta{
			ID:           rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "id"),
			RepoIdentity: "path:/src/widgets",
			State:        session.StateTerminated,
			CreatedAt:    ts,
		},
		Findings:  []analyzer.Finding{},
		ToolCalls: []session.ToolCallEvent{},
		Messages:  []session.Message{},
		Issues:    []session.FlaggedIssue{},
	}
	roles := []session.Role{session.RoleUser, session.RoleAgent, session.RoleSystem}
	for i := 0; i < nMsgs; i++ {
		tr.Messages = append(tr.Messages, session.Message{
			Seq:     seqs[i],
			Role:    rapid.SampledFrom(roles).Draw(t, "role"),
			Content: rapid.StringMatching(`[a-z ]{1,20}`).Draw(t, "content"),
		})
	}
	for i := 0; i < nCalls; i++ {
		tr.ToolCalls = append(tr.ToolCalls, session.ToolCallEvent{
			Seq:       seqs[nMsgs+i],
			Name:      "temporal_analysis",
			Status:    session.ToolSucceeded,
			CreatedAt: ts,
			UpdatedAt: ts,
		})
	}
	return tr
}

func seqRange(n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	return out
}

// Feature: codexd, Property 7: Plain view section order and transcript ordering
func TestPrintTranscriptOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := generateTranscript(t)
		var buf bytes.Buffer
		printTranscript(&buf, tr)
		out := buf.String()

		sections := []string{"## Summary", "## Findings", "## Transcript", "## Tracked Issues"}
		last := -1
		for _, s := range sections {
			idx := strings.Index(out, s)
			if idx < 0 {
				t.Fatalf("section %q missing", s)
			}
			if idx <= last {
				t.Fatalf("section %q out of order", s)
			}
			last = idx
		}

		entries := transcriptEntries(tr)
		if len(entries) != len(tr.Messages)+len(tr.ToolCalls) {
			t.Fatalf("got %d entries, want %d", len(entries), len(tr.Messages)+len(tr.ToolCalls))
		}
		for i := range entries {
			if entries[i].seq != int64(i+1) {
				t.Fatalf("entry %d has seq %d", i, entries[i].seq)
			}
		}
	})
}
