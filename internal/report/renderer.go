package report

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fakeyudi/codexd/internal/session"
)

// Renderer serializes a Transcript to bytes.
type Renderer interface {
	Render(t *Transcript) ([]byte, error)
}

// ForFormat returns the renderer for "json" or "markdown".
func ForFormat(format string) (Renderer, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONRenderer{}, nil
	case "markdown", "md":
		return &MarkdownRenderer{}, nil
	}
	return nil, fmt.Errorf("unknown format %q: use json or markdown", format)
}

// JSONRenderer renders a Transcript as indented JSON.
type JSONRenderer struct{}

func (r *JSONRenderer) Render(t *Transcript) ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// MarkdownRenderer renders a Transcript as human-readable Markdown with
// an embedded base64 JSON payload for lossless round-trip parsing.
type MarkdownRenderer struct{}

const (
	versionSentinel = "<!-- codexd-transcript-version: 1 -->"
	dataPrefix      = "<!-- codexd-data: "
	dataSuffix      = " -->"
	timeLayout      = "2006-01-02 15:04:05"
)

func (r *MarkdownRenderer) Render(t *Transcript) ([]byte, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(jsonBytes)

	var sb strings.Builder

	sb.WriteString(versionSentinel + "\n")
	fmt.Fprintf(&sb, "%s%s%s\n\n", dataPrefix, encoded, dataSuffix)

	fmt.Fprintf(&sb, "# Session %s: %s\n\n", t.Session.ID, t.Session.RepoIdentity)

	// ## Summary
	sb.WriteString("## Summary\n\n")
	fmt.Fprintf(&sb, "- State: %s\n", t.Session.State)
	fmt.Fprintf(&sb, "- Started: %s\n", t.Session.CreatedAt.Format(timeLayout))
	if t.Session.CompletedAt != nil {
		fmt.Fprintf(&sb, "- Completed: %s (%s)\n", t.Session.CompletedAt.Format(timeLayout), t.Session.Duration)
	}
	fmt.Fprintf(&sb, "- Findings: %d\n", len(t.Findings))
	fmt.Fprintf(&sb, "- Messages: %d\n", len(t.Messages))
	if a := t.Session.SelfAssessment; a != nil {
		fmt.Fprintf(&sb, "- Self-rating: %d/10\n", a.Rating)
		if a.Potential != "" {
			fmt.Fprintf(&sb, "- Potential: %s\n", a.Potential)
		}
		if a.Reasoning != "" {
			fmt.Fprintf(&sb, "- Concerns: %s\n", a.Reasoning)
		}
	}
	sb.WriteString("\n")

	// ## Findings
	sb.WriteString("## Findings\n\n")
	if len(t.Findings) == 0 {
		sb.WriteString("_No patterns detected._\n")
	} else {
		for _, f := range t.Findings {
			fmt.Fprintf(&sb, "### %s (severity %.2f)\n\n", f.Kind, f.Severity)
			keys := make([]string, 0, len(f.Evidence))
			for k := range f.Evidence {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&sb, "- %s: %v\n", k, f.Evidence[k])
			}
			if len(f.Commits) > 0 {
				fmt.Fprintf(&sb, "- commits: %d supporting\n", len(f.Commits))
			}
			sb.WriteString("\n")
		}
	}

	// ## Tool Calls
	sb.WriteString("## Tool Calls\n\n")
	if len(t.ToolCalls) == 0 {
		sb.WriteString("_No tool calls recorded._\n")
	} else {
		sb.WriteString("| Seq | Tool | Status | Error |\n")
		sb.WriteString("|-----|------|--------|-------|\n")
		for _, tc := range t.ToolCalls {
			fmt.Fprintf(&sb, "| %d | %s | %s | %s |\n", tc.Seq, tc.Name, tc.Status, tableCell(tc.Error))
		}
	}
	sb.WriteString("\n")

	// ## Transcript
	sb.WriteString("## Transcript\n\n")
	if len(t.Messages) == 0 {
		sb.WriteString("_No messages._\n")
	} else {
		for _, m := range t.Messages {
			if m.Role == session.RoleSystem {
				fmt.Fprintf(&sb, "> _%s_\n\n", m.Content)
				continue
			}
			fmt.Fprintf(&sb, "**%s** (%s):\n\n%s\n\n", m.Role, m.CreatedAt.Format(timeLayout), m.Content)
		}
	}

	// ## Tracked Issues
	sb.WriteString("## Tracked Issues\n\n")
	if len(t.Issues) == 0 {
		sb.WriteString("_No issues tracked in this session._\n")
	} else {
		for _, is := range t.Issues {
			fmt.Fprintf(&sb, "- `%s`: %s, seen in %d session(s)\n", is.Signature, is.Status, is.OccurrenceCount)
		}
	}
	sb.WriteString("\n")

	return []byte(sb.String()), nil
}

func tableCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
