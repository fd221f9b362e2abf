// Package report turns a stored session into a renderable transcript.
package report

import (
	"time"

	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/session"
)

// Transcript is the complete, renderable representation of one session.
type Transcript struct {
	Session   SessionMeta             `json:"session"`
	Findings  []analyzer.Finding      `json:"findings"`
	ToolCalls []session.ToolCallEvent `json:"tool_calls"`
	Messages  []session.Message       `json:"messages"`
	Issues    []session.FlaggedIssue  `json:"issues"`
}

// SessionMeta holds summary metadata about the session.
type SessionMeta struct {
	ID           string        `json:"id"`
	RepoIdentity string        `json:"repo_identity"`
	State        session.State `json:"state"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     string        `json:"duration,omitempty"` // human-readable, e.g. "12m30s"

	SelfAssessment *session.SelfAssessment `json:"self_assessment,omitempty"`
}

// FromSession builds a Transcript. Nil slices become empty so every
// section is present in the output.
func FromSession(s *session.Session) *Transcript {
	meta := SessionMeta{
		ID:           s.ID,
		RepoIdentity: s.RepoIdentity,
		State:        s.State,
		CreatedAt:    s.CreatedAt,
		CompletedAt:  s.CompletedAt,

		SelfAssessment: s.SelfAssessment,
	}
	if s.CompletedAt != nil {
		meta.Duration = s.CompletedAt.Sub(s.CreatedAt).Round(time.Second).String()
	}
	t := &Transcript{
		Session:   meta,
		Findings:  s.Findings,
		ToolCalls: s.ToolCalls,
		Messages:  s.Messages,
		Issues:    s.Issues,
	}
	if t.Findings == nil {
		t.Findings = []analyzer.Finding{}
	}
	if t.ToolCalls == nil {
		t.ToolCalls = []session.ToolCallEvent{}
	}
	if t.Messages == nil {
		t.Messages = []session.Message{}
	}
	if t.Issues == nil {
		t.Issues = []session.FlaggedIssue{}
	}
	return t
}
