package session

import (
	"encoding/json"
	"time"

	"github.com/fakeyudi/codexd/internal/analyzer"
)

// State is a session's position in the orchestrator state machine.
type State string

const (
	StateIdle          State = "idle"
	StateDiscovery     State = "discovery"
	StateInvestigating State = "investigating"
	StateSynthesizing  State = "synthesizing"
	StateAwaitingUser  State = "awaiting_user"
	StateTracking      State = "tracking"
	StateTerminated    State = "terminated"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// ToolStatus is the lifecycle status of a ToolCallEvent.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolSucceeded ToolStatus = "succeeded"
	ToolFailed    ToolStatus = "failed"
)

// Terminal reports whether s is Succeeded or Failed.
func (s ToolStatus) Terminal() bool {
	return s == ToolSucceeded || s == ToolFailed
}

// IssueStatus is the trend of a flagged issue across sessions.
type IssueStatus string

const (
	IssueOpen      IssueStatus = "open"
	IssueImproving IssueStatus = "improving"
	IssueResolved  IssueStatus = "resolved"
)

// Session is one analysis conversation about a repository.
type Session struct {
	ID           string             `json:"id"`
	RepoIdentity string             `json:"repo_identity"`
	CreatedAt    time.Time          `json:"created_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	State        State              `json:"state"`
	Messages     []Message          `json:"messages"`
	Findings     []analyzer.Finding `json:"findings"`
	ToolCalls    []ToolCallEvent    `json:"tool_calls"`
	Issues       []FlaggedIssue     `json:"issues"`
	// SelfAssessment is the user's own view of the project, if they gave one.
	SelfAssessment *SelfAssessment `json:"self_assessment,omitempty"`
}

// Closed reports whether the session has been completed.
func (s *Session) Closed() bool {
	return s.CompletedAt != nil
}

// Message is one entry of the session transcript. Seq shares its counter
// with ToolCallEvent.Seq.
type Message struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ToolCallEvent tracks one tool invocation. Seq is assigned when the call is
// created and does not change on status updates.
type ToolCallEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Status    ToolStatus      `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FlaggedIssue is a finding signature tracked across sessions of one
// repository.
type FlaggedIssue struct {
	ID               int64       `json:"id"`
	RepoIdentity     string      `json:"repo_identity"`
	Signature        string      `json:"signature"`
	Kind             string      `json:"kind"`
	FirstSeenSession string      `json:"first_seen_session"`
	LastSeenSession  string      `json:"last_seen_session"`
	OccurrenceCount  int         `json:"occurrence_count"`
	Status           IssueStatus `json:"status"`
	MetricKey        string      `json:"metric_key"`
	LatestMetric     float64     `json:"latest_metric"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Recurring reports whether the issue was seen in more than one session.
func (i FlaggedIssue) Recurring() bool {
	return i.OccurrenceCount > 1
}

// FixAttempt records something tried against a flagged issue.
type FixAttempt struct {
	ID           int64     `json:"id"`
	RepoIdentity string    `json:"repo_identity"`
	Signature    string    `json:"signature"`
	Description  string    `json:"description"`
	Outcome      string    `json:"outcome"`
	CreatedAt    time.Time `json:"created_at"`
}

// SelfAssessment is how the user rates their own project before seeing the
// findings, kept for comparison with what the analysis finds.
type SelfAssessment struct {
	// Rating is 1 to 10.
	Rating     int       `json:"rating"`
	Potential  string    `json:"potential,omitempty"`
	Reasoning  string    `json:"reasoning,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MinRating and MaxRating bound SelfAssessment.Rating.
const (
	MinRating = 1
	MaxRating = 10
)

// SessionSummary is a compact view of a stored session.
type SessionSummary struct {
	ID           string     `json:"id"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	State        State      `json:"state"`
	FindingCount int        `json:"finding_count"`
	MessageCount int        `json:"message_count"`
	Kinds        []string   `json:"kinds"`
}

// RepoContext seeds a new session with what earlier sessions learned.
type RepoContext struct {
	RepoIdentity string          `json:"repo_identity"`
	SessionCount int             `json:"session_count"`
	OpenIssues   []FlaggedIssue  `json:"open_issues"`
	LastSession  *SessionSummary `json:"last_session,omitempty"`
	RecentFixes  []FixAttempt    `json:"recent_fixes"`
}

// Empty reports whether the repository has no prior sessions.
func (c RepoContext) Empty() bool {
	return c.SessionCount == 0
}

// IssueFilter narrows an issue listing.
type IssueFilter struct {
	// Category is a case-insensitive substring of the signature.
	Category       string
	MinOccurrences int
}
