package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ToolName is one of the tools an agent may ask the client to run.
type ToolName string

const (
	ToolTemporalAnalysis     ToolName = "temporal_analysis"
	ToolLanguageAnalysis     ToolName = "language_analysis"
	ToolMessageDiffMismatch  ToolName = "message_diff_mismatch"
	ToolCommitmentBimodality ToolName = "commitment_bimodality"
	ToolRepoContext          ToolName = "repo_context"
	ToolRecurringIssues      ToolName = "recurring_issues"
	ToolFlagIssue            ToolName = "flag_issue"
)

// AnalysisTools are run for every investigation, in this order.
var AnalysisTools = []ToolName{
	ToolTemporalAnalysis,
	ToolLanguageAnalysis,
	ToolMessageDiffMismatch,
	ToolCommitmentBimodality,
}

// ToolCall is a validated tool invocation. The set of implementations is
// closed; use a type switch to dispatch.
type ToolCall interface {
	Tool() ToolName
	isToolCall()
}

// TemporalAnalysis re-runs the working-hours analysis.
type TemporalAnalysis struct{}

// LanguageAnalysis re-runs the commit message language analysis.
type LanguageAnalysis struct{}

// MessageDiffMismatch re-runs the mismatch analysis, optionally with a
// different line threshold.
type MessageDiffMismatch struct {
	LineThreshold int `json:"line_threshold,omitempty"`
}

// CommitmentBimodality re-runs the change-size analysis.
type CommitmentBimodality struct{}

// RepoContextCall asks for the repository's longitudinal context.
type RepoContextCall struct{}

// RecurringIssues lists issues seen in more than one session.
type RecurringIssues struct {
	Category string `json:"category,omitempty"`
}

// FlagIssue asks the client to track a finding across sessions.
type FlagIssue struct {
	Kind     string         `json:"kind"`
	Severity float64        `json:"severity,omitempty"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

func (TemporalAnalysis) Tool() ToolName     { return ToolTemporalAnalysis }
func (LanguageAnalysis) Tool() ToolName     { return ToolLanguageAnalysis }
func (MessageDiffMismatch) Tool() ToolName  { return ToolMessageDiffMismatch }
func (CommitmentBimodality) Tool() ToolName { return ToolCommitmentBimodality }
func (RepoContextCall) Tool() ToolName      { return ToolRepoContext }
func (RecurringIssues) Tool() ToolName      { return ToolRecurringIssues }
func (FlagIssue) Tool() ToolName            { return ToolFlagIssue }

func (TemporalAnalysis) isToolCall()     {}
func (LanguageAnalysis) isToolCall()     {}
func (MessageDiffMismatch) isToolCall()  {}
func (CommitmentBimodality) isToolCall() {}
func (RepoContextCall) isToolCall()      {}
func (RecurringIssues) isToolCall()      {}
func (FlagIssue) isToolCall()            {}

// ParseToolCall validates name against the closed tool set and decodes its
// arguments strictly. Unknown names fail with ErrUnknownTool; bad arguments
// fail with ErrProtocolViolation.
func ParseToolCall(name string, args json.RawMessage) (ToolCall, error) {
	var call ToolCall
	var err error
	switch ToolName(name) {
	case ToolTemporalAnalysis:
		call, err = decodeArgs[TemporalAnalysis](args)
	case ToolLanguageAnalysis:
		call, err = decodeArgs[LanguageAnalysis](args)
	case ToolMessageDiffMismatch:
		var c MessageDiffMismatch
		if c, err = decodeArgs[MessageDiffMismatch](args); err == nil && c.LineThreshold < 0 {
			err = errors.New("line_threshold must not be negative")
		}
		call = c
	case ToolCommitmentBimodality:
		call, err = decodeArgs[CommitmentBimodality](args)
	case ToolRepoContext:
		call, err = decodeArgs[RepoContextCall](args)
	case ToolRecurringIssues:
		call, err = decodeArgs[RecurringIssues](args)
	case ToolFlagIssue:
		var c FlagIssue
		if c, err = decodeArgs[FlagIssue](args); err == nil && c.Kind == "" {
			err = errors.New("kind is required")
		}
		call = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s arguments: %v", ErrProtocolViolation, name, err)
	}
	return call, nil
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return v, errors.New("trailing data after arguments")
	}
	return v, nil
}
