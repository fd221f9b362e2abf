// Package mcpserver exposes commit analysis and the longitudinal store as
// MCP tools for coding assistants.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/collector"
	"github.com/fakeyudi/codexd/internal/session"
)

// Options configures a Server. Zero values select defaults.
type Options struct {
	Logger   *zap.Logger
	Version  string
	Window   collector.Window
	Analysis analyzer.Config
	// Identify resolves a repository path to its identity. Defaults to
	// collector.Identity.
	Identify func(repoPath string) (string, error)
	// Summarize builds a project overview. Defaults to collector.Summarize.
	Summarize func(ctx context.Context, repoPath string, maxCount int) (collector.ProjectSummary, error)
}

// Server wraps the store and analyzer and serves them over MCP.
type Server struct {
	server   *gomcp.Server
	store    session.Store
	source   collector.Source
	analyzer *analyzer.Analyzer
	window   collector.Window
	identify  func(string) (string, error)
	summarize func(context.Context, string, int) (collector.ProjectSummary, error)
	logger    *zap.Logger

	mu sync.Mutex
	// open maps repository identity to the session this server records
	// findings and flags into.
	open map[string]string
}

// NewServer registers every tool on a fresh MCP server.
func NewServer(store session.Store, source collector.Source, opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Window == (collector.Window{}) {
		opts.Window = collector.DefaultWindow()
	}
	if opts.Identify == nil {
		opts.Identify = collector.Identity
	}
	if opts.Summarize == nil {
		opts.Summarize = collector.Summarize
	}

	s := &Server{
		store:    store,
		source:   source,
		analyzer: analyzer.New(opts.Analysis),
		window:   opts.Window,
		identify:  opts.Identify,
		summarize: opts.Summarize,
		logger:   opts.Logger.Named("mcp"),
		open:     make(map[string]string),
	}
	s.server = gomcp.NewServer(&gomcp.Implementation{Name: "codexd", Version: opts.Version}, nil)
	s.registerTools()
	return s
}

// Run serves on stdio until the client disconnects or ctx is cancelled.
// Sessions opened while serving are completed before Run returns.
func (s *Server) Run(ctx context.Context) error {
	err := s.server.Run(ctx, &gomcp.StdioTransport{})
	s.Close(context.WithoutCancel(ctx))
	return err
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// Close completes every session this server opened.
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	open := s.open
	s.open = make(map[string]string)
	s.mu.Unlock()

	for repo, id := range open {
		if err := s.store.CompleteSession(ctx, id, session.StateTerminated); err != nil {
			s.logger.Warn("failed to complete session", zap.String("repo", repo), zap.String("session_id", id), zap.Error(err))
		}
	}
}

// --- Tool input/output types ---

type analyzeInput struct {
	RepoPath   string `json:"repo_path" jsonschema:"path to a local git repository"`
	MaxCount   int    `json:"max_count,omitempty" jsonschema:"maximum number of commits to read (default 50)"`
	MaxAgeDays int    `json:"max_age_days,omitempty" jsonschema:"ignore commits older than this many days (default 180)"`
}

type findingOutput struct {
	Kind     string         `json:"kind"`
	Severity float64        `json:"severity"`
	Evidence map[string]any `json:"evidence"`
	Commits  []string       `json:"commits"`
}

type resultOutput struct {
	Kind     string         `json:"kind"`
	Finding  *findingOutput `json:"finding,omitempty"`
	Metrics  map[string]any `json:"metrics"`
	Excluded int            `json:"excluded,omitempty"`
	Note     string         `json:"note,omitempty"`
}

type analyzeOutput struct {
	SessionID    string         `json:"session_id"`
	RepoIdentity string         `json:"repo_identity"`
	CommitCount  int            `json:"commit_count"`
	Warnings     []string       `json:"warnings,omitempty"`
	Results      []resultOutput `json:"results"`
}

type repoInput struct {
	RepoPath string `json:"repo_path" jsonschema:"path to a local git repository"`
}

type issueOutput struct {
	Signature        string  `json:"signature"`
	Kind             string  `json:"kind"`
	Status           string  `json:"status"`
	OccurrenceCount  int     `json:"occurrence_count"`
	FirstSeenSession string  `json:"first_seen_session"`
	LastSeenSession  string  `json:"last_seen_session"`
	MetricKey        string  `json:"metric_key"`
	LatestMetric     float64 `json:"latest_metric"`
	UpdatedAt        string  `json:"updated_at"`
}

type fixOutput struct {
	Signature   string `json:"signature"`
	Description string `json:"description"`
	Outcome     string `json:"outcome"`
	CreatedAt   string `json:"created_at"`
}

type summaryOutput struct {
	SessionID    string   `json:"session_id"`
	State        string   `json:"state"`
	CreatedAt    string   `json:"created_at"`
	CompletedAt  string   `json:"completed_at,omitempty"`
	FindingCount int      `json:"finding_count"`
	MessageCount int      `json:"message_count"`
	Kinds        []string `json:"kinds"`
}

type repoContextOutput struct {
	RepoIdentity string         `json:"repo_identity"`
	SessionCount int            `json:"session_count"`
	OpenIssues   []issueOutput  `json:"open_issues"`
	LastSession  *summaryOutput `json:"last_session,omitempty"`
	RecentFixes  []fixOutput    `json:"recent_fixes"`
}

type flagInput struct {
	RepoPath string         `json:"repo_path" jsonschema:"path to a local git repository"`
	Kind     string         `json:"kind" jsonschema:"finding kind, e.g. temporal or minimizing_language"`
	Severity float64        `json:"severity,omitempty" jsonschema:"severity between 0 and 1"`
	Evidence map[string]any `json:"evidence,omitempty" jsonschema:"evidence keys and values supporting the finding"`
}

type fixInput struct {
	RepoPath    string `json:"repo_path" jsonschema:"path to a local git repository"`
	Signature   string `json:"signature" jsonschema:"signature of a flagged issue"`
	Description string `json:"description" jsonschema:"what was tried"`
	Outcome     string `json:"outcome,omitempty" jsonschema:"result of the attempt (default untested)"`
}

type recurringInput struct {
	RepoPath string `json:"repo_path" jsonschema:"path to a local git repository"`
	Category string `json:"category,omitempty" jsonschema:"case-insensitive substring of the issue signature"`
}

type issuesOutput struct {
	Issues []issueOutput `json:"issues"`
	Count  int           `json:"count"`
}

type historyInput struct {
	RepoPath string `json:"repo_path" jsonschema:"path to a local git repository"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum number of sessions to return (default 10)"`
}

type historyOutput struct {
	Sessions []summaryOutput `json:"sessions"`
	Count    int             `json:"count"`
}

type summaryInput struct {
	RepoPath string `json:"repo_path" jsonschema:"path to a local git repository"`
	MaxCount int    `json:"max_count,omitempty" jsonschema:"number of recent commits to count contributors over (default 100)"`
}

type latestCommitOutput struct {
	Hash    string `json:"hash"`
	Subject string `json:"subject"`
	Author  string `json:"author"`
	Date    string `json:"date"`
}

type projectSummaryOutput struct {
	RepoIdentity   string              `json:"repo_identity"`
	Branch         string              `json:"branch"`
	CommitsScanned int                 `json:"commits_scanned"`
	Contributors   map[string]int      `json:"contributors"`
	FileTypes      map[string]int      `json:"file_types"`
	LatestCommit   *latestCommitOutput `json:"latest_commit,omitempty"`
}

type assessmentInput struct {
	RepoPath  string `json:"repo_path" jsonschema:"path to a local git repository"`
	Rating    int    `json:"rating" jsonschema:"the user's own quality rating of the project, 1 to 10"`
	Potential string `json:"potential,omitempty" jsonschema:"the user's view of where the project could go"`
	Reasoning string `json:"reasoning,omitempty" jsonschema:"the user's concerns or reasoning behind the rating"`
}

type assessmentOutput struct {
	SessionID  string `json:"session_id"`
	Rating     int    `json:"rating"`
	Potential  string `json:"potential,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
	RecordedAt string `json:"recorded_at"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "analyze_repository",
		Description: "Read recent commit history and run temporal, language, message/diff mismatch and commitment bimodality analysis. Findings are recorded in a session.",
	}, s.handleAnalyze)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_repo_context",
		Description: "Summarize prior sessions, open flagged issues and recent fix attempts for a repository.",
	}, s.handleRepoContext)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "flag_issue",
		Description: "Flag a finding as an issue to track across sessions. Flagging the same signature again increments its occurrence count.",
	}, s.handleFlag)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "record_fix_attempt",
		Description: "Record an attempt to address a flagged issue.",
	}, s.handleRecordFix)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "query_recurring_issues",
		Description: "List flagged issues seen in more than one session, optionally filtered by category.",
	}, s.handleRecurring)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_scan_history",
		Description: "List past analysis sessions for a repository, newest first.",
	}, s.handleHistory)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_project_summary",
		Description: "Describe a repository: current branch, latest commit, contributors over recent commits and file types in the HEAD tree. Call early for orientation.",
	}, s.handleProjectSummary)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "submit_self_assessment",
		Description: "Record the user's own rating (1-10) of the project, with their view of its potential and their concerns, for later comparison with the findings.",
	}, s.handleSelfAssessment)
}

// --- Tool handlers ---

func (s *Server) handleAnalyze(ctx context.Context, _ *gomcp.CallToolRequest, input analyzeInput) (*gomcp.CallToolResult, analyzeOutput, error) {
	repo, res := s.resolve(input.RepoPath)
	if res != nil {
		return res, analyzeOutput{}, nil
	}
	w := s.window
	if input.MaxCount > 0 {
		w.MaxCount = input.MaxCount
	}
	if input.MaxAgeDays > 0 {
		w.MaxAgeDays = input.MaxAgeDays
	}

	history, err := s.source.Collect(ctx, input.RepoPath, w)
	if err != nil {
		return errorResult(fmt.Sprintf("reading history: %s", err)), analyzeOutput{}, nil
	}
	id, err := s.sessionFor(ctx, repo)
	if err != nil {
		return errorResult(fmt.Sprintf("opening session: %s", err)), analyzeOutput{}, nil
	}

	results := []analyzer.Result{
		s.analyzer.Temporal(history.Commits),
		s.analyzer.Language(history.Commits),
		s.analyzer.MessageDiffMismatch(history.Commits),
		s.analyzer.CommitmentBimodality(history.Commits),
	}
	out := analyzeOutput{
		SessionID:    id,
		RepoIdentity: repo,
		CommitCount:  len(history.Commits),
		Results:      make([]resultOutput, len(results)),
	}
	var findings []analyzer.Finding
	for i, r := range results {
		out.Results[i] = resultToOutput(r)
		if r.Finding != nil {
			findings = append(findings, *r.Finding)
		}
	}
	out.Warnings = history.Warnings
	if len(findings) > 0 {
		if err := s.store.AppendFindings(ctx, id, findings); err != nil {
			return errorResult(fmt.Sprintf("recording findings: %s", err)), analyzeOutput{}, nil
		}
	}
	s.logger.Info("repository analyzed",
		zap.String("repo", repo),
		zap.String("session_id", id),
		zap.Int("commits", out.CommitCount),
		zap.Int("findings", len(findings)))
	return nil, out, nil
}

func (s *Server) handleRepoContext(ctx context.Context, _ *gomcp.CallToolRequest, input repoInput) (*gomcp.CallToolResult, repoContextOutput, error) {
	repo, res := s.resolve(input.RepoPath)
	if res != nil {
		return res, repoContextOutput{}, nil
	}
	rc, err := s.store.RepoContext(ctx, repo)
	if err != nil {
		return errorResult(fmt.Sprintf("loading repo context: %s", err)), repoContextOutput{}, nil
	}
	out := repoContextOutput{
		RepoIdentity: rc.RepoIdentity,
		SessionCount: rc.SessionCount,
		OpenIssues:   issuesToOutput(rc.OpenIssues),
		RecentFixes:  make([]fixOutput, len(rc.RecentFixes)),
	}
	if rc.LastSession != nil {
		last := summaryToOutput(*rc.LastSession)
		out.LastSession = &last
	}
	for i, fa := range rc.RecentFixes {
		out.RecentFixes[i] = fixToOutput(fa)
	}
	return nil, out, nil
}

func (s *Server) handleFlag(ctx context.Context, _ *gomcp.CallToolRequest, input flagInput) (*gomcp.CallToolResult, issueOutput, error) {
	if strings.TrimSpace(input.Kind) == "" {
		return errorResult("kind is required"), issueOutput{}, nil
	}
	if input.Severity < 0 || input.Severity > 1 {
		return errorResult(fmt.Sprintf("severity %v out of range [0, 1]", input.Severity)), issueOutput{}, nil
	}
	repo, res := s.resolve(input.RepoPath)
	if res != nil {
		return res, issueOutput{}, nil
	}
	id, err := s.sessionFor(ctx, repo)
	if err != nil {
		return errorResult(fmt.Sprintf("opening session: %s", err)), issueOutput{}, nil
	}
	f := analyzer.Finding{Kind: analyzer.Kind(input.Kind), Severity: input.Severity, Evidence: input.Evidence}
	if f.Evidence == nil {
		f.Evidence = map[string]any{}
	}
	issue, err := s.store.FlagIssue(ctx, id, f)
	if err != nil {
		return errorResult(fmt.Sprintf("flagging issue: %s", err)), issueOutput{}, nil
	}
	return nil, issueToOutput(issue), nil
}

func (s *Server) handleRecordFix(ctx context.Context, _ *gomcp.CallToolRequest, input fixInput) (*gomcp.CallToolResult, fixOutput, error) {
	if input.Signature == "" {
		return errorResult("signature is required"), fixOutput{}, nil
	}
	repo, res := s.resolve(input.RepoPath)
	if res != nil {
		return res, fixOutput{}, nil
	}
	fa, err := s.store.RecordFixAttempt(ctx, session.FixAttempt{
		RepoIdentity: repo,
		Signature:    input.Signature,
		Description:  input.Description,
		Outcome:      input.Outcome,
	})
	if errors.Is(err, session.ErrIssueNotFound) {
		return errorResult(fmt.Sprintf("no flagged issue with signature %q", input.Signature)), fixOutput{}, nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("recording fix attempt: %s", err)), fixOutput{}, nil
	}
	return nil, fixToOutput(fa), nil
}

func (s *Server) handleRecurring(ctx context.Context, _ *gomcp.CallToolRequest, input recurringInput) (*gomcp.CallToolResult, issuesOutput, error) {
	repo, res := s.resolve(input.RepoPath)
	if res != nil {
		return res, issuesOutput{}, nil
	}
	issues, err := s.store.RecurringIssues(ctx, repo, input.Category)
	if err != nil {
		return errorResult(fmt.Sprintf("querying recurring issues: %s", err)), issuesOutput{}, nil
	}
	return nil, issuesOutput{Issues: issuesToOutput(issues), Count: len(issues)}, nil
}

func (s *Server) handleHistory(ctx context.Context, _ *gomcp.CallToolRequest, input historyInput) (*gomcp.CallToolResult, historyOutput, error) {
	repo, res := s.resolve(input.RepoPath)
	if res != nil {
		return res, historyOutput{}, nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}
	sums, err := s.store.ScanHistory(ctx, repo, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("loading scan history: %s", err)), historyOutput{}, nil
	}
	out := historyOutput{Sessions: make([]summaryOutput, len(sums)), Count: len(sums)}
	for i, sum := range sums {
		out.Sessions[i] = summaryToOutput(sum)
	}
	return nil, out, nil
}

func (s *Server) handleProjectSummary(ctx context.Context, _ *gomcp.CallToolRequest, input summaryInput) (*gomcp.CallToolResult, projectSummaryOutput, error) {
	repo, res := s.resolve(input.RepoPath)
	if res != nil {
		return res, projectSummaryOutput{}, nil
	}
	sum, err := s.summarize(ctx, input.RepoPath, input.MaxCount)
	if err != nil {
		return errorResult(fmt.Sprintf("summarizing project: %s", err)), projectSummaryOutput{}, nil
	}
	out := projectSummaryOutput{
		RepoIdentity:   repo,
		Branch:         sum.Branch,
		CommitsScanned: sum.CommitsScanned,
		Contributors:   sum.Contributors,
		FileTypes:      sum.FileTypes,
	}
	if out.Contributors == nil {
		out.Contributors = map[string]int{}
	}
	if out.FileTypes == nil {
		out.FileTypes = map[string]int{}
	}
	if l := sum.Latest; l != nil {
		out.LatestCommit = &latestCommitOutput{
			Hash:    l.Hash,
			Subject: l.Subject,
			Author:  l.Author,
			Date:    l.Date.Format(time.RFC3339),
		}
	}
	return nil, out, nil
}

func (s *Server) handleSelfAssessment(ctx context.Context, _ *gomcp.CallToolRequest, input assessmentInput) (*gomcp.CallToolResult, assessmentOutput, error) {
	if input.Rating < session.MinRating || input.Rating > session.MaxRating {
		return errorResult(fmt.Sprintf("rating %d out of range [%d, %d]", input.Rating, session.MinRating, session.MaxRating)), assessmentOutput{}, nil
	}
	repo, res := s.resolve(input.RepoPath)
	if res != nil {
		return res, assessmentOutput{}, nil
	}
	id, err := s.sessionFor(ctx, repo)
	if err != nil {
		return errorResult(fmt.Sprintf("opening session: %s", err)), assessmentOutput{}, nil
	}
	a, err := s.store.RecordSelfAssessment(ctx, id, session.SelfAssessment{
		Rating:    input.Rating,
		Potential: input.Potential,
		Reasoning: input.Reasoning,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("recording self-assessment: %s", err)), assessmentOutput{}, nil
	}
	return nil, assessmentOutput{
		SessionID:  id,
		Rating:     a.Rating,
		Potential:  a.Potential,
		Reasoning:  a.Reasoning,
		RecordedAt: a.RecordedAt.Format(time.RFC3339),
	}, nil
}

// --- Helpers ---

// resolve maps a repository path to its identity, or returns a tool error.
func (s *Server) resolve(repoPath string) (string, *gomcp.CallToolResult) {
	if strings.TrimSpace(repoPath) == "" {
		return "", errorResult("repo_path is required")
	}
	repo, err := s.identify(repoPath)
	if err != nil {
		return "", errorResult(fmt.Sprintf("resolving repository %s: %s", repoPath, err))
	}
	return repo, nil
}

// sessionFor returns the open session for repo, creating one on first use.
func (s *Server) sessionFor(ctx context.Context, repo string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.open[repo]; ok {
		return id, nil
	}
	sess, err := s.store.CreateSession(ctx, repo)
	if err != nil {
		return "", err
	}
	s.open[repo] = sess.ID
	s.logger.Debug("session opened", zap.String("repo", repo), zap.String("session_id", sess.ID))
	return sess.ID, nil
}

func resultToOutput(r analyzer.Result) resultOutput {
	out := resultOutput{Kind: string(r.Kind), Metrics: r.Metrics, Excluded: r.Excluded, Note: r.Note}
	if out.Metrics == nil {
		out.Metrics = map[string]any{}
	}
	if f := r.Finding; f != nil {
		out.Finding = &findingOutput{
			Kind:     string(f.Kind),
			Severity: f.Severity,
			Evidence: f.Evidence,
			Commits:  append([]string{}, f.Commits...),
		}
		if out.Finding.Evidence == nil {
			out.Finding.Evidence = map[string]any{}
		}
	}
	return out
}

func issueToOutput(i session.FlaggedIssue) issueOutput {
	return issueOutput{
		Signature:        i.Signature,
		Kind:             i.Kind,
		Status:           string(i.Status),
		OccurrenceCount:  i.OccurrenceCount,
		FirstSeenSession: i.FirstSeenSession,
		LastSeenSession:  i.LastSeenSession,
		MetricKey:        i.MetricKey,
		LatestMetric:     i.LatestMetric,
		UpdatedAt:        i.UpdatedAt.Format(time.RFC3339),
	}
}

func issuesToOutput(issues []session.FlaggedIssue) []issueOutput {
	out := make([]issueOutput, len(issues))
	for i, issue := range issues {
		out[i] = issueToOutput(issue)
	}
	return out
}

func fixToOutput(fa session.FixAttempt) fixOutput {
	return fixOutput{
		Signature:   fa.Signature,
		Description: fa.Description,
		Outcome:     fa.Outcome,
		CreatedAt:   fa.CreatedAt.Format(time.RFC3339),
	}
}

func summaryToOutput(s session.SessionSummary) summaryOutput {
	out := summaryOutput{
		SessionID:    s.ID,
		State:        string(s.State),
		CreatedAt:    s.CreatedAt.Format(time.RFC3339),
		FindingCount: s.FindingCount,
		MessageCount: s.MessageCount,
		Kinds:        append([]string{}, s.Kinds...),
	}
	sort.Strings(out.Kinds)
	if s.CompletedAt != nil {
		out.CompletedAt = s.CompletedAt.Format(time.RFC3339)
	}
	return out
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}
