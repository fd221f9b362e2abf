package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/session"
)

// clock is a settable time source for created_at ordering.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) (*session.SQLiteStore, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := session.Open(context.Background(), filepath.Join(t.TempDir(), "codexd.db"), session.Options{Now: clk.now})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, clk
}

func validationDeficit(nightRatio float64) analyzer.Finding {
	return analyzer.Finding{
		Kind:     "validation_deficit",
		Severity: 0.5,
		Evidence: map[string]any{"night_ratio": nightRatio, "window_days": 30},
	}
}

// TestFlagIssueRecursAcrossSessions flags the same signature in two sessions
// a week apart and expects one issue seen twice, improving.
func TestFlagIssueRecursAcrossSessions(t *testing.T) {
	ctx := context.Background()
	store, clk := openStore(t)
	const repo = "remote:github.com/acme/widget"

	s1, err := store.CreateSession(ctx, repo)
	require.NoError(t, err)
	first, err := store.FlagIssue(ctx, s1.ID, validationDeficit(0.62))
	require.NoError(t, err)
	assert.Equal(t, 1, first.OccurrenceCount)
	assert.Equal(t, session.IssueOpen, first.Status)

	clk.advance(7 * 24 * time.Hour)
	s2, err := store.CreateSession(ctx, repo)
	require.NoError(t, err)
	second, err := store.FlagIssue(ctx, s2.ID, validationDeficit(0.38))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Signature, second.Signature)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, session.IssueImproving, second.Status)
	assert.Equal(t, s1.ID, second.FirstSeenSession)
	assert.Equal(t, s2.ID, second.LastSeenSession)
	assert.Equal(t, "night_ratio", second.MetricKey)
	assert.InDelta(t, 0.38, second.LatestMetric, 1e-9)
	assert.True(t, second.Recurring())

	recurring, err := store.RecurringIssues(ctx, repo, "validation")
	require.NoError(t, err)
	require.Len(t, recurring, 1)
	assert.Equal(t, second.ID, recurring[0].ID)

	none, err := store.RecurringIssues(ctx, repo, "temporal")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestFlagIssueOrderIndependent flags an older session after a newer one and
// expects first/last seen to follow session creation order.
func TestFlagIssueOrderIndependent(t *testing.T) {
	ctx := context.Background()
	store, clk := openStore(t)
	const repo = "path:/src/widget"

	older, err := store.CreateSession(ctx, repo)
	require.NoError(t, err)
	clk.advance(time.Hour)
	newer, err := store.CreateSession(ctx, repo)
	require.NoError(t, err)

	_, err = store.FlagIssue(ctx, newer.ID, validationDeficit(0.5))
	require.NoError(t, err)
	issue, err := store.FlagIssue(ctx, older.ID, validationDeficit(0.7))
	require.NoError(t, err)

	assert.Equal(t, 2, issue.OccurrenceCount)
	assert.Equal(t, older.ID, issue.FirstSeenSession)
	assert.Equal(t, newer.ID, issue.LastSeenSession)
	assert.Equal(t, session.IssueImproving, issue.Status)
}

func TestFlagIssueOtherRepoStartsFresh(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)

	a, err := store.CreateSession(ctx, "remote:github.com/acme/a")
	require.NoError(t, err)
	b, err := store.CreateSession(ctx, "remote:github.com/acme/b")
	require.NoError(t, err)

	ia, err := store.FlagIssue(ctx, a.ID, validationDeficit(0.6))
	require.NoError(t, err)
	ib, err := store.FlagIssue(ctx, b.ID, validationDeficit(0.6))
	require.NoError(t, err)

	assert.NotEqual(t, ia.ID, ib.ID)
	assert.Equal(t, 1, ia.OccurrenceCount)
	assert.Equal(t, 1, ib.OccurrenceCount)
}

func TestFlagIssueSameSessionCountsOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)

	s, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)
	_, err = store.FlagIssue(ctx, s.ID, validationDeficit(0.6))
	require.NoError(t, err)
	again, err := store.FlagIssue(ctx, s.ID, validationDeficit(0.4))
	require.NoError(t, err)

	assert.Equal(t, 1, again.OccurrenceCount)
	assert.Equal(t, session.IssueOpen, again.Status)
	assert.InDelta(t, 0.4, again.LatestMetric, 1e-9)
}

func TestFlagIssueResolvedAtZero(t *testing.T) {
	ctx := context.Background()
	store, clk := openStore(t)

	s1, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)
	_, err = store.FlagIssue(ctx, s1.ID, validationDeficit(0.6))
	require.NoError(t, err)

	clk.advance(time.Hour)
	s2, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)
	issue, err := store.FlagIssue(ctx, s2.ID, validationDeficit(0))
	require.NoError(t, err)
	assert.Equal(t, session.IssueResolved, issue.Status)

	rc, err := store.RepoContext(ctx, "repo")
	require.NoError(t, err)
	assert.Empty(t, rc.OpenIssues, "resolved issues are not open")
}

// TestFlagIssueConcurrentSessions flags one signature from many sessions at
// once; the per-repository lock must keep the count exact.
func TestFlagIssueConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	const n = 8

	ids := make([]string, n)
	for i := range ids {
		s, err := store.CreateSession(ctx, "repo")
		require.NoError(t, err)
		ids[i] = s.ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := store.FlagIssue(ctx, id, validationDeficit(0.5))
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	issues, err := store.Issues(ctx, "repo", session.IssueFilter{})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, n, issues[0].OccurrenceCount)
}

func TestCompletedSessionRejectsWrites(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)

	s, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)
	require.NoError(t, store.CompleteSession(ctx, s.ID, session.StateTerminated))

	err = store.AppendMessage(ctx, session.Message{SessionID: s.ID, Seq: 1, Role: session.RoleUser, Content: "late"})
	assert.ErrorIs(t, err, session.ErrSessionClosed)
	_, err = store.FlagIssue(ctx, s.ID, validationDeficit(0.5))
	assert.ErrorIs(t, err, session.ErrSessionClosed)
	assert.ErrorIs(t, store.CompleteSession(ctx, s.ID, session.StateTerminated), session.ErrSessionClosed)

	loaded, err := store.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Closed())
	assert.Equal(t, session.StateTerminated, loaded.State)
}

func TestUnknownSession(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)

	_, err := store.LoadSession(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	err = store.AppendFindings(ctx, "missing", []analyzer.Finding{validationDeficit(0.1)})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

// TestAppendFindingsKeepsHighestSeverity appends the same signature twice in
// one call and again in a later call.
func TestAppendFindingsKeepsHighestSeverity(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)

	s, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)

	low := analyzer.Finding{Kind: analyzer.KindTemporal, Severity: 0.2, Evidence: map[string]any{"night_ratio": 0.5}, Commits: []string{"a"}}
	high := analyzer.Finding{Kind: analyzer.KindTemporal, Severity: 0.7, Evidence: map[string]any{"night_ratio": 0.8}, Commits: []string{"b"}}
	other := analyzer.Finding{Kind: analyzer.KindCommitmentBimodality, Severity: 0.4, Evidence: map[string]any{"extreme_ratio": 0.9}}

	require.NoError(t, store.AppendFindings(ctx, s.ID, []analyzer.Finding{low, high, other}))
	require.NoError(t, store.AppendFindings(ctx, s.ID, []analyzer.Finding{low}))

	loaded, err := store.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Findings, 2)
	assert.Equal(t, analyzer.KindTemporal, loaded.Findings[0].Kind)
	assert.Equal(t, 0.7, loaded.Findings[0].Severity)
	assert.Equal(t, 0.8, loaded.Findings[0].Evidence["night_ratio"])
	assert.Equal(t, []string{"b"}, loaded.Findings[0].Commits)
	assert.Equal(t, []string{}, loaded.Findings[1].Commits)
}

func TestRepoContext(t *testing.T) {
	ctx := context.Background()
	store, clk := openStore(t)

	empty, err := store.RepoContext(ctx, "never-seen")
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	assert.Nil(t, empty.LastSession)
	assert.Empty(t, empty.OpenIssues)

	s1, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)
	require.NoError(t, store.AppendFindings(ctx, s1.ID, []analyzer.Finding{validationDeficit(0.6)}))
	issue, err := store.FlagIssue(ctx, s1.ID, validationDeficit(0.6))
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, session.Message{SessionID: s1.ID, Seq: 1, Role: session.RoleUser, Content: "hi"}))
	require.NoError(t, store.CompleteSession(ctx, s1.ID, session.StateTerminated))

	_, err = store.RecordFixAttempt(ctx, session.FixAttempt{RepoIdentity: "repo", Signature: issue.Signature, Description: "pre-commit test hook", Outcome: "partial"})
	require.NoError(t, err)

	clk.advance(time.Hour)
	rc, err := store.RepoContext(ctx, "repo")
	require.NoError(t, err)
	assert.Equal(t, 1, rc.SessionCount)
	require.Len(t, rc.OpenIssues, 1)
	assert.Equal(t, issue.Signature, rc.OpenIssues[0].Signature)
	require.NotNil(t, rc.LastSession)
	assert.Equal(t, s1.ID, rc.LastSession.ID)
	assert.Equal(t, 1, rc.LastSession.FindingCount)
	assert.Equal(t, 1, rc.LastSession.MessageCount)
	assert.Equal(t, []string{"validation_deficit"}, rc.LastSession.Kinds)
	require.Len(t, rc.RecentFixes, 1)
	assert.Equal(t, "pre-commit test hook", rc.RecentFixes[0].Description)
}

// TestLoadSessionSeesWholeBatches appends findings in pairs while reading
// the session concurrently. A read never observes half of a pair.
func TestLoadSessionSeesWholeBatches(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	sess, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)

	const batches = 25
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < batches; i++ {
			pair := []analyzer.Finding{
				{Kind: analyzer.Kind(fmt.Sprintf("pattern_%d_a", i)), Severity: 0.4, Evidence: map[string]any{"n": i}},
				{Kind: analyzer.Kind(fmt.Sprintf("pattern_%d_b", i)), Severity: 0.4, Evidence: map[string]any{"n": i}},
			}
			if err := store.AppendFindings(ctx, sess.ID, pair); err != nil {
				t.Errorf("append batch %d: %v", i, err)
				return
			}
		}
	}()

	reads := 0
	for {
		select {
		case <-done:
			loaded, err := store.LoadSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Len(t, loaded.Findings, 2*batches)
			assert.Positive(t, reads)
			return
		default:
		}
		loaded, err := store.LoadSession(ctx, sess.ID)
		require.NoError(t, err)
		require.Zero(t, len(loaded.Findings)%2, "read saw a partial batch: %d findings", len(loaded.Findings))
		reads++
	}
}

// TestRepoContextCallerCancellation mixes cancelled and live callers for the
// same repository. Live callers always get the context.
func TestRepoContextCallerCancellation(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	sess, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)
	require.NoError(t, store.CompleteSession(ctx, sess.ID, session.StateTerminated))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				cctx, cancel := context.WithCancel(ctx)
				cancel()
				_, err := store.RepoContext(cctx, "repo")
				if err != nil {
					assert.ErrorIs(t, err, context.Canceled)
				}
				return
			}
			rc, err := store.RepoContext(ctx, "repo")
			if assert.NoError(t, err) {
				assert.Equal(t, 1, rc.SessionCount)
			}
		}()
	}
	wg.Wait()
}

func TestRecordFixAttemptUnknownIssue(t *testing.T) {
	store, _ := openStore(t)
	_, err := store.RecordFixAttempt(context.Background(), session.FixAttempt{RepoIdentity: "repo", Signature: "temporal:night_ratio", Description: "x"})
	assert.ErrorIs(t, err, session.ErrIssueNotFound)
}

func TestScanHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, clk := openStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := store.CreateSession(ctx, "repo")
		require.NoError(t, err)
		ids = append(ids, s.ID)
		clk.advance(24 * time.Hour)
	}
	_, err := store.CreateSession(ctx, "other")
	require.NoError(t, err)

	history, err := store.ScanHistory(ctx, "repo", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[1], history[1].ID)

	all, err := store.ScanHistory(ctx, "repo", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestToolCallStatusUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)

	s, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)
	tc := session.ToolCallEvent{
		ID: "call-1", SessionID: s.ID, Seq: 1, Name: "temporal_analysis",
		Input: json.RawMessage(`{"window":50}`), Status: session.ToolPending,
	}
	require.NoError(t, store.RecordToolCall(ctx, tc))
	tc.Status = session.ToolFailed
	tc.Error = "timeout"
	require.NoError(t, store.RecordToolCall(ctx, tc))

	loaded, err := store.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, loaded.ToolCalls, 1)
	got := loaded.ToolCalls[0]
	assert.Equal(t, session.ToolFailed, got.Status)
	assert.Equal(t, "timeout", got.Error)
	assert.Equal(t, int64(1), got.Seq)
	assert.JSONEq(t, `{"window":50}`, string(got.Input))
}

func TestOpenUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := session.Open(context.Background(), filepath.Join(blocker, "sub", "codexd.db"), session.Options{})
	assert.ErrorIs(t, err, session.ErrUnavailable)
}

func TestOpenMemory(t *testing.T) {
	store, err := session.Open(context.Background(), ":memory:", session.Options{})
	require.NoError(t, err)
	defer store.Close()

	s, err := store.CreateSession(context.Background(), "repo")
	require.NoError(t, err)
	_, err = store.LoadSession(context.Background(), s.ID)
	require.NoError(t, err)
}

// Feature: codexd, Property 3: transcript persistence round-trip
func TestTranscriptRoundTrip(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		s, err := store.CreateSession(ctx, "repo")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		roles := []session.Role{session.RoleUser, session.RoleAgent, session.RoleSystem}
		n := rapid.IntRange(0, 10).Draw(t, "n")
		var want []session.Message
		for i := 0; i < n; i++ {
			m := session.Message{
				SessionID: s.ID,
				Seq:       int64(i + 1),
				Role:      rapid.SampledFrom(roles).Draw(t, "role"),
				Content:   rapid.StringMatching(`[a-zA-Z0-9 .,!?'\n]{0,200}`).Draw(t, "content"),
			}
			if err := store.AppendMessage(ctx, m); err != nil {
				t.Fatalf("AppendMessage: %v", err)
			}
			want = append(want, m)
		}

		loaded, err := store.LoadSession(ctx, s.ID)
		if err != nil {
			t.Fatalf("LoadSession: %v", err)
		}
		if len(loaded.Messages) != len(want) {
			t.Fatalf("got %d messages, want %d", len(loaded.Messages), len(want))
		}
		for i, m := range want {
			got := loaded.Messages[i]
			if got.Seq != m.Seq || got.Role != m.Role || got.Content != m.Content {
				t.Errorf("message %d: got %+v, want %+v", i, got, m)
			}
		}
	})
}

func TestDefaultPath(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_DATA_HOME", tmp)
	path, err := session.DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "codexd", "codexd.db"), path)
}

func ExampleSignature() {
	f := analyzer.Finding{
		Kind:     "Validation Deficit",
		Evidence: map[string]any{"night_ratio": 0.62, "area": "  Auth   Flow ", "examples": []string{"abc"}},
	}
	fmt.Println(session.Signature(f))
	// Output: validation_deficit:area=auth flow,examples,night_ratio
}

func TestRecordSelfAssessment(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	s, err := store.CreateSession(ctx, "repo")
	require.NoError(t, err)

	loaded, err := store.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.SelfAssessment)

	for _, rating := range []int{0, 11} {
		_, err := store.RecordSelfAssessment(ctx, s.ID, session.SelfAssessment{Rating: rating})
		assert.ErrorIs(t, err, session.ErrInvalidRating)
	}

	_, err = store.RecordSelfAssessment(ctx, s.ID, session.SelfAssessment{Rating: 4, Reasoning: "first pass"})
	require.NoError(t, err)
	got, err := store.RecordSelfAssessment(ctx, s.ID, session.SelfAssessment{
		Rating:    7,
		Potential: " could ship this quarter ",
		Reasoning: "tests are thin",
	})
	require.NoError(t, err)
	assert.Equal(t, "could ship this quarter", got.Potential)

	loaded, err = store.LoadSession(ctx, s.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.SelfAssessment)
	assert.Equal(t, 7, loaded.SelfAssessment.Rating)
	assert.Equal(t, "could ship this quarter", loaded.SelfAssessment.Potential)
	assert.Equal(t, "tests are thin", loaded.SelfAssessment.Reasoning)
	assert.Equal(t, got.RecordedAt, loaded.SelfAssessment.RecordedAt)

	require.NoError(t, store.CompleteSession(ctx, s.ID, session.StateTerminated))
	_, err = store.RecordSelfAssessment(ctx, s.ID, session.SelfAssessment{Rating: 5})
	assert.ErrorIs(t, err, session.ErrSessionClosed)

	_, err = store.RecordSelfAssessment(ctx, "missing", session.SelfAssessment{Rating: 5})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}
