package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"pgregory.net/rapid"

	"github.com/fakeyudi/codexd/internal/agent"
	"github.com/fakeyudi/codexd/internal/agent/agenttest"
	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/collector"
	"github.com/fakeyudi/codexd/internal/orchestrator"
	"github.com/fakeyudi/codexd/internal/session"
)

const repoID = "github.com/example/widgets"

type staticSource struct {
	commits []collector.CommitRecord
	err     error
}

func (s staticSource) Collect(context.Context, string, collector.Window) (collector.CollectorResult, error) {
	if s.err != nil {
		return collector.CollectorResult{}, s.err
	}
	return collector.CollectorResult{Commits: s.commits}, nil
}

// history is 50 commits over 30 days, 31 of them at 23:00 local time.
func history() []collector.CommitRecord {
	ist := time.FixedZone("IST", 5*3600+1800)
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, ist)
	out := make([]collector.CommitRecord, 0, 50)
	for i := 0; i < 50; i++ {
		hour := 14
		if i < 31 {
			hour = 23
		}
		out = append(out, collector.CommitRecord{
			Hash:         fmt.Sprintf("%040x", i+1),
			AuthoredAt:   start.AddDate(0, 0, i%30).Add(time.Duration(hour) * time.Hour),
			Message:      "feat: add request handler",
			LinesAdded:   10,
			LinesRemoved: 2,
		})
	}
	return out
}

type harness struct {
	orch  *orchestrator.Orchestrator
	fake  *agenttest.Fake
	store session.Store
}

func newHarness(t testing.TB, store session.Store, src collector.Source, opts orchestrator.Options, setup func(*agenttest.Fake)) *harness {
	t.Helper()
	ctx := context.Background()
	if store == nil {
		s, err := session.Open(ctx, ":memory:", session.Options{})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		store = s
	}
	a, fake := agenttest.New(t, agent.Options{Timeout: 2 * time.Second})
	if setup != nil {
		setup(fake)
	}
	require.NoError(t, a.Initialize(ctx))

	o := orchestrator.New(orchestrator.Deps{Store: store, Agent: a, Source: src}, "/src/widgets", opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Close(ctx)
	})
	return &harness{orch: o, fake: fake, store: store}
}

// waitState reads events until the session enters state and returns them.
func waitState(t testing.TB, o *orchestrator.Orchestrator, state session.State) []orchestrator.Event {
	t.Helper()
	var seen []orchestrator.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-o.Events():
			if !ok {
				t.Fatalf("event stream closed before %s", state)
			}
			seen = append(seen, ev)
			if ev.Kind == orchestrator.EventStateChanged && ev.To == state {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", state)
		}
	}
}

func waitDone(t testing.TB, o *orchestrator.Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not terminate")
	}
}

func states(events []orchestrator.Event) []session.State {
	var out []session.State
	for _, ev := range events {
		if ev.Kind == orchestrator.EventStateChanged {
			out = append(out, ev.To)
		}
	}
	return out
}

func transcriptSeqs(s *session.Session) []int64 {
	var seqs []int64
	for _, m := range s.Messages {
		seqs = append(seqs, m.Seq)
	}
	for _, tc := range s.ToolCalls {
		seqs = append(seqs, tc.Seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func requireGapless(t testing.TB, seqs []int64) {
	t.Helper()
	for i, s := range seqs {
		require.Equal(t, int64(i+1), s, "sequence %v", seqs)
	}
}

func TestInvestigationTurn(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	h := newHarness(t, nil, staticSource{commits: history()}, orchestrator.Options{MeterProvider: provider}, func(f *agenttest.Fake) {
		f.OnPrompt = func(turn *agenttest.Turn) {
			turn.Chunk("You commit late ")
			turn.Chunk("most evenings.")
		}
	})

	require.NoError(t, h.orch.Start(ctx, repoID))
	require.NoError(t, h.orch.Send(ctx, "why do I keep shipping at night?"))
	events := waitState(t, h.orch, session.StateAwaitingUser)

	assert.Equal(t, []session.State{
		session.StateDiscovery,
		session.StateInvestigating,
		session.StateSynthesizing,
		session.StateAwaitingUser,
	}, states(events))

	var tools []string
	for _, d := range h.fake.Contexts() {
		assert.Equal(t, agenttest.SessionID, d.SessionID)
		tools = append(tools, d.Tool)
	}
	assert.ElementsMatch(t, []string{
		"temporal_analysis", "language_analysis", "message_diff_mismatch", "commitment_bimodality",
	}, tools)
	assert.Equal(t, []string{"why do I keep shipping at night?"}, h.fake.Prompts())

	snap, err := h.orch.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.ToolCalls, 4)
	for i, tc := range snap.ToolCalls {
		assert.Equal(t, string(agent.AnalysisTools[i]), tc.Name)
		assert.Equal(t, session.ToolSucceeded, tc.Status)
	}
	assert.Equal(t, session.RoleUser, snap.Messages[0].Role)
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, session.RoleAgent, last.Role)
	assert.Equal(t, "You commit late most evenings.", last.Content)
	requireGapless(t, transcriptSeqs(snap))

	var kinds []analyzer.Kind
	for _, f := range snap.Findings {
		kinds = append(kinds, f.Kind)
	}
	assert.Contains(t, kinds, analyzer.KindTemporal)

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Index)
	}

	require.NoError(t, h.orch.Close(ctx))
	stored, err := h.store.LoadSession(ctx, h.orch.SessionID())
	require.NoError(t, err)
	assert.Equal(t, session.StateTerminated, stored.State)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, len(snap.Messages), len(stored.Messages))
	assert.Len(t, stored.ToolCalls, 4)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var toolCalls int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "codexd.tool_calls" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				toolCalls += dp.Value
			}
		}
	}
	assert.Equal(t, int64(4), toolCalls)
}

func TestAgentExitMidInvestigation(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	h := newHarness(t, nil, staticSource{commits: history()}, orchestrator.Options{}, func(f *agenttest.Fake) {
		f.OnContext = func(agenttest.ContextDelivery) error {
			<-release
			return nil
		}
	})
	t.Cleanup(func() { close(release) })

	require.NoError(t, h.orch.Start(ctx, repoID))
	require.NoError(t, h.orch.Send(ctx, "look at my history"))
	require.Eventually(t, func() bool { return len(h.fake.Contexts()) == 4 }, 5*time.Second, 10*time.Millisecond)

	h.fake.Exit()
	waitDone(t, h.orch)

	stored, err := h.store.LoadSession(ctx, h.orch.SessionID())
	require.NoError(t, err)
	assert.Equal(t, session.StateTerminated, stored.State)
	assert.NotNil(t, stored.CompletedAt)
	require.Len(t, stored.ToolCalls, 4)
	for _, tc := range stored.ToolCalls {
		assert.Equal(t, session.ToolFailed, tc.Status, tc.Name)
		assert.Contains(t, tc.Error, "terminated")
	}
	require.NotEmpty(t, stored.Messages)
	assert.Equal(t, "look at my history", stored.Messages[0].Content)
	requireGapless(t, transcriptSeqs(stored))

	assert.ErrorIs(t, h.orch.Send(ctx, "still there?"), orchestrator.ErrTerminated)
}

func TestMessageRejectedWhileToolCallsPending(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(t, nil, staticSource{commits: history()}, orchestrator.Options{}, func(f *agenttest.Fake) {
		f.OnContext = func(agenttest.ContextDelivery) error {
			<-release
			return nil
		}
	})
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	require.NoError(t, h.orch.Start(ctx, repoID))
	require.NoError(t, h.orch.Send(ctx, "first"))
	assert.ErrorIs(t, h.orch.Send(ctx, "second"), orchestrator.ErrTurnInProgress)

	before, err := h.orch.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateInvestigating, before.State)
	assert.Len(t, before.Messages, 1)

	once.Do(func() { close(release) })
	waitState(t, h.orch, session.StateAwaitingUser)

	issue, err := h.orch.Flag(ctx, analyzer.Finding{
		Kind:     "validation_deficit",
		Severity: 0.6,
		Evidence: map[string]any{"night_ratio": 0.62},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, issue.OccurrenceCount)
	assert.Equal(t, session.IssueOpen, issue.Status)

	snap, err := h.orch.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingUser, snap.State)
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, issue.Signature, snap.Issues[0].Signature)
}

func TestToolBudgetPerTurn(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var errs []error
	h := newHarness(t, nil, staticSource{commits: history()}, orchestrator.Options{ToolBudget: 2}, func(f *agenttest.Fake) {
		f.OnPrompt = func(turn *agenttest.Turn) {
			for i := 0; i < 3; i++ {
				_, err := turn.CallTool("repo_context", nil)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			turn.Chunk("done")
		}
	})

	require.NoError(t, h.orch.Start(ctx, repoID))
	require.NoError(t, h.orch.Send(ctx, "go"))
	events := waitState(t, h.orch, session.StateAwaitingUser)

	mu.Lock()
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.ErrorContains(t, errs[2], "budget exceeded")
	mu.Unlock()

	var warned bool
	for _, ev := range events {
		if ev.Kind == orchestrator.EventWarning && strings.Contains(ev.Text, "tool budget") {
			warned = true
		}
	}
	assert.True(t, warned)

	snap, err := h.orch.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.ToolCalls, 6)
	requireGapless(t, transcriptSeqs(snap))
}

func TestFollowUpTurnRunsRequestedTools(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var result json.RawMessage
	h := newHarness(t, nil, staticSource{commits: history()}, orchestrator.Options{}, func(f *agenttest.Fake) {
		f.OnPrompt = func(turn *agenttest.Turn) {
			if strings.HasPrefix(turn.Text, "follow") {
				out, err := turn.CallTool("message_diff_mismatch", map[string]any{"line_threshold": 5})
				if err == nil {
					mu.Lock()
					result = out
					mu.Unlock()
				}
			}
			turn.Chunk("answer")
		}
	})

	require.NoError(t, h.orch.Start(ctx, repoID))
	require.NoError(t, h.orch.Send(ctx, "start"))
	waitState(t, h.orch, session.StateAwaitingUser)
	require.NoError(t, h.orch.Send(ctx, "follow up on the big commits"))
	events := waitState(t, h.orch, session.StateAwaitingUser)

	assert.Equal(t, []session.State{
		session.StateInvestigating,
		session.StateSynthesizing,
		session.StateAwaitingUser,
	}, states(events))

	mu.Lock()
	require.NotNil(t, result)
	var res analyzer.Result
	require.NoError(t, json.Unmarshal(result, &res))
	mu.Unlock()
	assert.Equal(t, analyzer.KindMessageDiffMismatch, res.Kind)
	assert.EqualValues(t, 5, res.Metrics["line_threshold"])

	snap, err := h.orch.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.ToolCalls, 5)
	extra := snap.ToolCalls[4]
	assert.Equal(t, "message_diff_mismatch", extra.Name)
	assert.Equal(t, session.ToolSucceeded, extra.Status)
	assert.JSONEq(t, `{"line_threshold":5}`, string(extra.Input))
}

func TestStartRequiresHistory(t *testing.T) {
	ctx := context.Background()
	for _, srcErr := range []error{collector.ErrEmptyHistory, collector.ErrNotARepository} {
		t.Run(srcErr.Error(), func(t *testing.T) {
			h := newHarness(t, nil, staticSource{err: srcErr}, orchestrator.Options{}, nil)

			err := h.orch.Start(ctx, repoID)
			require.ErrorIs(t, err, srcErr)
			assert.Empty(t, h.orch.SessionID())

			history, err := h.store.ScanHistory(ctx, repoID, 0)
			require.NoError(t, err)
			assert.Empty(t, history)
			assert.ErrorIs(t, h.orch.Send(ctx, "anything?"), orchestrator.ErrTerminated)
			waitDone(t, h.orch)
		})
	}
}

// vanishingSource returns history once and fails every later read, as when
// the repository is rewritten mid-session.
type vanishingSource struct {
	mu    sync.Mutex
	calls int
}

func (s *vanishingSource) Collect(context.Context, string, collector.Window) (collector.CollectorResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls == 1 {
		return collector.CollectorResult{Commits: history()}, nil
	}
	return collector.CollectorResult{}, collector.ErrEmptyHistory
}

func TestHistoryLostAfterStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, &vanishingSource{}, orchestrator.Options{}, nil)

	require.NoError(t, h.orch.Start(ctx, repoID))
	require.NoError(t, h.orch.Send(ctx, "anything?"))
	waitState(t, h.orch, session.StateAwaitingUser)

	snap, err := h.orch.Snapshot(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, snap.ToolCalls)
	for _, tc := range snap.ToolCalls {
		assert.Equal(t, session.ToolFailed, tc.Status)
		assert.Contains(t, tc.Error, "empty commit history")
	}
	var noted bool
	for _, m := range snap.Messages {
		if m.Role == session.RoleSystem && strings.HasPrefix(m.Content, "history unavailable") {
			noted = true
		}
	}
	assert.True(t, noted)
	assert.Empty(t, h.fake.Contexts())
}

// TestEvidenceDeliveryTimeout stalls one evidence delivery past the call
// timeout. That call fails; the turn still completes with the other three.
func TestEvidenceDeliveryTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, staticSource{commits: history()}, orchestrator.Options{Timeout: 200 * time.Millisecond}, func(f *agenttest.Fake) {
		f.OnContext = func(d agenttest.ContextDelivery) error {
			if d.Tool == "temporal_analysis" {
				time.Sleep(600 * time.Millisecond)
			}
			return nil
		}
	})

	require.NoError(t, h.orch.Start(ctx, repoID))
	require.NoError(t, h.orch.Send(ctx, "what do my evenings look like?"))
	waitState(t, h.orch, session.StateAwaitingUser)

	snap, err := h.orch.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.ToolCalls, 4)
	for _, tc := range snap.ToolCalls {
		if tc.Name == "temporal_analysis" {
			assert.Equal(t, session.ToolFailed, tc.Status)
			assert.Contains(t, tc.Error, "timed out")
			continue
		}
		assert.Equal(t, session.ToolSucceeded, tc.Status, tc.Name)
	}
	assert.Equal(t, session.StateAwaitingUser, snap.State)
}

// TestCloseMidTurnDrainsAgent closes the session while the agent is still
// streaming. An agent that flushes its output before exiting must not hold
// up Close.
func TestCloseMidTurnDrainsAgent(t *testing.T) {
	ctx := context.Background()
	streaming := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, nil, staticSource{commits: history()}, orchestrator.Options{}, func(f *agenttest.Fake) {
		f.Linger = 3 * time.Second
		f.OnPrompt = func(turn *agenttest.Turn) {
			turn.Chunk("first ")
			close(streaming)
			<-release
			for i := 0; i < 500; i++ {
				turn.Chunk(fmt.Sprintf("chunk %d ", i))
			}
		}
	})

	require.NoError(t, h.orch.Start(ctx, repoID))
	require.NoError(t, h.orch.Send(ctx, "tell me everything"))
	<-streaming

	closed := make(chan error, 1)
	go func() { closed <- h.orch.Close(ctx) }()
	// The loop has stopped reading turn events well before the agent
	// resumes streaming.
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close waited on an undrained turn stream")
	}
	waitDone(t, h.orch)
}

// unavailableMessages fails every message write as if the disk went away.
type unavailableMessages struct {
	session.Store
}

func (unavailableMessages) AppendMessage(context.Context, session.Message) error {
	return fmt.Errorf("%w: disk I/O error", session.ErrUnavailable)
}

func TestStorageDegradedContinuesInMemory(t *testing.T) {
	ctx := context.Background()
	base, err := session.Open(ctx, ":memory:", session.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	h := newHarness(t, unavailableMessages{base}, staticSource{commits: history()}, orchestrator.Options{}, nil)
	require.NoError(t, h.orch.Start(ctx, repoID))
	require.NoError(t, h.orch.Send(ctx, "hello"))
	waitState(t, h.orch, session.StateAwaitingUser)

	// The failed write is reported asynchronously.
	require.Eventually(t, func() bool {
		snap, err := h.orch.Snapshot(ctx)
		if err != nil {
			return false
		}
		for _, m := range snap.Messages {
			if m.Role == session.RoleSystem && strings.HasPrefix(m.Content, "storage unavailable") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := h.orch.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Findings)
	var reply string
	for _, m := range snap.Messages {
		if m.Role == session.RoleAgent {
			reply = m.Content
		}
	}
	assert.Equal(t, "ok", reply)

	_, err = h.orch.Flag(ctx, analyzer.Finding{Kind: "validation_deficit"})
	assert.ErrorIs(t, err, session.ErrUnavailable)
}

func TestRepoContextSeedsNewSession(t *testing.T) {
	ctx := context.Background()
	store, err := session.Open(ctx, ":memory:", session.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	prior, err := store.CreateSession(ctx, repoID)
	require.NoError(t, err)
	flagged, err := store.FlagIssue(ctx, prior.ID, analyzer.Finding{
		Kind:     "validation_deficit",
		Evidence: map[string]any{"night_ratio": 0.62},
	})
	require.NoError(t, err)
	require.NoError(t, store.CompleteSession(ctx, prior.ID, session.StateTerminated))

	h := newHarness(t, store, staticSource{commits: history()}, orchestrator.Options{}, nil)
	require.NoError(t, h.orch.Start(ctx, repoID))
	events := waitState(t, h.orch, session.StateDiscovery)
	require.Len(t, events, 1)

	var rc *session.RepoContext
	select {
	case ev := <-h.orch.Events():
		require.Equal(t, orchestrator.EventRepoContext, ev.Kind)
		rc = ev.RepoContext
	case <-time.After(5 * time.Second):
		t.Fatal("no repo context event")
	}
	require.NotNil(t, rc)
	assert.Equal(t, 1, rc.SessionCount)
	require.Len(t, rc.OpenIssues, 1)
	assert.Equal(t, flagged.Signature, rc.OpenIssues[0].Signature)

	seeds := h.fake.Seeds()
	require.Len(t, seeds, 1)
	assert.Contains(t, string(seeds[0]), flagged.Signature)
}

func TestIllegalOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, staticSource{commits: history()}, orchestrator.Options{}, nil)

	assert.ErrorIs(t, h.orch.Send(ctx, "too early"), orchestrator.ErrIllegalTransition)

	require.NoError(t, h.orch.Start(ctx, repoID))
	assert.ErrorIs(t, h.orch.Start(ctx, repoID), orchestrator.ErrIllegalTransition)

	_, err := h.orch.Flag(ctx, analyzer.Finding{Kind: "temporal"})
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)

	require.NoError(t, h.orch.Close(ctx))
	assert.ErrorIs(t, h.orch.Send(ctx, "after close"), orchestrator.ErrTerminated)
	require.NoError(t, h.orch.Close(ctx))

	snap, err := h.orch.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, session.StateTerminated, snap.State)
}

// Feature: codexd, Property 4: transcript sequence numbers and event indexes
// are gapless whatever the agent does during a turn.
func TestSequenceGapless(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunks := rapid.IntRange(0, 4).Draw(rt, "chunks")
		calls := rapid.IntRange(0, 4).Draw(rt, "calls")
		followUps := rapid.IntRange(0, 2).Draw(rt, "followUps")
		closeEarly := rapid.Bool().Draw(rt, "closeEarly")

		ctx := context.Background()
		h := newHarness(t, nil, staticSource{commits: history()}, orchestrator.Options{ToolBudget: 3}, func(f *agenttest.Fake) {
			f.OnPrompt = func(turn *agenttest.Turn) {
				for i := 0; i < calls; i++ {
					turn.CallTool("temporal_analysis", nil)
				}
				for i := 0; i < chunks; i++ {
					turn.Chunk(fmt.Sprintf("part %d ", i))
				}
			}
		})

		var events []orchestrator.Event
		collect := func(state session.State) {
			events = append(events, waitState(t, h.orch, state)...)
		}

		if err := h.orch.Start(ctx, repoID); err != nil {
			rt.Fatalf("start: %v", err)
		}
		if err := h.orch.Send(ctx, "go"); err != nil {
			rt.Fatalf("send: %v", err)
		}
		if !closeEarly {
			collect(session.StateAwaitingUser)
			for i := 0; i < followUps; i++ {
				if err := h.orch.Send(ctx, fmt.Sprintf("more %d", i)); err != nil {
					rt.Fatalf("follow-up: %v", err)
				}
				collect(session.StateAwaitingUser)
			}
		}
		if err := h.orch.Close(ctx); err != nil {
			rt.Fatalf("close: %v", err)
		}
		for ev := range h.orch.Events() {
			events = append(events, ev)
		}

		for i, ev := range events {
			if ev.Index != int64(i+1) {
				rt.Fatalf("event %d has index %d", i, ev.Index)
			}
		}
		snap, err := h.orch.Snapshot(ctx)
		if err != nil {
			rt.Fatalf("snapshot: %v", err)
		}
		for i, s := range transcriptSeqs(snap) {
			if s != int64(i+1) {
				rt.Fatalf("transcript seq %d at position %d", s, i)
			}
		}
		for _, tc := range snap.ToolCalls {
			if !tc.Status.Terminal() {
				rt.Fatalf("tool call %s left %s", tc.Name, tc.Status)
			}
		}
	})
}
