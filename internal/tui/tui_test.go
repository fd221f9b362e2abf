package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fakeyudi/codexd/internal/report"
	"github.com/fakeyudi/codexd/internal/session"
)

func sampleTranscript() *report.Transcript {
	at := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	return report.FromSession(&session.Session{
		ID:           "3f2a",
		RepoIdentity: "github.com/example/widgets",
		State:        session.StateAwaitingUser,
		CreatedAt:    at,
		Messages: []session.Message{
			{Seq: 1, Role: session.RoleUser, Content: "why so late?", CreatedAt: at},
			{Seq: 3, Role: session.RoleSystem, Content: "language analysis skipped", CreatedAt: at},
			{Seq: 4, Role: session.RoleAgent, Content: "You ship after 22:00.\nMostly on Fridays.", CreatedAt: at},
		},
		ToolCalls: []session.ToolCallEvent{
			{ID: "c1", Seq: 2, Name: "temporal_analysis", Status: session.ToolSucceeded, Output: `{"kind":"temporal"}`},
		},
	})
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestBuildTimelineOrdersBySeq(t *testing.T) {
	entries := buildTimeline(sampleTranscript())
	want := []entryKind{kindUser, kindTool, kindSystem, kindAgent}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.kind != want[i] || e.seq != int64(i+1) {
			t.Errorf("entry %d = %s #%d, want %s #%d", i, e.kind, e.seq, want[i], i+1)
		}
	}
}

func TestTabNavigation(t *testing.T) {
	var m tea.Model = New(sampleTranscript(), "3f2a")
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})

	m, _ = m.Update(key("3"))
	if got := m.(Model).activeTab; got != tabToolCalls {
		t.Fatalf("active tab = %d, want tool calls", got)
	}
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if !m.(Model).expandedCalls[0] {
		t.Fatal("enter should expand the selected tool call")
	}
	if !strings.Contains(m.View(), "output") {
		t.Error("expanded call should show its output")
	}

	m, _ = m.Update(key("l"))
	m, _ = m.Update(key("l"))
	m, _ = m.Update(key("l"))
	if got := m.(Model).activeTab; got != tabTimeline {
		t.Fatalf("active tab = %d, want timeline", got)
	}
	m, _ = m.Update(key("s"))
	if m.(Model).sortAsc {
		t.Error("s should flip the timeline to newest first")
	}

	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("q should quit")
	}
}

func TestViewBeforeResize(t *testing.T) {
	if got := New(sampleTranscript(), "x").View(); got != "Loading…" {
		t.Errorf("View before size = %q", got)
	}
}
