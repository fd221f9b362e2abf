// Package tui provides a Bubble Tea TUI for viewing session transcripts.
package tui

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/codexd/internal/report"
	"github.com/fakeyudi/codexd/internal/session"
)

// ── Styles ────────────

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("245")).
				Background(lipgloss.Color("235")).
				Padding(0, 1)

	tabSepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238")).
			Background(lipgloss.Color("235"))

	sectionHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("178"))

	bulletStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205"))

	roleUserStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	roleAgentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	roleSystemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	kindToolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)

	succeededStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	pendingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)

	selectedRowStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("237"))

	severityStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
)

// ── Tab definitions ─────────────────

type tabID int

const (
	tabSummary tabID = iota
	tabFindings
	tabToolCalls
	tabTranscript
	tabIssues
	tabTimeline
	tabCount
)

var tabNames = [tabCount]string{
	"Summary", "Findings", "Tool Calls", "Transcript", "Issues", "Timeline",
}

// ── Timeline entry ───────────────────

type entryKind string

const (
	kindUser   entryKind = "USER"
	kindAgent  entryKind = "AGENT"
	kindSystem entryKind = "SYSTEM"
	kindTool   entryKind = "TOOL"
)

// timelineEntry is one transcript item. Messages and tool calls share the
// seq counter, so seq orders them.
type timelineEntry struct {
	seq  int64
	kind entryKind
	text string
}

// ── Model ────────────────────

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	transcript *report.Transcript
	source     string
	activeTab  tabID
	viewports  [tabCount]viewport.Model
	width      int
	height     int
	ready      bool
	sortAsc    bool
	timeline   []timelineEntry
	// Tool Calls tab: cursor position and expanded set
	callCursor    int
	expandedCalls map[int]bool
}

// New creates a TUI model for t. source names where the transcript came
// from, a session id or a file.
func New(t *report.Transcript, source string) Model {
	return Model{
		transcript:    t,
		source:        source,
		sortAsc:       true,
		expandedCalls: make(map[int]bool),
		timeline:      buildTimeline(t),
	}
}

// ── Bubble Tea interface ───────────────

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "l", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "h", "left":
			m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		case "1", "2", "3", "4", "5", "6":
			m.activeTab = tabID(msg.String()[0] - '1')
		case "s":
			if m.activeTab == tabTimeline {
				m.sortAsc = !m.sortAsc
				m.rebuild(tabTimeline)
				m.viewports[tabTimeline].GotoTop()
			}
		case "up", "k":
			if m.activeTab == tabToolCalls && m.callCursor > 0 {
				m.callCursor--
				m.rebuild(tabToolCalls)
				return m, nil
			}
		case "down", "j":
			if m.activeTab == tabToolCalls && m.callCursor < len(m.transcript.ToolCalls)-1 {
				m.callCursor++
				m.rebuild(tabToolCalls)
				return m, nil
			}
		case "enter", " ":
			if m.activeTab == tabToolCalls && len(m.transcript.ToolCalls) > 0 {
				if m.expandedCalls[m.callCursor] {
					delete(m.expandedCalls, m.callCursor)
				} else {
					m.expandedCalls[m.callCursor] = true
				}
				m.rebuild(tabToolCalls)
				return m, nil
			}
		}
		var cmd tea.Cmd
		m.viewports[m.activeTab], cmd = m.viewports[m.activeTab].Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.initViewports()
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return "Loading…"
	}

	title := titleStyle.Width(m.width).Render("  codexd  " + m.source)

	var tabParts []string
	for i := tabID(0); i < tabCount; i++ {
		label := fmt.Sprintf(" %d %s ", i+1, tabNames[i])
		if i == m.activeTab {
			tabParts = append(tabParts, activeTabStyle.Render(label))
		} else {
			tabParts = append(tabParts, inactiveTabStyle.Render(label))
		}
		if i < tabCount-1 {
			tabParts = append(tabParts, tabSepStyle.Render("│"))
		}
	}
	tabRow := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Width(m.width).
		Render(lipgloss.JoinHorizontal(lipgloss.Top, tabParts...))

	content := m.viewports[m.activeTab].View()

	hint := "  ←/→ tab  ↑/↓ scroll  1-6 jump  q quit"
	if m.activeTab == tabTimeline {
		dir := "oldest first"
		if !m.sortAsc {
			dir = "newest first"
		}
		hint += "  s sort (" + dir + ")"
	}
	if m.activeTab == tabToolCalls {
		hint += "  ↑/↓ select  enter expand/collapse"
	}
	pct := fmt.Sprintf("%3.0f%%", m.viewports[m.activeTab].ScrollPercent()*100)
	pad := m.width - lipgloss.Width(hint) - len(pct) - 2
	if pad < 1 {
		pad = 1
	}
	statusBar := statusBarStyle.Width(m.width).Render(hint + strings.Repeat(" ", pad) + pct)

	return lipgloss.JoinVertical(lipgloss.Left, title, tabRow, content, statusBar)
}

// ── Viewport management ───────────────────────────────────────────────────────

func (m *Model) initViewports() {
	// title(1) + tabRow(1) + statusBar(1) = 3 fixed rows
	vpHeight := m.height - 3
	if vpHeight < 1 {
		vpHeight = 1
	}
	for i := tabID(0); i < tabCount; i++ {
		vp := viewport.New(m.width, vpHeight)
		vp.SetContent(m.renderTab(i))
		m.viewports[i] = vp
	}
}

func (m *Model) rebuild(t tabID) {
	m.viewports[t].SetContent(m.renderTab(t))
}

// ── Tab renderers ─────────────────────────────────────────────────────────────

func (m *Model) renderTab(t tabID) string {
	switch t {
	case tabSummary:
		return m.renderSummary()
	case tabFindings:
		return m.renderFindings()
	case tabToolCalls:
		return m.renderToolCalls()
	case tabTranscript:
		return m.renderTranscript()
	case tabIssues:
		return m.renderIssues()
	case tabTimeline:
		return m.renderTimeline()
	}
	return ""
}

func heading(s string) string {
	return "\n" + sectionHeader.Render("  "+s) + "\n\n"
}

func bullet(text string) string {
	return bulletStyle.Render("  •") + "  " + text + "\n"
}

func (m *Model) renderSummary() string {
	s := m.transcript.Session
	var sb strings.Builder
	sb.WriteString(heading("Session Summary"))

	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("  %-14s", label)) + "  " + value + "\n")
	}
	row("Session:", s.ID)
	row("Repository:", s.RepoIdentity)
	row("State:", string(s.State))
	row("Started:", s.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if s.CompletedAt != nil {
		row("Completed:", s.CompletedAt.Format("2006-01-02 15:04:05 MST"))
		row("Duration:", s.Duration)
	}
	if a := s.SelfAssessment; a != nil {
		sb.WriteString(heading("Self-Assessment"))
		row("Rating:", fmt.Sprintf("%d/10", a.Rating))
		if a.Potential != "" {
			row("Potential:", a.Potential)
		}
		if a.Reasoning != "" {
			row("Concerns:", a.Reasoning)
		}
	}

	sb.WriteString(heading("Counts"))
	row("Findings:", fmt.Sprintf("%d", len(m.transcript.Findings)))
	row("Tool Calls:", fmt.Sprintf("%d", len(m.transcript.ToolCalls)))
	row("Messages:", fmt.Sprintf("%d", len(m.transcript.Messages)))
	row("Issues:", fmt.Sprintf("%d", len(m.transcript.Issues)))
	return sb.String()
}

func (m *Model) renderFindings() string {
	var sb strings.Builder
	sb.WriteString(heading(fmt.Sprintf("Findings (%d)", len(m.transcript.Findings))))
	if len(m.transcript.Findings) == 0 {
		sb.WriteString(dimStyle.Render("  (no patterns detected)") + "\n")
		return sb.String()
	}
	for _, f := range m.transcript.Findings {
		sb.WriteString(fmt.Sprintf("  %s  %s\n", labelStyle.Render(string(f.Kind)), severityStyle.Render(fmt.Sprintf("%.2f", f.Severity))))
		keys := make([]string, 0, len(f.Evidence))
		for k := range f.Evidence {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(bullet(fmt.Sprintf("%s: %v", k, f.Evidence[k])))
		}
		if len(f.Commits) > 0 {
			sb.WriteString(bullet(dimStyle.Render(fmt.Sprintf("%d supporting commit(s)", len(f.Commits)))))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func statusBadge(s session.ToolStatus) string {
	switch s {
	case session.ToolSucceeded:
		return succeededStyle.Render("✓ " + string(s))
	case session.ToolFailed:
		return failedStyle.Render("✗ " + string(s))
	}
	return pendingStyle.Render("… " + string(s))
}

func (m *Model) renderToolCalls() string {
	var sb strings.Builder
	calls := m.transcript.ToolCalls
	sb.WriteString(heading(fmt.Sprintf("Tool Calls (%d)", len(calls))))
	if len(calls) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for i, tc := range calls {
		toggle := dimStyle.Render("  ▶ ")
		if m.expandedCalls[i] {
			toggle = dimStyle.Render("  ▼ ")
		}
		row := fmt.Sprintf("%s%s  %-24s %s", toggle, timeStyle.Render(fmt.Sprintf("#%d", tc.Seq)), tc.Name, statusBadge(tc.Status))
		if i == m.callCursor {
			row = selectedRowStyle.Width(max(m.width-2, 1)).Render(row)
		}
		sb.WriteString(row + "\n")
		if m.expandedCalls[i] {
			if len(tc.Input) > 0 {
				sb.WriteString(labelStyle.Render("      input ") + dimStyle.Render(string(tc.Input)) + "\n")
			}
			if tc.Error != "" {
				sb.WriteString(labelStyle.Render("      error ") + failedStyle.Render(tc.Error) + "\n")
			}
			if tc.Output != "" {
				sb.WriteString(labelStyle.Render("      output") + "\n")
				sb.WriteString(dimStyle.Render(indent(prettyJSON(tc.Output), "        ")) + "\n")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m *Model) renderTranscript() string {
	var sb strings.Builder
	sb.WriteString(heading(fmt.Sprintf("Transcript (%d)", len(m.transcript.Messages))))
	if len(m.transcript.Messages) == 0 {
		sb.WriteString(dimStyle.Render("  (no messages)") + "\n")
		return sb.String()
	}
	for _, msg := range m.transcript.Messages {
		ts := timeStyle.Render(msg.CreatedAt.Format("15:04:05"))
		switch msg.Role {
		case session.RoleSystem:
			sb.WriteString(fmt.Sprintf("  %s  %s\n\n", ts, roleSystemStyle.Render(msg.Content)))
		case session.RoleAgent:
			sb.WriteString(fmt.Sprintf("  %s  %s\n%s\n\n", ts, roleAgentStyle.Render("agent"), indent(msg.Content, "    ")))
		default:
			sb.WriteString(fmt.Sprintf("  %s  %s\n%s\n\n", ts, roleUserStyle.Render("you"), indent(msg.Content, "    ")))
		}
	}
	return sb.String()
}

func (m *Model) renderIssues() string {
	var sb strings.Builder
	sb.WriteString(heading(fmt.Sprintf("Tracked Issues (%d)", len(m.transcript.Issues))))
	if len(m.transcript.Issues) == 0 {
		sb.WriteString(dimStyle.Render("  (none tracked in this session)") + "\n")
		return sb.String()
	}
	for _, is := range m.transcript.Issues {
		sb.WriteString(bullet(fmt.Sprintf("%s  %s  seen %d×  %s=%.4g",
			labelStyle.Render(is.Signature), string(is.Status), is.OccurrenceCount, is.MetricKey, is.LatestMetric)))
	}
	return sb.String()
}

func (m *Model) renderTimeline() string {
	var sb strings.Builder

	dir := "oldest first"
	if !m.sortAsc {
		dir = "newest first"
	}
	sb.WriteString(heading(fmt.Sprintf("Timeline (%s)", dir)))

	entries := make([]timelineEntry, len(m.timeline))
	copy(entries, m.timeline)
	if !m.sortAsc {
		sort.Slice(entries, func(i, j int) bool { return entries[i].seq > entries[j].seq })
	}
	if len(entries) == 0 {
		sb.WriteString(dimStyle.Render("  (empty session)") + "\n")
		return sb.String()
	}
	for _, e := range entries {
		var badge string
		label := fmt.Sprintf("  %-7s", string(e.kind))
		switch e.kind {
		case kindUser:
			badge = roleUserStyle.Render(label)
		case kindAgent:
			badge = roleAgentStyle.Render(label)
		case kindSystem:
			badge = roleSystemStyle.Render(label)
		case kindTool:
			badge = kindToolStyle.Render(label)
		}
		sb.WriteString(dimStyle.Render(fmt.Sprintf("  %4d", e.seq)) + badge + "  " + firstLine(e.text) + "\n")
	}
	return sb.String()
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func buildTimeline(t *report.Transcript) []timelineEntry {
	entries := make([]timelineEntry, 0, len(t.Messages)+len(t.ToolCalls))
	for _, msg := range t.Messages {
		k := kindUser
		switch msg.Role {
		case session.RoleAgent:
			k = kindAgent
		case session.RoleSystem:
			k = kindSystem
		}
		entries = append(entries, timelineEntry{seq: msg.Seq, kind: k, text: msg.Content})
	}
	for _, tc := range t.ToolCalls {
		entries = append(entries, timelineEntry{seq: tc.Seq, kind: kindTool, text: tc.Name + " " + string(tc.Status)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func prettyJSON(s string) string {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return s
	}
	return string(out)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}

// Run starts the TUI for the given transcript.
func Run(t *report.Transcript, source string) error {
	p := tea.NewProgram(New(t, source), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
