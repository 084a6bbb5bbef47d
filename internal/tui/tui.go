// Package tui provides a Bubble Tea viewer for exported agent transcripts.
package tui

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fakeyudi/agentconsole/internal/export"
	"github.com/fakeyudi/agentconsole/internal/transcript"
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

	kindUserStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	kindAssistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	kindToolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	kindOtherStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Bold(true)

	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)

	selectedRowStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("237"))
)

// ── Tab definitions ─────────────────

type tabID int

const (
	tabSummary tabID = iota
	tabTranscript
	tabApprovals
	tabCount
)

var tabNames = [tabCount]string{"Summary", "Transcript", "Approvals"}

// ── Model ────────────────────

// Model is the root Bubble Tea model for the viewer.
type Model struct {
	export    *export.Transcript
	filename  string
	activeTab tabID
	viewports [tabCount]viewport.Model
	width     int
	height    int
	ready     bool
	// Transcript tab state.
	newestFirst bool
	pendingOnly bool
	cursor      int
	expanded    map[string]bool
}

// New creates a viewer model for t loaded from filename.
func New(t *export.Transcript, filename string) Model {
	return Model{
		export:   t,
		filename: filepath.Base(filename),
		expanded: make(map[string]bool),
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
		case "1", "2", "3":
			m.activeTab = tabID(msg.String()[0] - '1')
		case "s":
			if m.activeTab == tabTranscript {
				m.newestFirst = !m.newestFirst
				m.cursor = 0
				m.rebuildTranscript(true)
				return m, nil
			}
		case "p":
			if m.activeTab == tabTranscript {
				m.pendingOnly = !m.pendingOnly
				m.cursor = 0
				m.rebuildTranscript(true)
				return m, nil
			}
		case "up", "k":
			if m.activeTab == tabTranscript && m.cursor > 0 {
				m.cursor--
				m.rebuildTranscript(false)
				return m, nil
			}
		case "down", "j":
			if m.activeTab == tabTranscript && m.cursor < len(m.visibleEntries())-1 {
				m.cursor++
				m.rebuildTranscript(false)
				return m, nil
			}
		case "enter", " ":
			if m.activeTab == tabTranscript {
				if entries := m.visibleEntries(); len(entries) > 0 {
					id := entries[m.cursor].EntryID
					if m.expanded[id] {
						delete(m.expanded, id)
					} else {
						m.expanded[id] = true
					}
					m.rebuildTranscript(false)
				}
				return m, nil
			}
		}
		if !m.ready {
			return m, nil
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

	title := titleStyle.Width(m.width).Render("  agentconsole  " + m.filename)

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

	hint := "  ←/→ tab  ↑/↓ scroll  1-3 jump  q quit"
	if m.activeTab == tabTranscript {
		dir := "oldest first"
		if m.newestFirst {
			dir = "newest first"
		}
		hint = "  ←/→ tab  ↑/↓ select  enter details  s sort (" + dir + ")  p pending  q quit"
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
	// title, tab row and status bar.
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

func (m *Model) rebuildTranscript(top bool) {
	if !m.ready {
		return
	}
	m.viewports[tabTranscript].SetContent(m.renderTab(tabTranscript))
	if top {
		m.viewports[tabTranscript].GotoTop()
	}
}

// visibleEntries applies the transcript tab's filter and sort direction.
func (m *Model) visibleEntries() []transcript.Entry {
	var out []transcript.Entry
	for _, e := range m.export.Entries {
		if m.pendingOnly && e.Confirmed {
			continue
		}
		out = append(out, e)
	}
	if m.newestFirst {
		slices.Reverse(out)
	}
	return out
}

// ── Tab renderers ─────────────────────────────────────────────────────────────

func (m *Model) renderTab(t tabID) string {
	switch t {
	case tabSummary:
		return m.renderSummary()
	case tabTranscript:
		return m.renderTranscript()
	case tabApprovals:
		return m.renderApprovals()
	}
	return ""
}

func heading(s string) string {
	return "\n" + sectionHeader.Render("  "+s) + "\n\n"
}

func (m *Model) renderSummary() string {
	a := m.export.Agent
	var sb strings.Builder
	sb.WriteString(heading("Agent"))

	row := func(label, value string) {
		sb.WriteString(labelStyle.Render(fmt.Sprintf("  %-14s", label)) + "  " + value + "\n")
	}
	row("ID:", a.ID)
	if a.Name != "" {
		row("Name:", a.Name)
	}
	row("Session:", fmt.Sprintf("%s (epoch %d)", a.SessionKey, a.SessionEpoch))
	row("Status:", string(a.Status))
	if a.RunID != "" {
		row("Run:", a.RunID)
	}
	row("Exported:", m.export.ExportedAt.Format("2006-01-02 15:04:05 MST"))
	if a.LastError != "" {
		row("Last Error:", errorStyle.Render(a.LastError))
	}

	if a.LastResult != "" || a.LatestUpdate != "" {
		sb.WriteString(heading("Latest"))
		if a.LastResult != "" {
			row("Result:", a.LastResult)
		}
		if a.LatestUpdate != "" {
			row("Update:", a.LatestUpdate)
		}
	}

	sb.WriteString(heading("History"))
	if a.History.LoadedAt == 0 {
		sb.WriteString(dimStyle.Render("  (never synced)") + "\n")
	} else {
		row("Loaded:", time.UnixMilli(a.History.LoadedAt).UTC().Format("2006-01-02 15:04:05 MST"))
		row("Fetched:", fmt.Sprintf("%d of limit %d", a.History.FetchedCount, a.History.FetchLimit))
		if a.History.MaybeTruncated {
			row("Truncated:", "maybe")
		}
	}

	st := m.export.Stats
	sb.WriteString(heading("Counts"))
	row("Entries:", fmt.Sprintf("%d", st.Entries))
	row("Confirmed:", fmt.Sprintf("%d", st.Confirmed))
	row("Pending:", fmt.Sprintf("%d", st.Entries-st.Confirmed))
	row("Approvals:", fmt.Sprintf("%d", len(m.export.Approvals)))
	sources := make([]string, 0, len(st.BySource))
	for src := range st.BySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		row(src+":", fmt.Sprintf("%d", st.BySource[src]))
	}
	return sb.String()
}

func (m *Model) renderTranscript() string {
	entries := m.visibleEntries()
	var sb strings.Builder
	title := fmt.Sprintf("Transcript (%d)", len(entries))
	if m.pendingOnly {
		title = fmt.Sprintf("Pending Entries (%d)", len(entries))
	}
	sb.WriteString(heading(title))
	if len(entries) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for i, e := range entries {
		toggle := dimStyle.Render("  ▶ ")
		if m.expanded[e.EntryID] {
			toggle = dimStyle.Render("  ▼ ")
		}
		ts := timeStyle.Render("--:--:--")
		if e.TimestampMs != nil {
			ts = timeStyle.Render(time.UnixMilli(*e.TimestampMs).UTC().Format("15:04:05"))
		}
		text := firstLine(e.Text)
		if !e.Confirmed {
			text += pendingStyle.Render(" (pending)")
		}
		row := fmt.Sprintf("%s%s  %s  %s", toggle, ts, kindBadge(e.Kind), text)
		if i == m.cursor {
			row = selectedRowStyle.Width(max(m.width-2, 1)).Render(row)
		}
		sb.WriteString(row + "\n")
		if m.expanded[e.EntryID] {
			sb.WriteString(renderDetails(e))
		}
	}
	return sb.String()
}

func renderDetails(e transcript.Entry) string {
	var sb strings.Builder
	row := func(label, value string) {
		sb.WriteString(dimStyle.Render(fmt.Sprintf("        %-12s %s", label, value)) + "\n")
	}
	row("id", e.EntryID)
	row("source", string(e.Source))
	row("session", e.SessionKey)
	if e.RunID != "" {
		row("run", e.RunID)
	}
	row("sequence", fmt.Sprintf("%d", e.SequenceKey))
	row("fingerprint", e.Fingerprint)
	if strings.Contains(e.Text, "\n") {
		for _, line := range strings.Split(e.Text, "\n") {
			sb.WriteString("        " + line + "\n")
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

func (m *Model) renderApprovals() string {
	var sb strings.Builder
	sb.WriteString(heading(fmt.Sprintf("Pending Approvals (%d)", len(m.export.Approvals))))
	if len(m.export.Approvals) == 0 {
		sb.WriteString(dimStyle.Render("  (none)") + "\n")
		return sb.String()
	}
	for _, p := range m.export.Approvals {
		expires := timeStyle.Render(time.UnixMilli(p.ExpiresAtMs).UTC().Format("15:04:05"))
		sb.WriteString(fmt.Sprintf("  %s  %s  %s\n", expires, labelStyle.Render(p.ID), p.Command))
		if p.Cwd != "" {
			sb.WriteString(dimStyle.Render("        cwd  "+p.Cwd) + "\n")
		}
		if p.Host != "" {
			sb.WriteString(dimStyle.Render("        host "+p.Host) + "\n")
		}
		if p.Resolving {
			sb.WriteString(pendingStyle.Render("        resolving…") + "\n")
		}
		if p.Error != "" {
			sb.WriteString(errorStyle.Render("        "+p.Error) + "\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func kindBadge(k transcript.Kind) string {
	label := fmt.Sprintf("%-9s", strings.ToUpper(string(k)))
	switch k {
	case transcript.KindUser:
		return kindUserStyle.Render(label)
	case transcript.KindAssistant, transcript.KindThinking:
		return kindAssistantStyle.Render(label)
	case transcript.KindTool:
		return kindToolStyle.Render(label)
	}
	return kindOtherStyle.Render(label)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

// Run starts the viewer for t.
func Run(t *export.Transcript, filename string) error {
	p := tea.NewProgram(New(t, filename), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
