package app

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/wordwrap"

	"github.com/zjrosen/clide/internal/state"
)

// View implements tea.Model.
func (m Model) View() string {
	var sections []string

	sections = append(sections, m.statusBar())

	bodyHeight := m.height - 3
	if bodyHeight < 3 {
		bodyHeight = 3
	}

	var panes []string
	if m.snap.TreeVisible {
		panes = append(panes, m.treePane(bodyHeight))
	}
	panes = append(panes, m.editorPane(bodyHeight))
	if m.snap.AgentVisible {
		panes = append(panes, m.agentPane(bodyHeight))
	}
	sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top, panes...))

	if m.snap.AgentVisible && m.snap.Focus == state.FocusAgent {
		sections = append(sections, m.prompt.View())
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// statusBar summarizes session health in one line.
func (m Model) statusBar() string {
	parts := []string{"clide"}

	switch {
	case m.snap.LspCrashed:
		parts = append(parts, errorStyle.Render("lsp: crashed (ctrl+r to restart)"))
	case m.snap.LspRunning:
		parts = append(parts, successStyle.Render("lsp: running"))
	default:
		parts = append(parts, mutedStyle.Render("lsp: stopped"))
	}

	if m.snap.ActiveProfile != "" {
		parts = append(parts, "profile: "+m.snap.ActiveProfile)
	}
	if n := len(m.snap.Outstanding); n > 0 {
		parts = append(parts, warningStyle.Render(fmt.Sprintf("%d in flight", n)))
	}
	if m.docPath != "" {
		parts = append(parts, fmt.Sprintf("%s:%d:%d", filepath.Base(m.docPath), m.line+1, m.col+1))
	}
	if m.snap.LastServerNote != "" {
		note := runewidth.Truncate(m.snap.LastServerNote, 48, "…")
		parts = append(parts, mutedStyle.Render(note))
	}
	if n := len(m.snap.RecordedErrors); n > 0 {
		last := m.snap.RecordedErrors[n-1]
		parts = append(parts, errorStyle.Render(runewidth.Truncate(last, 48, "…")))
	}

	bar := strings.Join(parts, " │ ")
	return statusBarStyle.Width(m.width).Render(clip(bar, m.width-2))
}

// treePane lists files carrying diagnostics, worst severity first.
func (m Model) treePane(height int) string {
	width := m.paneWidth(4)

	var lines []string
	lines = append(lines, paneTitleStyle.Render("Diagnostics"))

	uris := make([]string, 0, len(m.snap.Diagnostics))
	for uri := range m.snap.Diagnostics {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	for _, uri := range uris {
		diags := m.snap.Diagnostics[uri]
		if len(diags) == 0 {
			continue
		}
		name := filepath.Base(strings.TrimPrefix(uri, "file://"))
		lines = append(lines, clip(fmt.Sprintf("%s (%d)", name, len(diags)), width))
		for _, d := range diags {
			lines = append(lines, clip("  "+renderDiagnostic(d), width))
		}
	}
	if len(lines) == 1 {
		lines = append(lines, mutedStyle.Render("no diagnostics"))
	}

	return m.pane(state.FocusTree, width, height, strings.Join(lines, "\n"))
}

// editorPane shows the query results for the cursor position.
func (m Model) editorPane(height int) string {
	width := m.paneWidth(4)

	var lines []string
	lines = append(lines, paneTitleStyle.Render("Editor"))
	if m.docPath != "" {
		lines = append(lines, mutedStyle.Render(clip(m.docPath, width)))
	}

	if m.snap.HoverText != "" {
		lines = append(lines, "")
		lines = append(lines, wordwrap.String(m.snap.HoverText, width))
	}
	if len(m.snap.Completions) > 0 {
		lines = append(lines, "", paneTitleStyle.Render("Completions"))
		for _, c := range m.snap.Completions {
			lines = append(lines, clip("  "+c, width))
		}
	}

	return m.pane(state.FocusEditor, width, height, strings.Join(lines, "\n"))
}

// agentPane renders the conversation, markdown for detail text and a
// colorized preview for patches.
func (m Model) agentPane(height int) string {
	width := m.paneWidth(4)

	var lines []string
	title := "Agent"
	if m.snap.ActiveProfile != "" {
		title += " · " + m.snap.ActiveProfile
	}
	lines = append(lines, paneTitleStyle.Render(title))

	renderer, _ := newMarkdownRenderer(width)

	for i, entry := range m.snap.Entries {
		prefix := "  "
		if i == m.snap.SelectedEntry {
			prefix = selectedEntryStyle.Render("> ")
		}
		header := entry.Title
		if entry.Streaming {
			header += " " + warningStyle.Render("…")
		}
		lines = append(lines, prefix+clip(header, width-2))

		if entry.Detail != "" {
			body := entry.Detail
			if renderer != nil {
				body = renderer.Render(entry.Detail)
			}
			lines = append(lines, strings.TrimRight(body, "\n"))
		}
		if entry.Patch != "" {
			lines = append(lines, renderPatch(entry.Patch, width))
		}
	}
	if len(m.snap.Entries) == 0 {
		lines = append(lines, mutedStyle.Render("no conversation yet"))
	}

	return m.pane(state.FocusAgent, width, height, strings.Join(lines, "\n"))
}

func (m Model) pane(focus state.Focus, width, height int, content string) string {
	style := paneStyle
	if m.snap.Focus == focus {
		style = paneFocusedStyle
	}
	return style.Width(width).Height(height - 2).Render(content)
}

// paneWidth divides the terminal between the visible panes.
func (m Model) paneWidth(padding int) int {
	visible := 1
	if m.snap.TreeVisible {
		visible++
	}
	if m.snap.AgentVisible {
		visible++
	}
	w := m.width/visible - padding
	if w < 16 {
		w = 16
	}
	return w
}

func renderDiagnostic(d state.Diagnostic) string {
	var sev string
	switch d.Severity {
	case 1:
		sev = errorStyle.Render("E")
	case 2:
		sev = warningStyle.Render("W")
	default:
		sev = mutedStyle.Render("I")
	}
	return fmt.Sprintf("%s %d:%d %s", sev, d.Line+1, d.Col+1, d.Message)
}
