// Package detail renders the session detail pane: identity, counters,
// recent activity, and the resolved configuration.
package detail

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/tui/client"
	"github.com/hooklight/hooklight/internal/tui/theme"
	"github.com/hooklight/hooklight/internal/tui/views/sessions"
)

const (
	labelWidth = 14
	// maxFeed bounds the activity entries rendered.
	maxFeed = 50
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)

	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBright)

	styleSectionHeader = lipgloss.NewStyle().
				Bold(true).
				Foreground(theme.ColorDimmed)

	styleError = lipgloss.NewStyle().
			Foreground(theme.ColorDanger)
)

// Model holds the detail pane state.
type Model struct {
	Detail *session.Detail
	Config *client.ConfigView
	Err    error

	viewport viewport.Model
	width    int
	height   int
}

func New() Model {
	return Model{}
}

// SetSize updates the pane dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = max(width-4, 20)
	m.viewport.Height = max(height-2, 3)
}

// SetContent replaces what the pane shows and scrolls to the top.
func (m *Model) SetContent(d *session.Detail, cfg *client.ConfigView, err error, now time.Time) {
	m.Detail = d
	m.Config = cfg
	m.Err = err
	m.viewport.SetContent(m.render(now))
	m.viewport.GotoTop()
}

// Refresh re-renders the current content, keeping the scroll position.
func (m *Model) Refresh(now time.Time) {
	offset := m.viewport.YOffset
	m.viewport.SetContent(m.render(now))
	m.viewport.SetYOffset(offset)
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	return stylePanel.Width(max(m.width-2, 20)).Render(m.viewport.View())
}

func (m Model) render(now time.Time) string {
	if m.Err != nil {
		return styleError.Render("Could not load session: " + m.Err.Error())
	}
	if m.Detail == nil || m.Detail.Session == nil {
		return theme.StyleDimmed.Render("No session selected.")
	}
	s := m.Detail.Session
	var b strings.Builder

	state := sessions.State(s, now)
	b.WriteString(styleTitle.Render("Session: "+s.ProjectName) + "  " +
		lipgloss.NewStyle().Foreground(theme.StateColor(state)).Render(theme.StateGlyph(state)+" "+state) + "\n")
	b.WriteString(strings.Repeat("─", max(m.viewport.Width-2, 10)) + "\n")

	writeRow(&b, "ID", s.ID)
	writeRow(&b, "Project", s.ProjectPath)
	writeRow(&b, "Started", fmt.Sprintf("%s (%s)", s.StartedAt.Local().Format("15:04:05"), s.StartCause))
	if s.EndedAt != nil && s.EndCause != nil {
		writeRow(&b, "Ended", fmt.Sprintf("%s (%s), ran %s", s.EndedAt.Local().Format("15:04:05"), s.EndCause, s.Duration().Round(time.Second)))
	}
	writeRow(&b, "Last Active", sessions.FormatAge(s.LastActivityAt, now))
	writeRow(&b, "Activity", fmt.Sprintf("%d tool calls  %d messages", s.InvocationCount, s.MessageCount))
	if n, ok := s.Annotations[session.AnnotationResumeCount]; ok {
		writeRow(&b, "Resumes", fmt.Sprint(n))
	}

	if m.Config != nil {
		b.WriteString("\n" + styleSectionHeader.Render("Configuration") + "\n")
		sources := m.Config.Summary.ActiveSources
		if m.Config.Summary.HasRuntimeOverrides {
			sources = append(append([]string(nil), sources...), "runtime")
		}
		parts := make([]string, 0, len(sources))
		for _, src := range sources {
			parts = append(parts, lipgloss.NewStyle().Foreground(theme.LayerColor(src)).Render(src))
		}
		writeRow(&b, "Sources", strings.Join(parts, " < "))
		keys := sortedKeys(m.Config.Summary.Effective)
		for _, k := range keys {
			writeRow(&b, k, compact(m.Config.Summary.Effective[k]))
		}
	}

	if reply := lastReply(m.Detail); reply != nil {
		b.WriteString("\n" + styleSectionHeader.Render(fmt.Sprintf("Last reply (turn %d)", reply.Turn)) + "\n")
		b.WriteString(renderMarkdown(reply.Text, m.viewport.Width-2))
	}

	b.WriteString("\n" + styleSectionHeader.Render("Recent activity") + "\n")
	feed := Feed(m.Detail)
	if len(feed) == 0 {
		b.WriteString(theme.StyleDimmed.Render("  nothing yet") + "\n")
	}
	for _, line := range feed {
		b.WriteString(line + "\n")
	}
	return b.String()
}

func lastReply(d *session.Detail) *session.Message {
	var last *session.Message
	for _, msg := range d.Messages {
		if msg.Role != session.RoleAssistant {
			continue
		}
		if last == nil || msg.CapturedAt.After(last.CapturedAt) {
			last = msg
		}
	}
	return last
}

// renderMarkdown formats an assistant reply, falling back to the raw text.
func renderMarkdown(text string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(max(width, 20)),
	)
	if err != nil {
		return text + "\n"
	}
	out, err := r.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

type entry struct {
	at   time.Time
	text string
}

// Feed merges tool invocations and messages into one newest-first list.
func Feed(d *session.Detail) []string {
	var entries []entry
	for _, inv := range d.Invocations {
		status := lipgloss.NewStyle().Foreground(theme.ColorTool).Render("running")
		switch {
		case inv.Error != nil:
			status = lipgloss.NewStyle().Foreground(theme.ColorToolError).Render("error: " + firstLine(*inv.Error, 40))
		case inv.Completed() && inv.DurationMS != nil:
			status = fmt.Sprintf("%dms", *inv.DurationMS)
		case inv.Completed():
			status = "done"
		}
		entries = append(entries, entry{inv.IssuedAt, fmt.Sprintf("%s  ⚙ %-12s %s",
			theme.StyleDimmed.Render(inv.IssuedAt.Local().Format("15:04:05")), inv.ToolName, status)})
	}
	for _, msg := range d.Messages {
		role := lipgloss.NewStyle().Foreground(theme.RoleColor(string(msg.Role))).Render(fmt.Sprintf("%-9s", msg.Role))
		entries = append(entries, entry{msg.CapturedAt, fmt.Sprintf("%s  %s %s",
			theme.StyleDimmed.Render(msg.CapturedAt.Local().Format("15:04:05")), role, firstLine(msg.Text, 60))})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at.After(entries[j].at) })
	if len(entries) > maxFeed {
		entries = entries[:maxFeed]
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.text
	}
	return out
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label) + styleValue.Render(value) + "\n")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func compact(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return firstLine(string(data), 60)
}

func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if len(s) > n {
		s = s[:n-3] + "..."
	}
	return s
}
