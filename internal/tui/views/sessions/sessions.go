// Package sessions renders the session list of the watch view.
package sessions

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/tui/theme"
)

// IdleAfter is how long a live session may be quiet before it shows as idle.
const IdleAfter = 2 * time.Minute

// State classifies a session for display.
func State(s *session.Session, now time.Time) string {
	switch {
	case !s.Live:
		return theme.StateEnded
	case now.Sub(s.LastActivityAt) > IdleAfter:
		return theme.StateIdle
	default:
		return theme.StateLive
	}
}

// Order sorts live sessions first, then idle, then ended; most recently
// active first within each group.
func Order(all []*session.Session, now time.Time) []*session.Session {
	rank := map[string]int{theme.StateLive: 0, theme.StateIdle: 1, theme.StateEnded: 2}
	out := append([]*session.Session(nil), all...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := rank[State(out[i], now)], rank[State(out[j], now)]
		if ri != rj {
			return ri < rj
		}
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts tallies sessions by display state.
func Counts(all []*session.Session, now time.Time) (live, idle, ended int) {
	c := lo.CountValuesBy(all, func(s *session.Session) string { return State(s, now) })
	return c[theme.StateLive], c[theme.StateIdle], c[theme.StateEnded]
}

var columns = []table.Column{
	{Title: "", Width: 1},
	{Title: "Session", Width: 10},
	{Title: "Project", Width: 22},
	{Title: "Start", Width: 12},
	{Title: "Tools", Width: 6},
	{Title: "Msgs", Width: 5},
	{Title: "Last Active", Width: 12},
	{Title: "End", Width: 20},
}

// Model wraps a bubbles table over the ordered sessions.
type Model struct {
	table table.Model
	order []*session.Session
}

func New() Model {
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(theme.ColorBorder).
		BorderBottom(true).
		Bold(true)
	st.Selected = st.Selected.Foreground(theme.ColorBright).Background(theme.ColorBorder).Bold(true)
	t.SetStyles(st)
	return Model{table: t}
}

// SetSize fits the table to the given area.
func (m *Model) SetSize(width, height int) {
	m.table.SetWidth(width)
	m.table.SetHeight(max(height, 3))
}

// SetSessions replaces the rows, keeping the cursor on the same session
// where possible.
func (m *Model) SetSessions(all []*session.Session, now time.Time) {
	selected := m.Selected()
	m.order = Order(all, now)
	m.table.SetRows(lo.Map(m.order, func(s *session.Session, _ int) table.Row {
		return row(s, now)
	}))
	if selected != nil {
		if _, idx, ok := lo.FindIndexOf(m.order, func(s *session.Session) bool { return s.ID == selected.ID }); ok {
			m.table.SetCursor(idx)
		}
	}
}

// Selected returns the session under the cursor, or nil.
func (m Model) Selected() *session.Session {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.order) {
		return nil
	}
	return m.order[i]
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if len(m.order) == 0 {
		return theme.StyleDimmed.Render("  No sessions yet. Waiting for hook events...")
	}
	return theme.StyleBorder.Render(m.table.View())
}

func row(s *session.Session, now time.Time) table.Row {
	state := State(s, now)
	end := ""
	if s.EndCause != nil {
		end = s.EndCause.String()
	}
	return table.Row{
		theme.StateGlyph(state),
		ShortID(s.ID),
		truncate(s.ProjectName, 22),
		s.StartCause.String(),
		fmt.Sprint(s.InvocationCount),
		fmt.Sprint(s.MessageCount),
		FormatAge(s.LastActivityAt, now),
		end,
	}
}

// ShortID abbreviates a session id for display.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatAge renders how long ago t was, coarsely.
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
