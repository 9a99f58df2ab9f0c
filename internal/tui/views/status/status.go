// Package status renders the one-line header of the watch view.
package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hooklight/hooklight/internal/settings"
	"github.com/hooklight/hooklight/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected    bool
	Live         int
	Idle         int
	Ended        int
	Server       string
	SettingsFile []settings.FileHealth
	Width        int
}

// New creates a status bar model.
func New(server string) Model {
	return Model{Server: server}
}

// SetCounts updates the per-state session counts.
func (m *Model) SetCounts(live, idle, ended int) {
	m.Live = live
	m.Idle = idle
	m.Ended = ended
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● " + m.Server)
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting to " + m.Server)
	}

	counts := lipgloss.NewStyle().Foreground(theme.ColorLive).Render(fmt.Sprintf("%d live", m.Live)) + "  " +
		lipgloss.NewStyle().Foreground(theme.ColorIdle).Render(fmt.Sprintf("%d idle", m.Idle)) + "  " +
		theme.StyleDimmed.Render(fmt.Sprintf("%d ended", m.Ended))

	var healthParts []string
	for _, h := range m.SettingsFile {
		if h.Status == settings.StatusHealthy {
			continue
		}
		healthParts = append(healthParts, lipgloss.NewStyle().Foreground(theme.HealthColor(string(h.Status))).Render(
			fmt.Sprintf("%s settings: %s", h.Level, h.Status),
		))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + counts
	if len(healthParts) > 0 {
		content += sep + strings.Join(healthParts, "  ")
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
