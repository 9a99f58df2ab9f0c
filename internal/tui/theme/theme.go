// Package theme provides the Lip Gloss color palette and reusable styles
// for the hooklight watch view. It is a leaf package with no internal
// imports to avoid import cycles.
package theme

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Session state colors.
var (
	ColorLive    = lipgloss.Color("#22c55e")
	ColorIdle    = lipgloss.Color("#d97706")
	ColorEnded   = lipgloss.Color("#6b7280")
	ColorResumed = lipgloss.Color("#7c3aed")
)

// Activity colors.
var (
	ColorTool      = lipgloss.Color("#d97706")
	ColorToolError = lipgloss.Color("#dc2626")
	ColorUser      = lipgloss.Color("#3b82f6")
	ColorAssistant = lipgloss.Color("#a855f7")
	ColorSettings  = lipgloss.Color("#06b6d4")
)

// Configuration layer colors, by precedence.
var (
	ColorManaged = lipgloss.Color("#dc2626")
	ColorUserCfg = lipgloss.Color("#3b82f6")
	ColorProject = lipgloss.Color("#22c55e")
	ColorLocal   = lipgloss.Color("#f59e0b")
	ColorRuntime = lipgloss.Color("#a855f7")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// State names used by StateColor and StateGlyph.
const (
	StateLive  = "live"
	StateIdle  = "idle"
	StateEnded = "ended"
)

// StateColor returns the color for a session state.
func StateColor(state string) lipgloss.Color {
	switch state {
	case StateLive:
		return ColorLive
	case StateIdle:
		return ColorIdle
	default:
		return ColorEnded
	}
}

// StateGlyph returns a Unicode glyph representing a session state.
func StateGlyph(state string) string {
	switch state {
	case StateLive:
		return "●"
	case StateIdle:
		return "◌"
	default:
		return "○"
	}
}

// RoleColor returns the color for a message role.
func RoleColor(role string) lipgloss.Color {
	if role == "assistant" {
		return ColorAssistant
	}
	return ColorUser
}

// LayerColor returns the color for a configuration layer name.
func LayerColor(level string) lipgloss.Color {
	switch strings.ToLower(level) {
	case "managed":
		return ColorManaged
	case "user":
		return ColorUserCfg
	case "project":
		return ColorProject
	case "local":
		return ColorLocal
	case "runtime":
		return ColorRuntime
	default:
		return ColorDimmed
	}
}

// HealthColor returns the color for a health status string.
func HealthColor(status string) lipgloss.Color {
	switch status {
	case "healthy":
		return ColorHealthy
	case "degraded":
		return ColorWarning
	case "failed", "unhealthy":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)
)
