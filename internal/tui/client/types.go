// Package client talks to a hooklight server: the REST query API and the
// live WebSocket subscription.
package client

import (
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
)

// Stats mirrors GET /api/stats.
type Stats struct {
	session.Stats
	Subscribers int `json:"subscribers"`
}

// ConfigView mirrors GET /api/sessions/{id}/config and GET /api/config.
type ConfigView struct {
	SessionID   string           `json:"session_id,omitempty"`
	StartConfig map[string]any   `json:"start_config,omitempty"`
	Summary     settings.Summary `json:"summary"`
}

// Health mirrors GET /health.
type Health struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Subscribers   int     `json:"subscribers"`
	Process       struct {
		PID        int     `json:"pid"`
		RSSBytes   uint64  `json:"rss_bytes"`
		CPUPercent float64 `json:"cpu_percent"`
		Goroutines int     `json:"goroutines"`
	} `json:"process"`
	SettingsFiles []settings.FileHealth `json:"settings_files,omitempty"`
}
