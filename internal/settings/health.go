package settings

import (
	"sync"
	"time"
)

// HealthStatus summarizes how reliably a settings file has been read.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// FileHealth is a point-in-time copy of one file's read health.
type FileHealth struct {
	Level     Level        `json:"level"`
	Path      string       `json:"path"`
	Status    HealthStatus `json:"status"`
	Failures  int          `json:"consecutive_failures"`
	LastError string       `json:"last_error,omitempty"`
	LastFail  *time.Time   `json:"last_failure_at,omitempty"`
}

// fileHealth tracks consecutive read failures for a single settings file.
// The poller goroutine writes it while /health reads it.
type fileHealth struct {
	mu       sync.Mutex
	path     string
	failures int
	lastErr  string
	lastFail time.Time
}

func (h *fileHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
}

func (h *fileHealth) recordFailure(err error, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = at
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *fileHealth) statusLocked(threshold int) HealthStatus {
	switch {
	case h.failures >= threshold:
		return StatusFailed
	case h.failures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (h *fileHealth) snapshot(level Level, threshold int) FileHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	fh := FileHealth{
		Level:     level,
		Path:      h.path,
		Status:    h.statusLocked(threshold),
		Failures:  h.failures,
		LastError: h.lastErr,
	}
	if !h.lastFail.IsZero() {
		t := h.lastFail
		fh.LastFail = &t
	}
	return fh
}
