package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/hooklight/hooklight/internal/apperr"
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
)

type batchLine struct {
	Line      int              `json:"line"`
	EventID   string           `json:"event_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Kind      string           `json:"event_kind,omitempty"`
	Status    string           `json:"status"`
	Error     *errorBody       `json:"error,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
}

type batchResponse struct {
	Accepted int         `json:"accepted"`
	Failed   int         `json:"failed"`
	Results  []batchLine `json:"results"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer body.Close()

	if isNDJSON(r) {
		s.handleBatch(r.Context(), w, body)
		return
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		s.writeError(w, apperr.Malformed("read body: %v", err), true)
		return
	}
	sess, err := s.ingester.Submit(r.Context(), raw)
	if err != nil {
		s.writeError(w, err, true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"session": s.maskOne(sess),
	})
}

func (s *Server) handleBatch(ctx context.Context, w http.ResponseWriter, body io.Reader) {
	results, err := s.ingester.SubmitBatch(ctx, body)
	if err != nil && len(results) == 0 {
		s.writeError(w, apperr.Malformed("%v", err), true)
		return
	}

	resp := batchResponse{Results: make([]batchLine, 0, len(results))}
	for _, res := range results {
		line := batchLine{
			Line:      res.Line,
			EventID:   res.EventID,
			SessionID: res.SessionID,
			Kind:      string(res.Kind),
			Status:    "ok",
		}
		if res.Err != nil {
			body := bodyFor(res.Err)
			line.Status = "error"
			line.Error = &body
			resp.Failed++
		} else {
			line.Session = s.maskOne(res.Session)
			resp.Accepted++
		}
		resp.Results = append(resp.Results, line)
	}
	if err != nil {
		s.log.Warnf("Batch ingest stopped early: %v", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

// maskOne applies the privacy filter to a single ingest result. Sessions the
// filter hides are omitted.
func (s *Server) maskOne(sess *session.Session) *session.Session {
	if sess == nil || !s.privacy.IsAllowed(sess.ProjectPath) {
		return nil
	}
	return s.privacy.Apply(sess)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := session.ListQuery{ActiveOnly: queryBool(r, "active")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}

	sessions, err := s.store.List(r.Context(), q)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, s.privacy.FilterSlice(sessions))
}

// visible loads a session and hides it when the privacy filter excludes it.
func (s *Server) visible(ctx context.Context, id string) (*session.Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.privacy.IsAllowed(sess.ProjectPath) {
		return nil, apperr.SessionNotFound(id)
	}
	return sess, nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	sess, err := s.visible(ctx, id)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	invs, err := s.store.Invocations(ctx, id)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	msgs, err := s.store.Messages(ctx, id)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	writeJSON(w, http.StatusOK, s.privacy.ApplyDetail(&session.Detail{
		Session:     sess,
		Invocations: invs,
		Messages:    msgs,
	}))
}

type configResponse struct {
	SessionID   string           `json:"session_id,omitempty"`
	StartConfig map[string]any   `json:"start_config,omitempty"`
	Summary     settings.Summary `json:"summary"`
}

func (s *Server) handleSessionConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	sess, err := s.visible(ctx, id)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	snaps, err := s.store.Layers(ctx, id)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	masked := s.privacy.Apply(sess)
	summary := settings.Summarize(settings.FromSnapshots(snaps), sess.RuntimeOverrides)
	if s.privacy.MaskProjectPaths {
		summary.Paths = nil
	}
	writeJSON(w, http.StatusOK, configResponse{
		SessionID:   masked.ID,
		StartConfig: sess.StartConfig,
		Summary:     summary,
	})
}

func (s *Server) handleGlobalConfig(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.Layers(r.Context(), "")
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	layers := settings.FromSnapshots(snaps)
	if len(layers) == 0 && s.global != nil {
		layers = s.global.LoadGlobal()
	}
	writeJSON(w, http.StatusOK, configResponse{Summary: settings.Summarize(layers, nil)})
}

type statsResponse struct {
	session.Stats
	Subscribers int `json:"subscribers"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(r.Context(), s.clock.Now())
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	resp := statsResponse{Stats: st}
	if s.hub != nil {
		resp.Subscribers = s.hub.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

type processStats struct {
	PID        int     `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

type healthResponse struct {
	Status        string                `json:"status"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	Subscribers   int                   `json:"subscribers"`
	Process       processStats          `json:"process"`
	SettingsFiles []settings.FileHealth `json:"settings_files,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		UptimeSeconds: s.clock.Since(s.started).Round(time.Second).Seconds(),
		Process:       readProcessStats(),
	}
	if s.hub != nil {
		resp.Subscribers = s.hub.Count()
	}
	if s.health != nil {
		resp.SettingsFiles = s.health()
		for _, fh := range resp.SettingsFiles {
			if fh.Status != settings.StatusHealthy {
				resp.Status = "degraded"
			}
		}
	}

	// A store that cannot answer a trivial read is unhealthy.
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.List(ctx, session.ListQuery{Limit: 1}); err != nil {
		resp.Status = "unhealthy"
		if !errors.Is(err, context.Canceled) {
			s.log.Warnf("Health check: store unavailable: %v", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func readProcessStats() processStats {
	st := processStats{PID: os.Getpid(), Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcess(int32(st.PID))
	if err != nil {
		return st
	}
	if mem, err := p.MemoryInfo(); err == nil {
		st.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	return st
}
