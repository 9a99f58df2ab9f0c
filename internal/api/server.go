// Package api serves the HTTP surface: event ingestion, read-only session
// and configuration queries, the WebSocket subscription, health, and
// metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/hooklight/hooklight/internal/apperr"
	"github.com/hooklight/hooklight/internal/event"
	"github.com/hooklight/hooklight/internal/metrics"
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
	"github.com/hooklight/hooklight/internal/ws"
)

const maxBodyBytes = 32 << 20

// Ingester is the ingestion entry point as used by the HTTP layer.
type Ingester interface {
	Submit(ctx context.Context, raw []byte) (*session.Session, error)
	SubmitBatch(ctx context.Context, r io.Reader) ([]event.Result, error)
}

// GlobalLayers reads the global configuration layers from disk. It is used
// when no global snapshot has been stored yet.
type GlobalLayers interface {
	LoadGlobal() []settings.Layer
}

type Options struct {
	Store    session.Store
	Ingester Ingester
	Hub      *ws.Hub
	Origins  *ws.OriginPolicy
	Privacy  *session.PrivacyFilter
	Global   GlobalLayers
	// SettingsHealth reports the global settings file health, if polled.
	SettingsHealth func() []settings.FileHealth
	Metrics        *metrics.Metrics
	Clock          clock.Clock
	Logger         *zap.SugaredLogger
}

type Server struct {
	store    session.Store
	ingester Ingester
	hub      *ws.Hub
	origins  *ws.OriginPolicy
	privacy  *session.PrivacyFilter
	global   GlobalLayers
	health   func() []settings.FileHealth
	metrics  *metrics.Metrics
	clock    clock.Clock
	log      *zap.SugaredLogger
	started  time.Time
}

func NewServer(opts Options) *Server {
	s := &Server{
		store:    opts.Store,
		ingester: opts.Ingester,
		hub:      opts.Hub,
		origins:  opts.Origins,
		privacy:  opts.Privacy,
		global:   opts.Global,
		health:   opts.SettingsHealth,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.log == nil {
		s.log = zap.NewNop().Sugar()
	}
	if s.privacy == nil {
		s.privacy = &session.PrivacyFilter{}
	}
	if s.origins == nil {
		s.origins = ws.NewOriginPolicy(nil)
	}
	s.started = s.clock.Now()
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodPost)
	r.HandleFunc("/api/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/{id}/config", s.handleSessionConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/config", s.handleGlobalConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.hub != nil {
		r.Handle("/ws", s.hub.Handler(s.origins)).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "NOT_FOUND", Message: "no such endpoint"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "METHOD_NOT_ALLOWED", Message: "method not allowed"})
	})

	r.Use(securityHeaders, s.checkOrigin)
	return r
}

// securityHeaders adds standard security headers to every HTTP response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// checkOrigin refuses browser requests from foreign origins.
func (s *Server) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.origins.Check(r) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "FORBIDDEN_ORIGIN", Message: "origin not allowed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP. Ingestion reports an unknown
// session as 422 because the request itself was well formed.
func statusFor(err error, ingest bool) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeMalformedEvent:
		return http.StatusBadRequest
	case apperr.CodeSessionNotFound:
		if ingest {
			return http.StatusUnprocessableEntity
		}
		return http.StatusNotFound
	case apperr.CodeStaleEvent:
		return http.StatusConflict
	case apperr.CodePersistenceFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bodyFor(err error) errorBody {
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		msg := ae.Message
		if msg == "" {
			msg = ae.Error()
		}
		return errorBody{Error: ae.Code, Message: msg, SessionID: ae.SessionID}
	}
	return errorBody{Error: "INTERNAL", Message: err.Error()}
}

func (s *Server) writeError(w http.ResponseWriter, err error, ingest bool) {
	status := statusFor(err, ingest)
	if status >= 500 {
		s.log.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, bodyFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func isNDJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/x-ndjson" || mt == "application/jsonl"
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
