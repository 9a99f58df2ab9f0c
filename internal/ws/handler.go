package ws

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// OriginPolicy decides which browser origins may open a subscription.
// Without an explicit allow list, same-host and loopback origins are
// accepted.
type OriginPolicy struct {
	origins map[string]bool
	hosts   map[string]bool
}

func NewOriginPolicy(allowed []string) *OriginPolicy {
	p := &OriginPolicy{
		origins: make(map[string]bool),
		hosts:   make(map[string]bool),
	}
	for _, origin := range allowed {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		p.origins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			p.hosts[parsed.Host] = true
		}
	}
	return p
}

func (p *OriginPolicy) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(p.origins) > 0 {
		if p.origins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return p.hosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Host
	if host == r.Host {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Handler upgrades requests to WebSocket subscriptions on h. Upgrades beyond
// the connection cap are refused with 503 before the handshake.
func (h *Hub) Handler(origins *OriginPolicy) http.Handler {
	if origins == nil {
		origins = NewOriginPolicy(nil)
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     origins.Check,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Full() {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debugf("WebSocket upgrade error: %v", err)
			return
		}

		id, err := h.Register(conn)
		if err != nil {
			// Lost a race for the last slot.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
				time.Now().Add(h.opts.WriteTimeout))
			conn.Close()
			return
		}
		h.log.Infof("WebSocket client connected: %s (%s)", r.RemoteAddr, id)
	})
}
