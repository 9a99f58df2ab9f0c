package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hooklight/hooklight/internal/apperr"
	"github.com/hooklight/hooklight/internal/metrics"
	"github.com/hooklight/hooklight/internal/session"
)

// ErrTooManyConnections is returned by Register when the hub is full.
var ErrTooManyConnections = errors.New("too many websocket connections")

const (
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second

	maxInboundBytes = 4096
)

// Conn is the part of *websocket.Conn the hub uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// SnapshotFunc lists the sessions sent to a subscriber when it registers.
type SnapshotFunc func(ctx context.Context) ([]*session.Session, error)

type Options struct {
	QueueSize      int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	MaxConnections int // 0 means unlimited
	Privacy        *session.PrivacyFilter
	Snapshot       SnapshotFunc
	Metrics        *metrics.Metrics
	Logger         *zap.SugaredLogger
}

// Hub fans state changes out to live WebSocket subscribers. A slow or dead
// subscriber never delays Notify or any other subscriber.
type Hub struct {
	opts Options
	log  *zap.SugaredLogger

	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if opts.Privacy == nil {
		opts.Privacy = &session.PrivacyFilter{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		opts: opts,
		log:  log,
		subs: make(map[string]*subscriber),
	}
}

// Register adds conn as a subscriber, starts its pumps, and queues the
// initial snapshot. The returned handle is used with Unregister.
func (h *Hub) Register(conn Conn) (string, error) {
	s := &subscriber{
		id:    uuid.NewString(),
		conn:  conn,
		hub:   h,
		limit: h.opts.QueueSize,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.opts.MaxConnections > 0 && len(h.subs) >= h.opts.MaxConnections {
		h.mu.Unlock()
		return "", ErrTooManyConnections
	}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()
	h.opts.Metrics.SetSubscribers(n)

	if h.opts.Snapshot != nil {
		if data, ok := h.snapshot(); ok {
			s.enqueue(data)
		}
	}

	go s.writePump()
	go s.readPump()
	return s.id, nil
}

func (h *Hub) snapshot() ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	defer cancel()
	sessions, err := h.opts.Snapshot(ctx)
	if err != nil {
		h.log.Warnf("Snapshot for new subscriber failed: %v", err)
		return nil, false
	}
	msg, ok := h.redact(NewMessage(MsgSnapshot, SnapshotPayload{Sessions: sessions}, time.Now()))
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("Snapshot marshal error: %v", err)
		return nil, false
	}
	return data, true
}

// Unregister removes a subscriber and closes its connection. Unknown or
// already removed handles are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		s.close()
		h.opts.Metrics.SetSubscribers(n)
	}
}

// Notify delivers msg to every subscriber that is registered when it is
// called. It never blocks on a subscriber.
func (h *Hub) Notify(msg Message) {
	msg, ok := h.redact(msg)
	if !ok {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("Broadcast marshal error: %v", err)
		return
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if s.enqueue(data) {
			h.opts.Metrics.IncDropped()
		}
	}
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Full reports whether Register would refuse another subscriber.
func (h *Hub) Full() bool {
	if h.opts.MaxConnections <= 0 {
		return false
	}
	return h.Count() >= h.opts.MaxConnections
}

// Close unregisters every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscriber)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	h.opts.Metrics.SetSubscribers(0)
}

func (h *Hub) evict(s *subscriber, reason string, cause error) {
	err := apperr.New(apperr.CodeDeliveryFailure, "subscriber "+s.id+" evicted ("+reason+")", cause)
	h.log.Warnf("%v", err)
	h.opts.Metrics.IncEvicted(reason)
	h.Unregister(s.id)
}

// redact applies the privacy filter to a message. It reports false when the
// message concerns a session that must not be shown at all.
func (h *Hub) redact(msg Message) (Message, bool) {
	f := h.opts.Privacy
	if f.IsNoop() {
		return msg, true
	}
	switch d := msg.Data.(type) {
	case *session.Session:
		if !f.IsAllowed(d.ProjectPath) {
			return msg, false
		}
		msg.Data = f.Apply(d)
	case SnapshotPayload:
		msg.Data = SnapshotPayload{Sessions: f.FilterSlice(d.Sessions)}
	case ToolExecutionPayload:
		if !f.IsAllowed(d.Session.ProjectPath) {
			return msg, false
		}
		s := f.Apply(d.Session)
		inv := d.Invocation.Clone()
		inv.SessionID = s.ID
		msg.Data = ToolExecutionPayload{Session: s, Invocation: inv}
	case MessagePayload:
		if !f.IsAllowed(d.Session.ProjectPath) {
			return msg, false
		}
		s := f.Apply(d.Session)
		m := *d.Message
		m.SessionID = s.ID
		msg.Data = MessagePayload{Session: s, Message: &m}
	case SettingsPayload:
		if d.Session == nil {
			break
		}
		if !f.IsAllowed(d.Session.ProjectPath) {
			return msg, false
		}
		s := f.Apply(d.Session)
		layers := make([]*session.LayerSnapshot, 0, len(d.Layers))
		for _, l := range d.Layers {
			c := *l
			c.SessionID = s.ID
			if f.MaskProjectPaths {
				c.Path = ""
			}
			layers = append(layers, &c)
		}
		msg.Data = SettingsPayload{Session: s, Layers: layers, Effective: d.Effective}
	}
	return msg, true
}

type subscriber struct {
	id    string
	conn  Conn
	hub   *Hub
	limit int

	mu    sync.Mutex
	queue [][]byte

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue appends data to the bounded queue, discarding the oldest entry
// when full. It reports whether an entry was discarded.
func (s *subscriber) enqueue(data []byte) (dropped bool) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		s.queue[0] = nil
		s.queue = s.queue[1:]
		dropped = true
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return dropped
}

func (s *subscriber) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(s.hub.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			for _, data := range s.drain() {
				if err := s.write(data); err != nil {
					s.hub.evict(s, "write", err)
					return
				}
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.hub.opts.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.hub.evict(s, "ping", err)
				return
			}
		}
	}
}

func (s *subscriber) write(data []byte) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *subscriber) readPump() {
	pongWait := s.hub.opts.PongWait
	s.conn.SetReadLimit(maxInboundBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				var ne net.Error
				switch {
				case errors.As(err, &ne) && ne.Timeout():
					s.hub.evict(s, "pong_timeout", err)
				case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
					s.hub.evict(s, "read", err)
				default:
					s.hub.log.Debugf("WebSocket subscriber %s disconnected: %v", s.id, err)
					s.hub.Unregister(s.id)
				}
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt == websocket.TextMessage && string(data) == "ping" {
			s.enqueue([]byte("pong"))
		}
	}
}
