package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// WSClient manages the WebSocket subscription to a hooklight server.
type WSClient struct {
	url string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	pingCtx context.CancelFunc
	dialErr error
}

// NewWSClient creates a client that connects to the given WebSocket URL.
func NewWSClient(url string) *WSClient {
	return &WSClient{url: url}
}

// --- Bubble Tea messages ---

// WSConnectedMsg is sent when the WebSocket connects.
type WSConnectedMsg struct{}

// WSDisconnectedMsg is sent when the connection drops.
type WSDisconnectedMsg struct{ Err error }

// WSSnapshotMsg delivers the live sessions at subscribe time.
type WSSnapshotMsg struct{ Sessions []*session.Session }

// WSSessionMsg reports a session starting or ending.
type WSSessionMsg struct {
	Type    ws.MessageType
	Session *session.Session
}

// WSToolMsg reports a tool invocation starting or completing.
type WSToolMsg struct{ Payload ws.ToolExecutionPayload }

// WSMessageMsg reports a captured conversation message.
type WSMessageMsg struct{ Payload ws.MessagePayload }

// WSSettingsMsg reports new configuration layers.
type WSSettingsMsg struct{ Payload ws.SettingsPayload }

// frame is ws.Message with the payload left undecoded.
type frame struct {
	Type      ws.MessageType  `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// Listen returns a Bubble Tea command that connects, retrying with
// exponential backoff until it succeeds or ctx is done.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
			if err != nil {
				c.mu.Lock()
				c.dialErr = err
				c.mu.Unlock()
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				delay = min(delay*2, reconnectMaxDelay)
				continue
			}

			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.pingCtx = pingCancel
			c.dialErr = nil
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)

			return WSConnectedMsg{}
		}
	}
}

// LastDialError returns the most recent connection failure, if any.
func (c *WSClient) LastDialError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialErr
}

// ReadLoop returns a Bubble Tea command that reads until the next message it
// understands. It should be re-issued after every message it returns.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: fmt.Errorf("no connection")}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return WSDisconnectedMsg{Err: err}
			}
			if msg := Decode(data); msg != nil {
				return msg
			}
		}
	}
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close drops the current connection, if any.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pingCtx != nil {
		c.pingCtx()
	}
	if c.conn != nil {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}
}

// Decode turns one server frame into a Bubble Tea message. Frames it does
// not understand yield nil.
func Decode(data []byte) tea.Msg {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil
	}
	switch f.Type {
	case ws.MsgSnapshot:
		var p ws.SnapshotPayload
		if json.Unmarshal(f.Data, &p) == nil {
			return WSSnapshotMsg{Sessions: p.Sessions}
		}
	case ws.MsgSessionStart, ws.MsgSessionEnd:
		var s session.Session
		if json.Unmarshal(f.Data, &s) == nil && s.ID != "" {
			return WSSessionMsg{Type: f.Type, Session: &s}
		}
	case ws.MsgToolExecution:
		var p ws.ToolExecutionPayload
		if json.Unmarshal(f.Data, &p) == nil && p.Session != nil {
			return WSToolMsg{Payload: p}
		}
	case ws.MsgMessage:
		var p ws.MessagePayload
		if json.Unmarshal(f.Data, &p) == nil && p.Session != nil {
			return WSMessageMsg{Payload: p}
		}
	case ws.MsgSettingsUpdate:
		var p ws.SettingsPayload
		if json.Unmarshal(f.Data, &p) == nil {
			return WSSettingsMsg{Payload: p}
		}
	}
	return nil
}
