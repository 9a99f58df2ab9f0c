package ws

import (
	"time"

	"github.com/hooklight/hooklight/internal/session"
)

type MessageType string

const (
	MsgSnapshot       MessageType = "snapshot"
	MsgSessionStart   MessageType = "session_start"
	MsgSessionEnd     MessageType = "session_end"
	MsgToolExecution  MessageType = "tool_execution"
	MsgMessage        MessageType = "message"
	MsgSettingsUpdate MessageType = "settings_update"
)

// Message is the envelope of every outbound frame.
type Message struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// NewMessage stamps data with at in RFC 3339 form.
func NewMessage(t MessageType, data any, at time.Time) Message {
	return Message{Type: t, Data: data, Timestamp: at.UTC().Format(time.RFC3339Nano)}
}

type SnapshotPayload struct {
	Sessions []*session.Session `json:"sessions"`
}

type ToolExecutionPayload struct {
	Session    *session.Session        `json:"session"`
	Invocation *session.ToolInvocation `json:"tool_execution"`
}

type MessagePayload struct {
	Session *session.Session `json:"session"`
	Message *session.Message `json:"message"`
}

// SettingsPayload announces new layer snapshots. Session is nil for global
// (managed and user) changes.
type SettingsPayload struct {
	Session   *session.Session         `json:"session,omitempty"`
	Layers    []*session.LayerSnapshot `json:"layers"`
	Effective map[string]any           `json:"effective"`
}
