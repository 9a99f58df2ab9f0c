// Package event decodes and validates inbound events and hands them to the
// reconciler.
package event

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/hooklight/hooklight/internal/apperr"
	"github.com/hooklight/hooklight/internal/session"
)

// Kind tags the payload an event carries.
type Kind string

const (
	KindSessionStart     Kind = "session_start"
	KindSessionEnd       Kind = "session_end"
	KindToolStart        Kind = "tool_start"
	KindToolComplete     Kind = "tool_complete"
	KindMessage          Kind = "message"
	KindSettingsSnapshot Kind = "settings_snapshot"
)

// Payload is the kind-specific part of an event.
type Payload interface {
	Kind() Kind
}

// SessionStart opens a new epoch for a session id.
type SessionStart struct {
	Cause          session.StartCause
	Cwd            string
	ProjectName    string
	TranscriptPath string
	RuntimeConfig  map[string]any
}

// SessionEnd closes a session.
type SessionEnd struct {
	Cause       session.EndCause
	Cwd         string
	ProjectName string
}

type ToolStart struct {
	ToolUseID string
	ToolName  string
	Input     json.RawMessage
}

type ToolComplete struct {
	ToolUseID  string
	ToolName   string
	Response   json.RawMessage
	Error      *string
	DurationMS *int64
}

// MessageCaptured is one user prompt or assistant reply.
type MessageCaptured struct {
	Role session.Role
	Text string
	Turn int
}

// SettingsSnapshot carries the layer documents the reporter saw on disk.
type SettingsSnapshot struct {
	Settings map[string]map[string]any
	Paths    map[string]string
}

func (SessionStart) Kind() Kind     { return KindSessionStart }
func (SessionEnd) Kind() Kind       { return KindSessionEnd }
func (ToolStart) Kind() Kind        { return KindToolStart }
func (ToolComplete) Kind() Kind     { return KindToolComplete }
func (MessageCaptured) Kind() Kind  { return KindMessage }
func (SettingsSnapshot) Kind() Kind { return KindSettingsSnapshot }

// Event is a decoded, validated inbound event.
type Event struct {
	// ID is the idempotency identity: the supplied event_id, or one derived
	// from the correlation fields. Empty when neither is available, in
	// which case the event is not deduplicated.
	ID        string
	SessionID string
	Kind      Kind
	// Timestamp is the reporter's time, zero when absent.
	Timestamp time.Time
	// Seq is the per-session sequence number, 0 when absent.
	Seq     uint64
	Payload Payload
	// Extra holds unknown top-level fields, preserved as received.
	Extra map[string]json.RawMessage
	// Raw is the verbatim event.
	Raw json.RawMessage
}

type envelope struct {
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id"`
	Kind      Kind   `json:"event_kind"`
	Timestamp string `json:"timestamp"`
	Seq       uint64 `json:"seq"`

	StartCause     string         `json:"start_cause"`
	EndCause       string         `json:"end_cause"`
	Cwd            string         `json:"cwd"`
	ProjectName    string         `json:"project_name"`
	TranscriptPath string         `json:"transcript_path"`
	RuntimeConfig  map[string]any `json:"runtime_config"`

	ToolUseID    string          `json:"tool_use_id"`
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input"`
	ToolResponse json.RawMessage `json:"tool_response"`
	Error        *string         `json:"error"`
	DurationMS   *int64          `json:"duration_ms"`

	Role string `json:"role"`
	Text string `json:"text"`
	Turn int    `json:"turn"`

	Settings map[string]map[string]any `json:"settings"`
	Paths    map[string]string         `json:"paths"`
}

var knownFields = map[string]bool{
	"event_id": true, "session_id": true, "event_kind": true, "timestamp": true, "seq": true,
	"start_cause": true, "end_cause": true, "cwd": true, "project_name": true,
	"transcript_path": true, "runtime_config": true,
	"tool_use_id": true, "tool_name": true, "tool_input": true, "tool_response": true,
	"error": true, "duration_ms": true,
	"role": true, "text": true, "turn": true,
	"settings": true, "paths": true,
}

// Hook-payload spellings accepted alongside the canonical names.
var startCauseAliases = map[string]session.StartCause{
	"startup": session.FreshStart,
	"resume":  session.Resumed,
	"clear":   session.Cleared,
	"compact": session.Compacted,
}

var endCauseAliases = map[string]session.EndCause{
	"exit":              session.NormalExit,
	"clear":             session.EndCleared,
	"prompt_input_exit": session.InputChannelClosed,
}

var settingsLevels = map[string]bool{"managed": true, "user": true, "project": true, "local": true}

// Decode parses and validates one event. Every rejection is an
// apperr.ErrMalformedEvent.
func Decode(raw []byte) (Event, error) {
	raw = bytes.TrimSpace(raw)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Event{}, apperr.Malformed("event is not a JSON object: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, apperr.Malformed("invalid event field: %v", err)
	}

	env.SessionID = strings.TrimSpace(env.SessionID)
	if env.SessionID == "" {
		return Event{}, apperr.Malformed("session_id is required")
	}
	if env.Kind == "" {
		return Event{}, apperr.Malformed("event_kind is required")
	}

	ev := Event{
		SessionID: env.SessionID,
		Kind:      env.Kind,
		Seq:       env.Seq,
		Raw:       append(json.RawMessage(nil), raw...),
	}
	if env.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
		if err != nil {
			return Event{}, apperr.Malformed("timestamp %q is not RFC 3339", env.Timestamp)
		}
		ev.Timestamp = ts
	}

	payload, err := decodePayload(&env)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = payload

	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		if ev.Extra == nil {
			ev.Extra = make(map[string]json.RawMessage)
		}
		ev.Extra[k] = v
	}

	ev.ID = identity(&env)
	return ev, nil
}

func decodePayload(env *envelope) (Payload, error) {
	switch env.Kind {
	case KindSessionStart:
		cause := session.FreshStart
		if env.StartCause != "" {
			c, ok := startCauseAliases[env.StartCause]
			if !ok {
				var err error
				if c, err = session.ParseStartCause(env.StartCause); err != nil {
					return nil, apperr.Malformed("%v", err)
				}
			}
			cause = c
		}
		return SessionStart{
			Cause:          cause,
			Cwd:            env.Cwd,
			ProjectName:    env.ProjectName,
			TranscriptPath: env.TranscriptPath,
			RuntimeConfig:  env.RuntimeConfig,
		}, nil

	case KindSessionEnd:
		cause := session.OtherEnd
		if env.EndCause != "" {
			c, ok := endCauseAliases[env.EndCause]
			if !ok {
				var err error
				if c, err = session.ParseEndCause(env.EndCause); err != nil {
					return nil, apperr.Malformed("%v", err)
				}
			}
			cause = c
		}
		return SessionEnd{Cause: cause, Cwd: env.Cwd, ProjectName: env.ProjectName}, nil

	case KindToolStart:
		if env.ToolName == "" {
			return nil, apperr.Malformed("tool_start requires tool_name")
		}
		return ToolStart{ToolUseID: env.ToolUseID, ToolName: env.ToolName, Input: nullToNil(env.ToolInput)}, nil

	case KindToolComplete:
		if env.ToolName == "" && env.ToolUseID == "" {
			return nil, apperr.Malformed("tool_complete requires tool_use_id or tool_name")
		}
		if env.DurationMS != nil && *env.DurationMS < 0 {
			return nil, apperr.Malformed("duration_ms must not be negative")
		}
		return ToolComplete{
			ToolUseID:  env.ToolUseID,
			ToolName:   env.ToolName,
			Response:   nullToNil(env.ToolResponse),
			Error:      env.Error,
			DurationMS: env.DurationMS,
		}, nil

	case KindMessage:
		role := session.Role(env.Role)
		if !role.Valid() {
			return nil, apperr.Malformed("unknown message role %q", env.Role)
		}
		return MessageCaptured{Role: role, Text: env.Text, Turn: env.Turn}, nil

	case KindSettingsSnapshot:
		if len(env.Settings) == 0 {
			return nil, apperr.Malformed("settings_snapshot requires settings")
		}
		for level := range env.Settings {
			if !settingsLevels[level] {
				return nil, apperr.Malformed("unknown settings level %q", level)
			}
		}
		return SettingsSnapshot{Settings: env.Settings, Paths: env.Paths}, nil

	default:
		return nil, apperr.Malformed("unknown event_kind %q", env.Kind)
	}
}

// identity returns the supplied event_id, or a key built from correlation
// fields. A key is derived only when the fields tell two distinct events of
// the same kind apart: a sequence number, a tool_use_id for tool events, a
// turn for messages, or the timestamp alone for lifecycle events. Anything
// else gets no identity and is never deduplicated.
func identity(env *envelope) string {
	if env.EventID != "" {
		return env.EventID
	}
	if env.Timestamp == "" {
		return ""
	}
	parts := []string{env.SessionID, string(env.Kind), env.Timestamp}
	switch {
	case env.Seq > 0:
		parts = append(parts, "seq", strconv.FormatUint(env.Seq, 10))
	case env.Kind == KindSessionStart || env.Kind == KindSessionEnd:
	case (env.Kind == KindToolStart || env.Kind == KindToolComplete) && env.ToolUseID != "":
		parts = append(parts, env.ToolUseID)
	case env.Kind == KindMessage && env.Turn > 0:
		parts = append(parts, env.Role, strconv.Itoa(env.Turn))
	default:
		return ""
	}
	return strings.Join(parts, "|")
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
