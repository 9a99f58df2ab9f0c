package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hooklight/hooklight/internal/session"
)

// sessionRow is the persisted form of session.Session. JSON-valued fields
// are stored as text so the schema works unchanged on SQLite and Postgres.
type sessionRow struct {
	ID               string    `gorm:"primaryKey;size:128"`
	ProjectPath      string    `gorm:"size:1024;index"`
	ProjectName      string    `gorm:"size:256"`
	TranscriptPath   string    `gorm:"size:1024"`
	StartedAt        time.Time `gorm:"index"`
	EndedAt          *time.Time
	Live             bool      `gorm:"index"`
	StartCause       string    `gorm:"size:32;not null"`
	EndCause         *string   `gorm:"size:32"`
	Raw              string    `gorm:"type:text"`
	Annotations      string    `gorm:"type:text"`
	RuntimeOverrides string    `gorm:"type:text"`
	StartConfig      string    `gorm:"type:text"`
	InvocationCount  int       `gorm:"not null;default:0"`
	MessageCount     int       `gorm:"not null;default:0"`
	LastActivityAt   time.Time `gorm:"index"`
	LastSeq          uint64    `gorm:"not null;default:0"`

	Invocations []invocationRow `gorm:"foreignKey:SessionID"`
	Messages    []messageRow    `gorm:"foreignKey:SessionID"`
	Layers      []layerRow      `gorm:"foreignKey:SessionID"`
}

func (sessionRow) TableName() string { return "sessions" }

type invocationRow struct {
	ID          string    `gorm:"primaryKey;size:64"`
	SessionID   string    `gorm:"size:128;not null;index:idx_inv_session_tool"`
	ToolUseID   string    `gorm:"size:128;index"`
	ToolName    string    `gorm:"size:128;not null;index:idx_inv_session_tool"`
	Input       string    `gorm:"type:text"`
	Result      string    `gorm:"type:text"`
	Error       *string
	IssuedAt    time.Time `gorm:"index"`
	CompletedAt *time.Time
	DurationMS  *int64
}

func (invocationRow) TableName() string { return "tool_executions" }

type messageRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	SessionID  string    `gorm:"size:128;not null;index"`
	Role       string    `gorm:"size:16;not null"`
	Text       string    `gorm:"type:text;not null"`
	Turn       int
	CapturedAt time.Time `gorm:"index"`
}

func (messageRow) TableName() string { return "messages" }

type layerRow struct {
	ID         string    `gorm:"primaryKey;size:64"`
	SessionID  *string   `gorm:"size:128;index"`
	Layer      string    `gorm:"size:16;not null"`
	Path       string    `gorm:"size:1024"`
	Settings   string    `gorm:"type:text;not null"`
	Digest     string    `gorm:"size:64"`
	CapturedAt time.Time `gorm:"index"`
}

func (layerRow) TableName() string { return "configuration_layers" }

type appliedRow struct {
	EventID   string `gorm:"primaryKey;size:256"`
	SessionID string `gorm:"size:128;index"`
	Kind      string `gorm:"size:32"`
	AppliedAt time.Time
}

func (appliedRow) TableName() string { return "applied_events" }

func encodeMap(field string, m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", field, err)
	}
	return string(data), nil
}

func decodeMap(field, s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return m, nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func toSessionRow(s *session.Session) (*sessionRow, error) {
	annotations, err := encodeMap("annotations", s.Annotations)
	if err != nil {
		return nil, err
	}
	overrides, err := encodeMap("runtime_overrides", s.RuntimeOverrides)
	if err != nil {
		return nil, err
	}
	startConfig, err := encodeMap("start_config", s.StartConfig)
	if err != nil {
		return nil, err
	}
	row := &sessionRow{
		ID:               s.ID,
		ProjectPath:      s.ProjectPath,
		ProjectName:      s.ProjectName,
		TranscriptPath:   s.TranscriptPath,
		StartedAt:        s.StartedAt,
		EndedAt:          s.EndedAt,
		Live:             s.Live,
		StartCause:       s.StartCause.String(),
		Raw:              string(s.Raw),
		Annotations:      annotations,
		RuntimeOverrides: overrides,
		StartConfig:      startConfig,
		InvocationCount:  s.InvocationCount,
		MessageCount:     s.MessageCount,
		LastActivityAt:   s.LastActivityAt,
		LastSeq:          s.LastSeq,
	}
	if s.EndCause != nil {
		c := s.EndCause.String()
		row.EndCause = &c
	}
	return row, nil
}

// toSession rebuilds the domain record. A JSON column that no longer decodes
// is returned as an error alongside the otherwise complete session.
func (r *sessionRow) toSession() (*session.Session, error) {
	annotations, aerr := decodeMap("annotations", r.Annotations)
	overrides, oerr := decodeMap("runtime_overrides", r.RuntimeOverrides)
	startConfig, serr := decodeMap("start_config", r.StartConfig)

	s := &session.Session{
		ID:               r.ID,
		ProjectPath:      r.ProjectPath,
		ProjectName:      r.ProjectName,
		TranscriptPath:   r.TranscriptPath,
		StartedAt:        r.StartedAt,
		EndedAt:          r.EndedAt,
		Live:             r.Live,
		Raw:              rawOrNil(r.Raw),
		Annotations:      annotations,
		RuntimeOverrides: overrides,
		StartConfig:      startConfig,
		InvocationCount:  r.InvocationCount,
		MessageCount:     r.MessageCount,
		LastActivityAt:   r.LastActivityAt,
		LastSeq:          r.LastSeq,
	}
	if c, err := session.ParseStartCause(r.StartCause); err == nil {
		s.StartCause = c
	}
	if r.EndCause != nil {
		if c, err := session.ParseEndCause(*r.EndCause); err == nil {
			s.EndCause = &c
		}
	}
	return s, errors.Join(aerr, oerr, serr)
}

func toInvocationRow(inv *session.ToolInvocation) *invocationRow {
	return &invocationRow{
		ID:          inv.ID,
		SessionID:   inv.SessionID,
		ToolUseID:   inv.ToolUseID,
		ToolName:    inv.ToolName,
		Input:       string(inv.Input),
		Result:      string(inv.Result),
		Error:       inv.Error,
		IssuedAt:    inv.IssuedAt,
		CompletedAt: inv.CompletedAt,
		DurationMS:  inv.DurationMS,
	}
}

func (r *invocationRow) toInvocation() *session.ToolInvocation {
	return &session.ToolInvocation{
		ID:          r.ID,
		SessionID:   r.SessionID,
		ToolUseID:   r.ToolUseID,
		ToolName:    r.ToolName,
		Input:       rawOrNil(r.Input),
		Result:      rawOrNil(r.Result),
		Error:       r.Error,
		IssuedAt:    r.IssuedAt,
		CompletedAt: r.CompletedAt,
		DurationMS:  r.DurationMS,
	}
}

func (r *messageRow) toMessage() *session.Message {
	return &session.Message{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Role:       session.Role(r.Role),
		Text:       r.Text,
		Turn:       r.Turn,
		CapturedAt: r.CapturedAt,
	}
}

func toLayerRow(l *session.LayerSnapshot) (*layerRow, error) {
	settings, err := encodeMap("settings", l.Settings)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", l.Layer, err)
	}
	row := &layerRow{
		ID:         l.ID,
		Layer:      l.Layer,
		Path:       l.Path,
		Settings:   settings,
		Digest:     l.Digest,
		CapturedAt: l.CapturedAt,
	}
	if row.Settings == "" {
		row.Settings = "{}"
	}
	if l.SessionID != "" {
		id := l.SessionID
		row.SessionID = &id
	}
	return row, nil
}

func (r *layerRow) toLayer() (*session.LayerSnapshot, error) {
	settings, err := decodeMap("settings", r.Settings)
	l := &session.LayerSnapshot{
		ID:         r.ID,
		Layer:      r.Layer,
		Path:       r.Path,
		Settings:   settings,
		Digest:     r.Digest,
		CapturedAt: r.CapturedAt,
	}
	if r.SessionID != nil {
		l.SessionID = *r.SessionID
	}
	if l.Settings == nil {
		l.Settings = map[string]any{}
	}
	return l, err
}
