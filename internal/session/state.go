package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// StartCause records why the external tool (re)entered a session.
type StartCause int

const (
	FreshStart StartCause = iota
	Resumed
	Cleared
	Compacted
)

var startCauseNames = map[StartCause]string{
	FreshStart: "fresh-start",
	Resumed:    "resumed",
	Cleared:    "cleared",
	Compacted:  "compacted",
}

var startCauseFromName = map[string]StartCause{
	"fresh-start": FreshStart,
	"resumed":     Resumed,
	"cleared":     Cleared,
	"compacted":   Compacted,
}

func (c StartCause) String() string {
	if s, ok := startCauseNames[c]; ok {
		return s
	}
	return "unknown"
}

// ParseStartCause maps a wire name to a StartCause.
func ParseStartCause(s string) (StartCause, error) {
	if c, ok := startCauseFromName[s]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("unknown start cause %q", s)
}

func (c StartCause) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *StartCause) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseStartCause(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// EndCause records why a session ended.
type EndCause int

const (
	NormalExit EndCause = iota
	Logout
	EndCleared
	InputChannelClosed
	OtherEnd
)

var endCauseNames = map[EndCause]string{
	NormalExit:         "normal-exit",
	Logout:             "logout",
	EndCleared:         "cleared",
	InputChannelClosed: "input-channel-closed",
	OtherEnd:           "other",
}

var endCauseFromName = map[string]EndCause{
	"normal-exit":          NormalExit,
	"logout":               Logout,
	"cleared":              EndCleared,
	"input-channel-closed": InputChannelClosed,
	"other":                OtherEnd,
}

func (c EndCause) String() string {
	if s, ok := endCauseNames[c]; ok {
		return s
	}
	return "unknown"
}

// ParseEndCause maps a wire name to an EndCause.
func ParseEndCause(s string) (EndCause, error) {
	if c, ok := endCauseFromName[s]; ok {
		return c, nil
	}
	return 0, fmt.Errorf("unknown end cause %q", s)
}

func (c EndCause) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *EndCause) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseEndCause(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Role distinguishes captured user turns from assistant turns.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Annotation keys kept in Session.Annotations. The bag is owned by this
// system and is patched, never replaced, across resumes.
const (
	AnnotationFirstObserved = "first_observed_at"
	AnnotationResumeCount   = "resume_count"
	AnnotationLastEventID   = "last_event_id"
)

// Session is the authoritative record for one logical conversation with the
// external tool. The ID is stable across resume and may reappear after the
// session has ended.
type Session struct {
	ID               string          `json:"session_id"`
	ProjectPath      string          `json:"project_path"`
	ProjectName      string          `json:"project_name"`
	TranscriptPath   string          `json:"transcript_path,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at"`
	Live             bool            `json:"is_active"`
	StartCause       StartCause      `json:"start_cause"`
	EndCause         *EndCause       `json:"end_cause"`
	Raw              json.RawMessage `json:"metadata,omitempty"`
	Annotations      map[string]any  `json:"annotations,omitempty"`
	RuntimeOverrides map[string]any  `json:"runtime_config,omitempty"`
	StartConfig      map[string]any  `json:"start_config,omitempty"`
	InvocationCount  int             `json:"tool_count"`
	MessageCount     int             `json:"message_count"`
	LastActivityAt   time.Time       `json:"last_activity_at"`
	LastSeq          uint64          `json:"last_seq,omitempty"`
}

// Clone returns a deep copy of the Session, duplicating pointer, slice, and
// map fields so the copy can be mutated independently of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.EndCause != nil {
		ec := *s.EndCause
		c.EndCause = &ec
	}
	if s.Raw != nil {
		c.Raw = append(json.RawMessage(nil), s.Raw...)
	}
	c.Annotations = CloneMap(s.Annotations)
	c.RuntimeOverrides = CloneMap(s.RuntimeOverrides)
	c.StartConfig = CloneMap(s.StartConfig)
	return &c
}

// IsTerminal reports whether the session has ended and not been revived.
func (s *Session) IsTerminal() bool {
	return !s.Live
}

// Duration returns the wall time between start and end, or zero while live.
func (s *Session) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// ToolInvocation is one tool call attributed to a session. It is created on
// the start event and completed exactly once.
type ToolInvocation struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"parameters,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	IssuedAt    time.Time       `json:"executed_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMS  *int64          `json:"duration_ms,omitempty"`
}

// Completed reports whether the invocation has received its end event.
func (inv *ToolInvocation) Completed() bool {
	return inv.CompletedAt != nil
}

// Clone returns a deep copy of the invocation.
func (inv *ToolInvocation) Clone() *ToolInvocation {
	c := *inv
	if inv.Input != nil {
		c.Input = append(json.RawMessage(nil), inv.Input...)
	}
	if inv.Result != nil {
		c.Result = append(json.RawMessage(nil), inv.Result...)
	}
	if inv.Error != nil {
		e := *inv.Error
		c.Error = &e
	}
	if inv.CompletedAt != nil {
		t := *inv.CompletedAt
		c.CompletedAt = &t
	}
	if inv.DurationMS != nil {
		d := *inv.DurationMS
		c.DurationMS = &d
	}
	return &c
}

// Message is one captured user or assistant turn.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Role       Role      `json:"role"`
	Text       string    `json:"text"`
	Turn       int       `json:"conversation_turn,omitempty"`
	CapturedAt time.Time `json:"created_at"`
}

// LayerSnapshot is an immutable capture of one configuration layer. An
// empty SessionID marks a global (not session-scoped) snapshot.
type LayerSnapshot struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id,omitempty"`
	Layer      string         `json:"hierarchy_level"`
	Path       string         `json:"file_path,omitempty"`
	Settings   map[string]any `json:"settings_json"`
	Digest     string         `json:"digest,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// AppliedEvent is the idempotency ledger entry for one applied event.
type AppliedEvent struct {
	EventID   string
	SessionID string
	Kind      string
	AppliedAt time.Time
}

// Detail bundles a session with the records it owns.
type Detail struct {
	*Session
	Invocations []*ToolInvocation `json:"tool_executions"`
	Messages    []*Message        `json:"messages"`
}

// CloneMap deep-copies nested map[string]any and []any values. Scalars are
// shared, which is safe because JSON-decoded scalars are immutable.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies one JSON-decoded value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = CloneValue(e)
		}
		return c
	default:
		return v
	}
}
