// Package forward implements the hook command. It reads one hook payload
// from stdin, translates it into hooklight events, and posts them to the
// server.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hooklight/hooklight/internal/event"
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
)

const (
	DefaultURL     = "http://127.0.0.1:8787"
	DefaultTimeout = 5 * time.Second
)

// Hook names as sent by the agent CLI.
const (
	HookSessionStart     = "SessionStart"
	HookSessionEnd       = "SessionEnd"
	HookPreToolUse       = "PreToolUse"
	HookPostToolUse      = "PostToolUse"
	HookUserPromptSubmit = "UserPromptSubmit"
	HookStop             = "Stop"
)

// forwardedEnv lists the environment variables captured into the runtime
// config on session start.
var forwardedEnv = []string{"CLAUDE_CODE_REMOTE", "CLAUDE_PROJECT_DIR"}

// HookInput is the JSON document a hook receives on stdin.
type HookInput struct {
	HookEventName  string          `json:"hook_event_name"`
	SessionID      string          `json:"session_id"`
	Cwd            string          `json:"cwd"`
	TranscriptPath string          `json:"transcript_path"`
	PermissionMode string          `json:"permission_mode"`
	Source         string          `json:"source"`
	Reason         string          `json:"reason"`
	ToolName       string          `json:"tool_name"`
	ToolUseID      string          `json:"tool_use_id"`
	ToolInput      json.RawMessage `json:"tool_input"`
	ToolResponse   json.RawMessage `json:"tool_response"`
	Prompt         string          `json:"prompt"`
	StopHookActive bool            `json:"stop_hook_active"`
}

// Event is the wire form of one hooklight event.
type Event struct {
	EventID        string                    `json:"event_id"`
	SessionID      string                    `json:"session_id"`
	Kind           event.Kind                `json:"event_kind"`
	Timestamp      string                    `json:"timestamp"`
	StartCause     string                    `json:"start_cause,omitempty"`
	EndCause       string                    `json:"end_cause,omitempty"`
	Cwd            string                    `json:"cwd,omitempty"`
	TranscriptPath string                    `json:"transcript_path,omitempty"`
	RuntimeConfig  map[string]any            `json:"runtime_config,omitempty"`
	ToolUseID      string                    `json:"tool_use_id,omitempty"`
	ToolName       string                    `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage           `json:"tool_input,omitempty"`
	ToolResponse   json.RawMessage           `json:"tool_response,omitempty"`
	Error          *string                   `json:"error,omitempty"`
	DurationMS     *int64                    `json:"duration_ms,omitempty"`
	Role           session.Role              `json:"role,omitempty"`
	Text           string                    `json:"text,omitempty"`
	Turn           int                       `json:"turn,omitempty"`
	Settings       map[string]map[string]any `json:"settings,omitempty"`
	Paths          map[string]string         `json:"paths,omitempty"`
}

// LayerSource loads the configuration layers that apply to a project.
type LayerSource interface {
	Load(projectPath string) []settings.Layer
}

type Options struct {
	URL     string
	Enabled bool
	Client  *http.Client
	Layers  LayerSource
	Getenv  func(string) string
	Now     func() time.Time
	Logger  *zap.SugaredLogger
}

type Forwarder struct {
	url     string
	enabled bool
	client  *http.Client
	layers  LayerSource
	getenv  func(string) string
	now     func() time.Time
	log     *zap.SugaredLogger
}

func New(opts Options) *Forwarder {
	f := &Forwarder{
		url:     strings.TrimRight(opts.URL, "/"),
		enabled: opts.Enabled,
		client:  opts.Client,
		layers:  opts.Layers,
		getenv:  opts.Getenv,
		now:     opts.Now,
		log:     opts.Logger,
	}
	if f.url == "" {
		f.url = DefaultURL
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: DefaultTimeout}
	}
	if f.getenv == nil {
		f.getenv = func(string) string { return "" }
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.log == nil {
		f.log = zap.NewNop().Sugar()
	}
	return f
}

// Run forwards the hook payload read from r. Errors are for the caller to
// report; the hook itself should still exit successfully.
func (f *Forwarder) Run(ctx context.Context, r io.Reader) error {
	if !f.enabled {
		return nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read hook input: %w", err)
	}
	var in HookInput
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode hook input: %w", err)
	}

	events, err := f.Translate(in)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := f.post(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Translate maps one hook payload to the events it produces. Hooks with
// nothing to report yield no events.
func (f *Forwarder) Translate(in HookInput) ([]Event, error) {
	if strings.TrimSpace(in.SessionID) == "" {
		return nil, fmt.Errorf("hook %q has no session_id", in.HookEventName)
	}
	base := func(kind event.Kind) Event {
		return Event{
			EventID:   uuid.NewString(),
			SessionID: in.SessionID,
			Kind:      kind,
			Timestamp: f.now().UTC().Format(time.RFC3339Nano),
		}
	}

	switch in.HookEventName {
	case HookSessionStart:
		ev := base(event.KindSessionStart)
		ev.StartCause = in.Source
		ev.Cwd = in.Cwd
		ev.TranscriptPath = in.TranscriptPath
		ev.RuntimeConfig = f.runtimeConfig(in)
		out := []Event{ev}
		if snap, ok := f.settingsSnapshot(in, base(event.KindSettingsSnapshot)); ok {
			out = append(out, snap)
		}
		return out, nil

	case HookSessionEnd:
		ev := base(event.KindSessionEnd)
		ev.EndCause = in.Reason
		ev.Cwd = in.Cwd
		return []Event{ev}, nil

	case HookPreToolUse:
		ev := base(event.KindToolStart)
		ev.ToolUseID = in.ToolUseID
		ev.ToolName = in.ToolName
		ev.ToolInput = in.ToolInput
		return []Event{ev}, nil

	case HookPostToolUse:
		ev := base(event.KindToolComplete)
		ev.ToolUseID = in.ToolUseID
		ev.ToolName = in.ToolName
		ev.ToolResponse = in.ToolResponse
		return []Event{ev}, nil

	case HookUserPromptSubmit:
		if strings.TrimSpace(in.Prompt) == "" {
			return nil, nil
		}
		ev := base(event.KindMessage)
		ev.Role = session.RoleUser
		ev.Text = in.Prompt
		return []Event{ev}, nil

	case HookStop:
		// A Stop hook that is itself continuing would report the same reply twice.
		if in.StopHookActive || in.TranscriptPath == "" {
			return nil, nil
		}
		text, turn, err := LastAssistantMessage(in.TranscriptPath)
		if err != nil {
			return nil, err
		}
		if text == "" {
			return nil, nil
		}
		ev := base(event.KindMessage)
		ev.Role = session.RoleAssistant
		ev.Text = text
		ev.Turn = turn
		return []Event{ev}, nil

	default:
		f.log.Debugf("Ignoring hook %q", in.HookEventName)
		return nil, nil
	}
}

func (f *Forwarder) runtimeConfig(in HookInput) map[string]any {
	cfg := map[string]any{}
	if in.PermissionMode != "" {
		cfg["permission_mode"] = in.PermissionMode
	}
	env := map[string]any{}
	for _, k := range forwardedEnv {
		if v := f.getenv(k); v != "" {
			env[k] = v
		}
	}
	if len(env) > 0 {
		cfg["env"] = env
	}
	if len(cfg) == 0 {
		return nil
	}
	return cfg
}

func (f *Forwarder) settingsSnapshot(in HookInput, ev Event) (Event, bool) {
	if f.layers == nil {
		return ev, false
	}
	layers := f.layers.Load(in.Cwd)
	if len(layers) == 0 {
		return ev, false
	}
	ev.Settings = make(map[string]map[string]any, len(layers))
	ev.Paths = make(map[string]string, len(layers))
	for _, l := range layers {
		ev.Settings[string(l.Level)] = l.Settings
		if l.Path != "" {
			ev.Paths[string(l.Level)] = l.Path
		}
	}
	return ev, true
}

func (f *Forwarder) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url+"/api/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s event: %w", ev.Kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post %s event: %s: %s", ev.Kind, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
