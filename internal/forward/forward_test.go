package forward

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooklight/hooklight/internal/event"
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
)

var fixedNow = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type staticLayers []settings.Layer

func (s staticLayers) Load(string) []settings.Layer { return s }

type collector struct {
	mu     sync.Mutex
	events []Event
	status int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ev Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	status := c.status
	c.mu.Unlock()
	if status != 0 {
		http.Error(w, "nope", status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func newForwarder(t *testing.T, layers LayerSource) (*Forwarder, *collector) {
	t.Helper()
	c := &collector{}
	srv := httptest.NewServer(c)
	t.Cleanup(srv.Close)
	env := map[string]string{"CLAUDE_PROJECT_DIR": "/work/alpha"}
	return New(Options{
		URL:     srv.URL + "/",
		Enabled: true,
		Layers:  layers,
		Getenv:  func(k string) string { return env[k] },
		Now:     func() time.Time { return fixedNow },
	}), c
}

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestTranslate_HookMapping(t *testing.T) {
	f, _ := newForwarder(t, nil)

	tests := []struct {
		name  string
		in    HookInput
		kind  event.Kind
		check func(t *testing.T, ev Event)
	}{
		{
			name: "session start",
			in:   HookInput{HookEventName: HookSessionStart, SessionID: "s1", Source: "resume", Cwd: "/work/alpha", PermissionMode: "plan"},
			kind: event.KindSessionStart,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "resume", ev.StartCause)
				assert.Equal(t, "/work/alpha", ev.Cwd)
				assert.Equal(t, "plan", ev.RuntimeConfig["permission_mode"])
				assert.Equal(t, map[string]any{"CLAUDE_PROJECT_DIR": "/work/alpha"}, ev.RuntimeConfig["env"])
			},
		},
		{
			name: "session end",
			in:   HookInput{HookEventName: HookSessionEnd, SessionID: "s1", Reason: "logout"},
			kind: event.KindSessionEnd,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "logout", ev.EndCause)
			},
		},
		{
			name: "pre tool use",
			in:   HookInput{HookEventName: HookPreToolUse, SessionID: "s1", ToolName: "Bash", ToolUseID: "tu-1", ToolInput: json.RawMessage(`{"command":"ls"}`)},
			kind: event.KindToolStart,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "tu-1", ev.ToolUseID)
				assert.JSONEq(t, `{"command":"ls"}`, string(ev.ToolInput))
			},
		},
		{
			name: "post tool use",
			in:   HookInput{HookEventName: HookPostToolUse, SessionID: "s1", ToolName: "Bash", ToolUseID: "tu-1", ToolResponse: json.RawMessage(`"ok"`)},
			kind: event.KindToolComplete,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, "Bash", ev.ToolName)
				assert.JSONEq(t, `"ok"`, string(ev.ToolResponse))
			},
		},
		{
			name: "prompt",
			in:   HookInput{HookEventName: HookUserPromptSubmit, SessionID: "s1", Prompt: "fix the build"},
			kind: event.KindMessage,
			check: func(t *testing.T, ev Event) {
				assert.Equal(t, session.RoleUser, ev.Role)
				assert.Equal(t, "fix the build", ev.Text)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := f.Translate(tt.in)
			require.NoError(t, err)
			require.Len(t, events, 1)
			ev := events[0]
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, "s1", ev.SessionID)
			assert.NotEmpty(t, ev.EventID)
			assert.Equal(t, "2025-06-01T09:00:00Z", ev.Timestamp)
			tt.check(t, ev)

			// Every translated event must be accepted by the server's decoder.
			raw, err := json.Marshal(ev)
			require.NoError(t, err)
			_, err = event.Decode(raw)
			require.NoError(t, err)
		})
	}
}

func TestTranslate_Ignored(t *testing.T) {
	f, _ := newForwarder(t, nil)

	for _, in := range []HookInput{
		{HookEventName: "Notification", SessionID: "s1"},
		{HookEventName: HookUserPromptSubmit, SessionID: "s1", Prompt: "   "},
		{HookEventName: HookStop, SessionID: "s1", StopHookActive: true, TranscriptPath: "/x"},
		{HookEventName: HookStop, SessionID: "s1"},
	} {
		events, err := f.Translate(in)
		require.NoError(t, err)
		assert.Empty(t, events, "%+v", in)
	}

	_, err := f.Translate(HookInput{HookEventName: HookSessionEnd})
	assert.Error(t, err)
}

func TestTranslate_SessionStartSendsSettings(t *testing.T) {
	f, _ := newForwarder(t, staticLayers{
		{Level: settings.User, Path: "/home/u/.claude/settings.json", Settings: map[string]any{"model": "fast"}},
		{Level: settings.Project, Path: "/work/alpha/.claude/settings.json", Settings: map[string]any{"x": true}},
	})

	events, err := f.Translate(HookInput{HookEventName: HookSessionStart, SessionID: "s1", Cwd: "/work/alpha"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	snap := events[1]
	assert.Equal(t, event.KindSettingsSnapshot, snap.Kind)
	assert.NotEqual(t, events[0].EventID, snap.EventID)
	assert.Equal(t, map[string]any{"model": "fast"}, snap.Settings["user"])
	assert.Equal(t, "/work/alpha/.claude/settings.json", snap.Paths["project"])

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	decoded, err := event.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, event.KindSettingsSnapshot, decoded.Kind)
}

func TestTranslate_StopReadsTranscript(t *testing.T) {
	f, _ := newForwarder(t, nil)
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"first"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"one"}]}}`,
		`{"type":"user","message":{"role":"user","content":"second"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash"},{"type":"text","text":"two"},{"type":"text","text":"lines"}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","content":"done"}]}}`,
	)

	events, err := f.Translate(HookInput{HookEventName: HookStop, SessionID: "s1", TranscriptPath: path})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, session.RoleAssistant, events[0].Role)
	assert.Equal(t, "two\nlines", events[0].Text)
	assert.Equal(t, 2, events[0].Turn)
}

func TestLastAssistantMessage_FlatLayout(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user_message","content":"hi"}`,
		`not json`,
		`{"type":"assistant_message","content":"hello there"}`,
	)
	text, turn, err := LastAssistantMessage(path)
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Equal(t, 1, turn)

	_, _, err = LastAssistantMessage(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestRun_PostsEvents(t *testing.T) {
	f, c := newForwarder(t, nil)
	in := `{"hook_event_name":"PreToolUse","session_id":"s1","tool_name":"Read","tool_use_id":"tu-9"}`

	require.NoError(t, f.Run(context.Background(), strings.NewReader(in)))
	require.Len(t, c.events, 1)
	assert.Equal(t, event.KindToolStart, c.events[0].Kind)
	assert.Equal(t, "tu-9", c.events[0].ToolUseID)
}

func TestRun_Errors(t *testing.T) {
	f, c := newForwarder(t, nil)

	assert.Error(t, f.Run(context.Background(), strings.NewReader("{broken")))

	c.status = http.StatusUnprocessableEntity
	err := f.Run(context.Background(), strings.NewReader(`{"hook_event_name":"SessionEnd","session_id":"s1"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestRun_Disabled(t *testing.T) {
	c := &collector{}
	srv := httptest.NewServer(c)
	defer srv.Close()

	f := New(Options{URL: srv.URL, Enabled: false})
	require.NoError(t, f.Run(context.Background(), strings.NewReader("{broken")))
	assert.Empty(t, c.events)
}
