package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hooklight/hooklight/internal/apperr"
	"github.com/hooklight/hooklight/internal/event"
	"github.com/hooklight/hooklight/internal/metrics"
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
	"github.com/hooklight/hooklight/internal/store"
	"github.com/hooklight/hooklight/internal/ws"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu   sync.Mutex
	msgs []ws.Message
}

func (r *recorder) Notify(msg ws.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) types() []ws.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ws.MessageType, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.Type)
	}
	return out
}

func (r *recorder) last() ws.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

type staticLayers []settings.Layer

func (s staticLayers) Load(string) []settings.Layer { return s }

var errDiskFull = errors.New("disk full")

// failingStore stages writes normally and then fails the commit.
type failingStore struct {
	*session.MemoryStore
	fail bool
}

func (s *failingStore) Update(ctx context.Context, fn func(tx session.Tx) error) error {
	return s.MemoryStore.Update(ctx, func(tx session.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if s.fail {
			return errDiskFull
		}
		return nil
	})
}

type fixture struct {
	store *session.MemoryStore
	clock *clock.Mock
	notes *recorder
	r     *Reconciler
	seq   int
}

func newFixture(t *testing.T, layers staticLayers) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(t0)
	f := &fixture{
		store: session.NewMemoryStore(),
		clock: clk,
		notes: &recorder{},
	}
	f.r = New(f.store, Options{
		Clock:    clk,
		Layers:   layers,
		Notifier: f.notes,
		Metrics:  metrics.New(),
	})
	return f
}

// event decodes fields as an inbound event. An event_id is generated unless
// fields supplies one.
func (f *fixture) event(t *testing.T, fields map[string]any) event.Event {
	t.Helper()
	if _, ok := fields["event_id"]; !ok {
		f.seq++
		fields["event_id"] = fmt.Sprintf("e-%d", f.seq)
	}
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	ev, err := event.Decode(raw)
	require.NoError(t, err)
	return ev
}

func (f *fixture) apply(t *testing.T, fields map[string]any) (*session.Session, error) {
	t.Helper()
	return f.r.Apply(context.Background(), f.event(t, fields))
}

func (f *fixture) mustApply(t *testing.T, fields map[string]any) *session.Session {
	t.Helper()
	s, err := f.apply(t, fields)
	require.NoError(t, err)
	return s
}

func start(id, cause, cwd string) map[string]any {
	return map[string]any{"session_id": id, "event_kind": "session_start", "start_cause": cause, "cwd": cwd}
}

func end(id, cause string) map[string]any {
	return map[string]any{"session_id": id, "event_kind": "session_end", "end_cause": cause}
}

func toolStart(id, useID, name string) map[string]any {
	return map[string]any{"session_id": id, "event_kind": "tool_start", "tool_use_id": useID, "tool_name": name,
		"tool_input": map[string]any{"command": "ls"}}
}

func toolComplete(id, useID, name string) map[string]any {
	return map[string]any{"session_id": id, "event_kind": "tool_complete", "tool_use_id": useID, "tool_name": name,
		"tool_response": map[string]any{"ok": true}}
}

func message(id, role, text string) map[string]any {
	return map[string]any{"session_id": id, "event_kind": "message", "role": role, "text": text}
}

func TestOnSessionStart_CreatesLiveSession(t *testing.T) {
	f := newFixture(t, staticLayers{
		{Level: settings.Managed, Path: "/etc/managed.json", Settings: map[string]any{"a": 1, "b": 1}},
		{Level: settings.User, Path: "/home/u/.claude/settings.json", Settings: map[string]any{"b": 2, "c": 2}},
		{Level: settings.Project, Path: "/work/app/.claude/settings.json", Settings: map[string]any{"c": 3}},
	})
	fields := start("s1", "fresh-start", "/work/app")
	fields["transcript_path"] = "/tmp/s1.jsonl"
	fields["runtime_config"] = map[string]any{"permission_mode": "plan"}

	s := f.mustApply(t, fields)

	assert.True(t, s.Live)
	assert.Equal(t, "app", s.ProjectName)
	assert.Equal(t, "/work/app", s.ProjectPath)
	assert.Equal(t, "/tmp/s1.jsonl", s.TranscriptPath)
	assert.Equal(t, session.FreshStart, s.StartCause)
	assert.Equal(t, t0, s.StartedAt)
	assert.Nil(t, s.EndedAt)
	assert.Nil(t, s.EndCause)
	assert.Equal(t, t0.Format(time.RFC3339Nano), s.Annotations[session.AnnotationFirstObserved])
	assert.Equal(t, "e-1", s.Annotations[session.AnnotationLastEventID])
	assert.NotEmpty(t, s.Raw)
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3, "permission_mode": "plan"}, s.StartConfig)

	layers, err := f.store.Layers(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, layers, 3)

	assert.Equal(t, []ws.MessageType{ws.MsgSessionStart}, f.notes.types())
	assert.Equal(t, "s1", f.notes.last().Data.(*session.Session).ID)
}

func TestOnSessionStart_IdempotentResume(t *testing.T) {
	t.Run("SameEventID", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mustApply(t, start("s1", "fresh-start", "/work"))
		f.mustApply(t, end("s1", "normal-exit"))

		resume := start("s1", "resumed", "/work")
		resume["event_id"] = "resume-1"
		first := f.mustApply(t, resume)
		f.clock.Add(time.Minute)
		resume = start("s1", "resumed", "/work")
		resume["event_id"] = "resume-1"
		second := f.mustApply(t, resume)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, second.Annotations[session.AnnotationResumeCount])
		assert.Len(t, f.notes.types(), 3)
	})

	t.Run("NoIdentity", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mustApply(t, start("s1", "fresh-start", "/work"))
		f.mustApply(t, end("s1", "normal-exit"))

		for i := 0; i < 2; i++ {
			raw := []byte(`{"session_id":"s1","event_kind":"session_start","start_cause":"resumed","cwd":"/work"}`)
			ev, err := event.Decode(raw)
			require.NoError(t, err)
			require.Empty(t, ev.ID)
			_, err = f.r.Apply(context.Background(), ev)
			require.NoError(t, err)
		}

		s, err := f.store.Get(context.Background(), "s1")
		require.NoError(t, err)
		assert.True(t, s.Live)
		assert.Nil(t, s.EndedAt)
		assert.Nil(t, s.EndCause)
	})
}

func TestRevival_KeepsIdentityAndCounters(t *testing.T) {
	f := newFixture(t, nil)
	f.mustApply(t, start("s1", "fresh-start", "/work"))
	f.mustApply(t, toolStart("s1", "tu-1", "Bash"))
	f.mustApply(t, message("s1", "user", "hi"))
	f.clock.Add(10 * time.Minute)
	ended := f.mustApply(t, end("s1", "normal-exit"))
	require.False(t, ended.Live)
	require.NotNil(t, ended.EndedAt)

	f.clock.Add(5 * time.Minute)
	s := f.mustApply(t, start("s1", "resumed", "/work"))

	assert.Equal(t, "s1", s.ID)
	assert.True(t, s.Live)
	assert.Nil(t, s.EndedAt)
	assert.Nil(t, s.EndCause)
	assert.Equal(t, session.Resumed, s.StartCause)
	assert.Equal(t, t0.Add(15*time.Minute), s.StartedAt)
	assert.Equal(t, 1, s.InvocationCount)
	assert.Equal(t, 1, s.MessageCount)
	assert.Equal(t, 1, s.Annotations[session.AnnotationResumeCount])
	assert.Equal(t, t0.Format(time.RFC3339Nano), s.Annotations[session.AnnotationFirstObserved])

	invs, err := f.store.Invocations(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, invs, 1)
}

func TestNoResurrectionWithoutStart(t *testing.T) {
	f := newFixture(t, nil)
	f.mustApply(t, start("s1", "fresh-start", "/work"))
	f.mustApply(t, end("s1", "logout"))

	for _, fields := range []map[string]any{
		toolStart("s1", "tu-1", "Read"),
		toolComplete("s1", "tu-1", "Read"),
		message("s1", "assistant", "done"),
	} {
		s, err := f.apply(t, fields)
		require.NoError(t, err)
		assert.False(t, s.Live)
		require.NotNil(t, s.EndCause)
		assert.Equal(t, session.Logout, *s.EndCause)
	}

	invs, err := f.store.Invocations(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.True(t, invs[0].Completed())

	msgs, err := f.store.Messages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestOnSessionStart_WholesaleReplacement(t *testing.T) {
	f := newFixture(t, nil)
	first := start("s1", "fresh-start", "/old/project")
	first["project_name"] = "legacy"
	first["transcript_path"] = "/tmp/old.jsonl"
	first["runtime_config"] = map[string]any{"permission_mode": "acceptEdits"}
	f.mustApply(t, first)
	f.mustApply(t, end("s1", "normal-exit"))

	s := f.mustApply(t, start("s1", "cleared", "/new/project"))

	assert.Equal(t, "/new/project", s.ProjectPath)
	assert.Equal(t, "project", s.ProjectName)
	assert.Empty(t, s.TranscriptPath)
	assert.Nil(t, s.RuntimeOverrides)
	assert.Equal(t, session.Cleared, s.StartCause)
	assert.NotContains(t, string(s.Raw), "/old/project")
}

func TestUnknownSessionRejected(t *testing.T) {
	cases := map[string]map[string]any{
		"end":      end("ghost", "normal-exit"),
		"tool":     toolStart("ghost", "tu-1", "Bash"),
		"complete": toolComplete("ghost", "tu-1", "Bash"),
		"message":  message("ghost", "user", "hello"),
		"settings": {"session_id": "ghost", "event_kind": "settings_snapshot",
			"settings": map[string]any{"user": map[string]any{"a": 1}}},
	}
	for name, fields := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.apply(t, fields)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))

			_, err = f.store.Get(context.Background(), "ghost")
			assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))
			_, err = f.store.Invocations(context.Background(), "ghost")
			assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))
			assert.Empty(t, f.notes.types())
		})
	}
}

func TestDuplicateEventIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.mustApply(t, start("s1", "fresh-start", "/work"))

	ts := toolStart("s1", "tu-1", "Bash")
	ts["event_id"] = "dup"
	first := f.mustApply(t, ts)
	ts = toolStart("s1", "tu-1", "Bash")
	ts["event_id"] = "dup"
	second := f.mustApply(t, ts)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, second.InvocationCount)
	assert.Equal(t, []ws.MessageType{ws.MsgSessionStart, ws.MsgToolExecution}, f.notes.types())
}

func TestToolStart_RepeatedCorrelationIDIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.mustApply(t, start("s1", "fresh-start", "/work"))
	f.mustApply(t, toolStart("s1", "tu-1", "Bash"))
	s := f.mustApply(t, toolStart("s1", "tu-1", "Bash"))

	assert.Equal(t, 1, s.InvocationCount)
	assert.Len(t, f.notes.types(), 2)
}

func TestSameTimestampWithoutEventIDIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.mustApply(t, start("s1", "fresh-start", "/work"))

	anon := func(fields map[string]any) map[string]any {
		fields["event_id"] = ""
		fields["timestamp"] = "2025-06-01T09:00:00Z"
		return fields
	}
	f.mustApply(t, anon(toolStart("s1", "", "Read")))
	f.mustApply(t, anon(toolStart("s1", "", "Grep")))
	f.mustApply(t, anon(message("s1", "user", "one")))
	s := f.mustApply(t, anon(message("s1", "user", "two")))

	assert.Equal(t, 2, s.InvocationCount)
	assert.Equal(t, 2, s.MessageCount)
	invs, err := f.store.Invocations(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, invs, 2)
	msgs, err := f.store.Messages(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestStaleSequenceRejected(t *testing.T) {
	f := newFixture(t, nil)
	withSeq := func(fields map[string]any, seq int) map[string]any {
		fields["seq"] = seq
		return fields
	}

	f.mustApply(t, withSeq(start("s1", "fresh-start", "/work"), 1))
	f.mustApply(t, withSeq(toolStart("s1", "tu-1", "Bash"), 3))

	_, err := f.apply(t, withSeq(toolStart("s1", "tu-2", "Bash"), 2))
	assert.True(t, errors.Is(err, apperr.ErrStaleEvent))
	_, err = f.apply(t, withSeq(message("s1", "user", "again"), 3))
	assert.True(t, errors.Is(err, apperr.ErrStaleEvent))

	// Unsequenced events are not checked.
	f.mustApply(t, message("s1", "user", "no seq"))

	// A start opens a new epoch.
	s := f.mustApply(t, withSeq(start("s1", "resumed", "/work"), 1))
	assert.Equal(t, uint64(1), s.LastSeq)
	s = f.mustApply(t, withSeq(toolStart("s1", "tu-2", "Bash"), 2))
	assert.Equal(t, uint64(2), s.LastSeq)
	assert.Equal(t, 2, s.InvocationCount)
}

func TestOnToolComplete_Correlation(t *testing.T) {
	ctx := context.Background()

	t.Run("ByCorrelationID", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mustApply(t, start("s1", "fresh-start", "/work"))
		f.mustApply(t, toolStart("s1", "tu-1", "Bash"))
		f.mustApply(t, toolStart("s1", "tu-2", "Bash"))
		f.clock.Add(2 * time.Second)
		s := f.mustApply(t, toolComplete("s1", "tu-2", "Bash"))

		assert.Equal(t, 2, s.InvocationCount)
		invs, err := f.store.Invocations(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, invs, 2)
		assert.False(t, invs[0].Completed())
		require.True(t, invs[1].Completed())
		assert.JSONEq(t, `{"ok":true}`, string(invs[1].Result))
		require.NotNil(t, invs[1].DurationMS)
		assert.Equal(t, int64(2000), *invs[1].DurationMS)
	})

	t.Run("OldestOpenByName", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mustApply(t, start("s1", "fresh-start", "/work"))
		f.mustApply(t, toolStart("s1", "", "Read"))
		f.clock.Add(time.Second)
		f.mustApply(t, toolStart("s1", "", "Bash"))
		f.clock.Add(time.Second)
		f.mustApply(t, toolStart("s1", "", "Bash"))
		f.mustApply(t, toolComplete("s1", "", "Bash"))

		invs, err := f.store.Invocations(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, invs, 3)
		assert.False(t, invs[0].Completed())
		assert.True(t, invs[1].Completed())
		assert.False(t, invs[2].Completed())
	})

	t.Run("UnmatchedRecordedCompleted", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mustApply(t, start("s1", "fresh-start", "/work"))
		fields := toolComplete("s1", "tu-9", "Grep")
		fields["duration_ms"] = 1500
		fields["timestamp"] = "2025-06-01T10:00:05Z"
		fields["error"] = "no matches"
		s := f.mustApply(t, fields)

		assert.Equal(t, 1, s.InvocationCount)
		invs, err := f.store.Invocations(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, invs, 1)
		inv := invs[0]
		assert.Equal(t, "Grep", inv.ToolName)
		assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 3, 500_000_000, time.UTC), inv.IssuedAt)
		require.NotNil(t, inv.Error)
		assert.Equal(t, "no matches", *inv.Error)
		assert.Equal(t, int64(1500), *inv.DurationMS)
	})

	t.Run("SecondCompletionIsNoop", func(t *testing.T) {
		f := newFixture(t, nil)
		f.mustApply(t, start("s1", "fresh-start", "/work"))
		f.mustApply(t, toolStart("s1", "tu-1", "Bash"))
		f.mustApply(t, toolComplete("s1", "tu-1", "Bash"))
		before := len(f.notes.types())

		late := toolComplete("s1", "tu-1", "Bash")
		late["tool_response"] = map[string]any{"ok": false}
		s := f.mustApply(t, late)

		assert.Equal(t, 1, s.InvocationCount)
		assert.Len(t, f.notes.types(), before)
		invs, err := f.store.Invocations(ctx, "s1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(invs[0].Result))
	})
}

func TestOnMessageCaptured_NumbersTurns(t *testing.T) {
	f := newFixture(t, nil)
	f.mustApply(t, start("s1", "fresh-start", "/work"))
	f.mustApply(t, message("s1", "user", "first"))
	s := f.mustApply(t, message("s1", "assistant", "second"))

	assert.Equal(t, 2, s.MessageCount)
	msgs, err := f.store.Messages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].Turn)
	assert.Equal(t, 2, msgs[1].Turn)
	assert.Equal(t, session.RoleAssistant, msgs[1].Role)

	payload := f.notes.last().Data.(ws.MessagePayload)
	assert.Equal(t, "second", payload.Message.Text)
}

func TestOnSettingsSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	fields := start("s1", "fresh-start", "/work")
	fields["runtime_config"] = map[string]any{"model": "fast"}
	f.mustApply(t, fields)

	f.mustApply(t, map[string]any{
		"session_id": "s1",
		"event_kind": "settings_snapshot",
		"settings": map[string]any{
			"user":    map[string]any{"x": true, "model": "slow"},
			"project": map[string]any{"y": 1},
		},
		"paths": map[string]any{"user": "/home/u/.claude/settings.json"},
	})

	layers, err := f.store.Layers(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, layers, 2)

	msg := f.notes.last()
	require.Equal(t, ws.MsgSettingsUpdate, msg.Type)
	payload := msg.Data.(ws.SettingsPayload)
	assert.Equal(t, map[string]any{"x": true, "y": float64(1), "model": "fast"}, payload.Effective)
	assert.Len(t, payload.Layers, 2)
}

func TestOnGlobalSettings_OnlyChangesAnnounced(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	layers := []settings.Layer{
		{Level: settings.Managed, Path: "/etc/managed.json", Settings: map[string]any{"a": 1}},
		{Level: settings.User, Path: "/home/u/.claude/settings.json", Settings: map[string]any{"b": 2}},
	}

	require.NoError(t, f.r.OnGlobalSettings(ctx, layers))
	require.Len(t, f.notes.types(), 1)
	assert.Len(t, f.notes.last().Data.(ws.SettingsPayload).Layers, 2)

	require.NoError(t, f.r.OnGlobalSettings(ctx, layers))
	assert.Len(t, f.notes.types(), 1)

	layers[1].Settings = map[string]any{"b": 3}
	require.NoError(t, f.r.OnGlobalSettings(ctx, layers))
	require.Len(t, f.notes.types(), 2)
	payload := f.notes.last().Data.(ws.SettingsPayload)
	require.Len(t, payload.Layers, 1)
	assert.Equal(t, "user", payload.Layers[0].Layer)
	assert.Equal(t, map[string]any{"a": 1, "b": 3}, payload.Effective)

	stored, err := f.store.Layers(ctx, "")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, map[string]any{"b": 3}, stored[1].Settings)
}

func TestPersistenceFailure_NothingApplied(t *testing.T) {
	mem := session.NewMemoryStore()
	store := &failingStore{MemoryStore: mem}
	notes := &recorder{}
	r := New(store, Options{Notifier: notes})
	ctx := context.Background()

	startEv, err := event.Decode([]byte(`{"event_id":"e1","session_id":"s1","event_kind":"session_start","cwd":"/work"}`))
	require.NoError(t, err)
	_, err = r.Apply(ctx, startEv)
	require.NoError(t, err)

	store.fail = true
	toolEv, err := event.Decode([]byte(`{"event_id":"e2","session_id":"s1","event_kind":"tool_start","tool_name":"Bash"}`))
	require.NoError(t, err)
	_, err = r.Apply(ctx, toolEv)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrPersistenceFailure))
	assert.True(t, errors.Is(err, errDiskFull))

	s, err := mem.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, s.InvocationCount)
	invs, err := mem.Invocations(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, invs)
	assert.Len(t, notes.types(), 1)

	// The event was not recorded as applied, so a retry goes through.
	store.fail = false
	s, err = r.Apply(ctx, toolEv)
	require.NoError(t, err)
	assert.Equal(t, 1, s.InvocationCount)
}

func TestUnencodableSettingsIsPersistenceFailure(t *testing.T) {
	db, err := store.Open(store.DriverSQLite, ":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	layers := staticLayers{{Level: settings.User, Settings: map[string]any{"hook": func() {}}}}
	r := New(db, Options{Layers: layers})
	ctx := context.Background()

	ev, err := event.Decode([]byte(`{"event_id":"e1","session_id":"s1","event_kind":"session_start","cwd":"/work"}`))
	require.NoError(t, err)
	_, err = r.Apply(ctx, ev)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrPersistenceFailure))

	_, err = db.Get(ctx, "s1")
	assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))
}

func TestConcurrentSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sessions := []string{"a", "b", "c"}
	for _, id := range sessions {
		f.mustApply(t, start(id, "fresh-start", "/work/"+id))
	}

	const perSession = 50
	var wg sync.WaitGroup
	errs := make(chan error, len(sessions)*perSession)
	for _, id := range sessions {
		for i := 0; i < perSession; i++ {
			ev, err := event.Decode([]byte(fmt.Sprintf(
				`{"event_id":"%s-%d","session_id":"%s","event_kind":"tool_start","tool_name":"Bash"}`, id, i, id)))
			require.NoError(t, err)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.r.Apply(ctx, ev); err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("apply: %v", err)
	}

	for _, id := range sessions {
		s, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, perSession, s.InvocationCount, id)
	}
	assert.Equal(t, 0, f.r.locks.size())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}

	blocked := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		unlock()
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("second lock on a did not wait")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	<-blocked
	assert.Equal(t, 0, k.size())
}
