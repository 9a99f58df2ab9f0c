package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hooklight/hooklight/internal/apperr"
	"github.com/hooklight/hooklight/internal/session"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, ":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func saveSession(t *testing.T, db *DB, s *session.Session) {
	t.Helper()
	require.NoError(t, db.Update(context.Background(), func(tx session.Tx) error {
		return tx.SaveSession(s)
	}))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mysql", "", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ended := t0.Add(time.Hour)
	cause := session.Logout
	in := &session.Session{
		ID:               "s1",
		ProjectPath:      "/work/app",
		ProjectName:      "app",
		StartedAt:        t0,
		EndedAt:          &ended,
		StartCause:       session.Resumed,
		EndCause:         &cause,
		Raw:              json.RawMessage(`{"session_id":"s1"}`),
		Annotations:      map[string]any{"resume_count": 2.0},
		RuntimeOverrides: map[string]any{"permission_mode": "plan"},
		StartConfig:      map[string]any{"model": "opus"},
		InvocationCount:  4,
		LastActivityAt:   ended,
		LastSeq:          9,
	}
	saveSession(t, db, in)

	got, err := db.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "app", got.ProjectName)
	assert.Equal(t, session.Resumed, got.StartCause)
	require.NotNil(t, got.EndCause)
	assert.Equal(t, session.Logout, *got.EndCause)
	assert.True(t, got.StartedAt.Equal(t0))
	assert.JSONEq(t, `{"session_id":"s1"}`, string(got.Raw))
	assert.Equal(t, 2.0, got.Annotations["resume_count"])
	assert.Equal(t, "plan", got.RuntimeOverrides["permission_mode"])
	assert.Equal(t, uint64(9), got.LastSeq)
	assert.Equal(t, 4, got.InvocationCount)
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))
}

func TestSaveSession_Upserts(t *testing.T) {
	db := openTestDB(t)
	saveSession(t, db, &session.Session{ID: "s1", ProjectName: "one", Live: true, StartedAt: t0})
	saveSession(t, db, &session.Session{ID: "s1", ProjectName: "two", Live: false, StartedAt: t0})

	all, err := db.List(context.Background(), session.ListQuery{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "two", all[0].ProjectName)
	assert.False(t, all[0].Live)
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	boom := errors.New("boom")

	err := db.Update(context.Background(), func(tx session.Tx) error {
		require.NoError(t, tx.SaveSession(&session.Session{ID: "s1", StartedAt: t0}))
		require.NoError(t, tx.RecordEvent(session.AppliedEvent{EventID: "e1", SessionID: "s1", AppliedAt: t0}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = db.Get(context.Background(), "s1")
	assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))
	require.NoError(t, db.Update(context.Background(), func(tx session.Tx) error {
		applied, err := tx.EventApplied("e1")
		require.NoError(t, err)
		assert.False(t, applied)
		return nil
	}))
}

func TestInvocations_OpenAndFind(t *testing.T) {
	db := openTestDB(t)
	saveSession(t, db, &session.Session{ID: "s1", StartedAt: t0})
	done := t0.Add(time.Second)

	require.NoError(t, db.Update(context.Background(), func(tx session.Tx) error {
		require.NoError(t, tx.SaveInvocation(&session.ToolInvocation{ID: "a", SessionID: "s1", ToolUseID: "tu-a", ToolName: "Bash", IssuedAt: t0}))
		require.NoError(t, tx.SaveInvocation(&session.ToolInvocation{ID: "b", SessionID: "s1", ToolName: "Bash", IssuedAt: t0.Add(time.Millisecond)}))
		require.NoError(t, tx.SaveInvocation(&session.ToolInvocation{ID: "c", SessionID: "s1", ToolName: "Read", IssuedAt: t0, CompletedAt: &done}))
		return nil
	}))

	require.NoError(t, db.Update(context.Background(), func(tx session.Tx) error {
		open, err := tx.OpenInvocations("s1", "Bash")
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "a", open[0].ID)

		all, err := tx.OpenInvocations("s1", "")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		inv, ok, err := tx.FindInvocation("s1", "tu-a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a", inv.ID)

		_, ok, err = tx.FindInvocation("s1", "")
		require.NoError(t, err)
		assert.False(t, ok)

		// complete "a" in place
		inv.Result = json.RawMessage(`{"ok":true}`)
		inv.CompletedAt = &done
		return tx.SaveInvocation(inv)
	}))

	invs, err := db.Invocations(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, invs, 3)
	byID := map[string]*session.ToolInvocation{}
	for _, inv := range invs {
		byID[inv.ID] = inv
	}
	assert.True(t, byID["a"].Completed())
	assert.JSONEq(t, `{"ok":true}`, string(byID["a"].Result))
	assert.False(t, byID["b"].Completed())
}

func TestMessagesAndLayers(t *testing.T) {
	db := openTestDB(t)
	saveSession(t, db, &session.Session{ID: "s1", StartedAt: t0})

	require.NoError(t, db.Update(context.Background(), func(tx session.Tx) error {
		require.NoError(t, tx.SaveMessage(&session.Message{ID: "m1", SessionID: "s1", Role: session.RoleUser, Text: "hello", CapturedAt: t0}))
		require.NoError(t, tx.SaveLayers([]*session.LayerSnapshot{
			{ID: "l1", SessionID: "s1", Layer: "project", Settings: map[string]any{"a": 1.0}, CapturedAt: t0},
			{ID: "l2", Layer: "user", Settings: map[string]any{"b": 2.0}, CapturedAt: t0},
		}))
		return nil
	}))
	require.NoError(t, db.Update(context.Background(), func(tx session.Tx) error {
		return tx.SaveLayers([]*session.LayerSnapshot{
			{ID: "l3", Layer: "user", Settings: map[string]any{"b": 3.0}, CapturedAt: t0.Add(time.Minute)},
		})
	}))

	msgs, err := db.Messages(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, session.RoleUser, msgs[0].Role)

	scoped, err := db.Layers(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "project", scoped[0].Layer)

	global, err := db.Layers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, 3.0, global[0].Settings["b"])

	_, err = db.Messages(context.Background(), "ghost")
	assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	now := t0.Add(48 * time.Hour)
	ended := now.Add(-time.Hour)

	saveSession(t, db, &session.Session{ID: "a", ProjectPath: "/p/one", StartedAt: ended.Add(-30 * time.Second), EndedAt: &ended})
	saveSession(t, db, &session.Session{ID: "b", ProjectPath: "/p/one", StartedAt: now.Add(-time.Minute), Live: true})
	saveSession(t, db, &session.Session{ID: "c", ProjectPath: "/p/two", StartedAt: t0, Live: true})
	require.NoError(t, db.Update(context.Background(), func(tx session.Tx) error {
		return tx.SaveInvocation(&session.ToolInvocation{ID: "i1", SessionID: "a", ToolName: "Bash", IssuedAt: t0})
	}))

	st, err := db.Stats(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalSessions)
	assert.Equal(t, 2, st.ActiveSessions)
	assert.Equal(t, 2, st.RecentSessions24h)
	assert.Equal(t, 1, st.TotalInvocations)
	assert.Equal(t, 2, st.UniqueProjects)
	assert.InDelta(t, 30.0, st.AvgDurationSeconds, 0.001)
}

func TestOwnedRowsRequireSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cases := map[string]func(tx session.Tx) error{
		"invocation": func(tx session.Tx) error {
			return tx.SaveInvocation(&session.ToolInvocation{ID: "i1", SessionID: "ghost", ToolName: "Bash", IssuedAt: t0})
		},
		"message": func(tx session.Tx) error {
			return tx.SaveMessage(&session.Message{ID: "m1", SessionID: "ghost", Role: session.RoleUser, Text: "hi", CapturedAt: t0})
		},
		"layer": func(tx session.Tx) error {
			return tx.SaveLayers([]*session.LayerSnapshot{{ID: "l1", SessionID: "ghost", Layer: "project", CapturedAt: t0}})
		},
	}
	for name, save := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, db.Update(ctx, save))
		})
	}

	st, err := db.Stats(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, st.TotalInvocations)
	assert.Zero(t, st.TotalMessages)

	// global layers carry no session
	require.NoError(t, db.Update(ctx, func(tx session.Tx) error {
		return tx.SaveLayers([]*session.LayerSnapshot{{ID: "g1", Layer: "user", CapturedAt: t0}})
	}))
}

func TestSaveSession_UnencodableColumn(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(context.Background(), func(tx session.Tx) error {
		return tx.SaveSession(&session.Session{
			ID:          "s1",
			StartedAt:   t0,
			Annotations: map[string]any{"hook": make(chan int)},
		})
	})
	assert.ErrorContains(t, err, "encode annotations")

	err = db.Update(context.Background(), func(tx session.Tx) error {
		return tx.SaveLayers([]*session.LayerSnapshot{{ID: "l1", Layer: "user", Settings: map[string]any{"f": func() {}}, CapturedAt: t0}})
	})
	assert.ErrorContains(t, err, "encode settings")

	_, err = db.Get(context.Background(), "s1")
	assert.True(t, errors.Is(err, apperr.ErrSessionNotFound))
}

func TestGet_CorruptColumnIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	db, err := Open(DriverSQLite, ":memory:", zap.New(core).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	saveSession(t, db, &session.Session{
		ID:          "s1",
		ProjectName: "app",
		StartedAt:   t0,
		Annotations: map[string]any{"resume_count": 1.0},
		StartConfig: map[string]any{"model": "opus"},
	})
	require.NoError(t, db.db.Exec("UPDATE sessions SET annotations = ? WHERE id = ?", "{not json", "s1").Error)

	got, err := db.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "app", got.ProjectName)
	assert.Nil(t, got.Annotations)
	assert.Equal(t, "opus", got.StartConfig["model"])

	require.Equal(t, 1, logs.FilterMessageSnippet("decode annotations").Len())
}
