package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/ws"
)

func TestSweep_EndsIdleSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.mustApply(t, start("idle", "fresh-start", "/work/idle"))
	f.mustApply(t, start("busy", "fresh-start", "/work/busy"))

	f.clock.Add(30 * time.Minute)
	f.mustApply(t, toolStart("busy", "tu-1", "Bash"))
	f.clock.Add(31 * time.Minute)

	sw := NewSweeper(f.r, time.Hour)
	assert.Equal(t, 1, sw.Sweep(ctx))

	idle, err := f.store.Get(ctx, "idle")
	require.NoError(t, err)
	assert.False(t, idle.Live)
	require.NotNil(t, idle.EndCause)
	assert.Equal(t, session.OtherEnd, *idle.EndCause)
	assert.Equal(t, ws.MsgSessionEnd, f.notes.last().Type)

	busy, err := f.store.Get(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, busy.Live)

	// Already ended sessions are not swept again.
	assert.Equal(t, 0, sw.Sweep(ctx))
}

func TestSweep_Disabled(t *testing.T) {
	f := newFixture(t, nil)
	f.mustApply(t, start("s1", "fresh-start", "/work"))
	f.clock.Add(24 * time.Hour)

	assert.Equal(t, 0, NewSweeper(f.r, 0).Sweep(context.Background()))
	s, err := f.store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, s.Live)
}

func TestSweep_RevivedSessionSurvives(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.mustApply(t, start("s1", "fresh-start", "/work"))
	f.clock.Add(2 * time.Hour)
	f.mustApply(t, start("s1", "resumed", "/work"))

	assert.Equal(t, 0, NewSweeper(f.r, time.Hour).Sweep(ctx))
}

func TestSweeper_Interval(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, time.Second, NewSweeper(f.r, 2*time.Second).interval())
	assert.Equal(t, 30*time.Second, NewSweeper(f.r, 2*time.Minute).interval())
	assert.Equal(t, time.Minute, NewSweeper(f.r, time.Hour).interval())
}

func TestSweeper_StartRunsOnTicker(t *testing.T) {
	f := newFixture(t, nil)
	f.mustApply(t, start("s1", "fresh-start", "/work"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		NewSweeper(f.r, 4*time.Minute).Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		f.clock.Add(time.Minute)
		s, err := f.store.Get(context.Background(), "s1")
		return err == nil && !s.Live
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
