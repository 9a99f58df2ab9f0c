// Package mock synthesizes hook traffic for demos and UI work. Events go
// through the same decode and reconcile path as real reporters.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"path"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hooklight/hooklight/internal/event"
	"github.com/hooklight/hooklight/internal/forward"
	"github.com/hooklight/hooklight/internal/session"
)

// DefaultInterval is the pace of generated activity.
const DefaultInterval = 500 * time.Millisecond

// restartAfter is the number of ticks an ended session stays down before it
// comes back as a resume.
const restartAfter = 20

// Submitter accepts one raw event. The ingestor satisfies it.
type Submitter interface {
	Submit(ctx context.Context, raw []byte) (*session.Session, error)
}

type Options struct {
	Interval time.Duration
	Clock    clock.Clock
	Rand     *rand.Rand
	Logger   *zap.SugaredLogger
}

type pattern int

const (
	steady pattern = iota
	burst
	stall
	failing
	methodical
)

type mockSession struct {
	id       string
	cwd      string
	pattern  pattern
	tools    []string
	prompts  []string
	maxTurns int
	endCause session.EndCause

	live      bool
	startTick int
	downSince int
	toolIdx   int
	turn      int
	pending   *pendingTool
}

type pendingTool struct {
	id     string
	name   string
	issued time.Time
}

var commonTools = []string{"Read", "Write", "Edit", "Bash", "Grep", "Glob", "Task", "LSP"}

// Generator drives a fixed cast of sessions through starts, tool calls,
// conversation and ends.
type Generator struct {
	sink     Submitter
	interval time.Duration
	clock    clock.Clock
	rnd      *rand.Rand
	log      *zap.SugaredLogger

	mu       sync.Mutex
	tick     int
	sessions []*mockSession
}

func NewGenerator(sink Submitter, opts Options) *Generator {
	g := &Generator{
		sink:     sink,
		interval: opts.Interval,
		clock:    opts.Clock,
		rnd:      opts.Rand,
		log:      opts.Logger,
	}
	if g.interval <= 0 {
		g.interval = DefaultInterval
	}
	if g.clock == nil {
		g.clock = clock.New()
	}
	if g.rnd == nil {
		g.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if g.log == nil {
		g.log = zap.NewNop().Sugar()
	}
	g.sessions = cast()
	return g
}

func cast() []*mockSession {
	return []*mockSession{
		{
			id: "mock-refactor", cwd: "/home/user/myproject", pattern: steady, maxTurns: 40,
			tools:    []string{"Read", "Grep", "Edit", "Write", "Bash", "Edit", "Read", "Write"},
			prompts:  []string{"refactor the storage layer", "now update the callers", "run the tests"},
			endCause: session.NormalExit,
		},
		{
			id: "mock-tests", cwd: "/home/user/webapp", pattern: burst, maxTurns: 30,
			tools:    []string{"Read", "Write", "Bash", "Bash", "Write", "Bash"},
			prompts:  []string{"add table tests for the router", "fix the flaky one"},
			endCause: session.EndCleared,
		},
		{
			id: "mock-debug", cwd: "/home/user/api-server", pattern: stall, maxTurns: 60,
			tools:    []string{"Read", "Grep", "Grep", "Read", "Bash", "LSP"},
			prompts:  []string{"why does the health check time out?"},
			endCause: session.InputChannelClosed,
		},
		{
			id: "mock-feature", cwd: "/home/user/frontend", pattern: failing, maxTurns: 18,
			tools:    []string{"Glob", "Read", "Edit", "Write", "Bash", "Edit"},
			prompts:  []string{"build the settings page", "the build is failing"},
			endCause: session.Logout,
		},
		{
			id: "mock-review", cwd: "/home/user/library", pattern: methodical, maxTurns: 50,
			tools:    []string{"Read", "LSP", "Read", "Grep", "Read", "LSP", "Read", "Task"},
			prompts:  []string{"review the open diff", "anything else?"},
			endCause: session.NormalExit,
		},
	}
}

// Start opens every session and keeps generating until ctx is done.
func (g *Generator) Start(ctx context.Context) {
	g.mu.Lock()
	for _, ms := range g.sessions {
		g.open(ctx, ms, session.FreshStart)
	}
	g.mu.Unlock()
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := g.clock.Ticker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Step(ctx)
		}
	}
}

// Step advances every session by one tick.
func (g *Generator) Step(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tick++
	for _, ms := range g.sessions {
		if !ms.live {
			if g.tick-ms.downSince >= restartAfter {
				g.open(ctx, ms, session.Resumed)
			}
			continue
		}
		g.advance(ctx, ms)
	}
}

func (g *Generator) open(ctx context.Context, ms *mockSession, cause session.StartCause) {
	ms.live = true
	ms.startTick = g.tick
	ms.turn = 0
	ms.pending = nil
	g.emit(ctx, forward.Event{
		SessionID:  ms.id,
		Kind:       event.KindSessionStart,
		StartCause: cause.String(),
		Cwd:        ms.cwd,
		RuntimeConfig: map[string]any{
			"permission_mode": "default",
			"env":             map[string]any{"HOOKLIGHT_MOCK": "1"},
		},
	})
	g.emit(ctx, forward.Event{
		SessionID: ms.id,
		Kind:      event.KindSettingsSnapshot,
		Settings: map[string]map[string]any{
			"user":    {"model": "sonnet", "theme": "dark"},
			"project": {"permissions": map[string]any{"allow": []any{"Bash(go test:*)"}}},
		},
		Paths: map[string]string{
			"user":    "~/.claude/settings.json",
			"project": path.Join(ms.cwd, ".claude", "settings.json"),
		},
	})
}

func (g *Generator) close(ctx context.Context, ms *mockSession) {
	if ms.pending != nil {
		g.completeTool(ctx, ms, nil)
	}
	ms.live = false
	ms.downSince = g.tick
	g.emit(ctx, forward.Event{
		SessionID: ms.id,
		Kind:      event.KindSessionEnd,
		EndCause:  ms.endCause.String(),
		Cwd:       ms.cwd,
	})
}

func (g *Generator) advance(ctx context.Context, ms *mockSession) {
	age := g.tick - ms.startTick
	if age <= 1 {
		g.prompt(ctx, ms)
		return
	}

	switch ms.pattern {
	case steady:
		g.cycle(ctx, ms, age%3 == 0)
	case burst:
		g.cycle(ctx, ms, age%8 < 3)
	case stall:
		// Work for 40 ticks, then wait on the user for 30.
		if age%70 >= 40 {
			return
		}
		g.cycle(ctx, ms, age%4 == 0)
	case failing:
		g.cycle(ctx, ms, age%3 == 0)
	case methodical:
		pace := 0.7 + 0.3*math.Sin(float64(age)/10.0)
		g.cycle(ctx, ms, g.rnd.Float64() < pace)
	}

	if ms.turn >= ms.maxTurns || (ms.pattern == failing && age > 3*ms.maxTurns/2) {
		g.close(ctx, ms)
	}
}

// cycle either works through a tool call or produces conversation.
func (g *Generator) cycle(ctx context.Context, ms *mockSession, useTool bool) {
	if ms.pending != nil {
		var failure *string
		if ms.pattern == failing && g.rnd.Intn(3) == 0 {
			msg := fmt.Sprintf("%s: exit status 1", ms.pending.name)
			failure = &msg
		}
		g.completeTool(ctx, ms, failure)
		return
	}
	if useTool {
		g.startTool(ctx, ms)
		return
	}
	if g.rnd.Intn(4) == 0 {
		g.prompt(ctx, ms)
		return
	}
	ms.turn++
	g.emit(ctx, forward.Event{
		SessionID: ms.id,
		Kind:      event.KindMessage,
		Role:      session.RoleAssistant,
		Text:      fmt.Sprintf("Step %d done. Looking at %s next.", ms.turn, path.Base(ms.cwd)),
		Turn:      ms.turn,
	})
}

func (g *Generator) prompt(ctx context.Context, ms *mockSession) {
	g.emit(ctx, forward.Event{
		SessionID: ms.id,
		Kind:      event.KindMessage,
		Role:      session.RoleUser,
		Text:      ms.prompts[g.rnd.Intn(len(ms.prompts))],
		Turn:      ms.turn + 1,
	})
}

func (g *Generator) startTool(ctx context.Context, ms *mockSession) {
	name := ms.tools[ms.toolIdx%len(ms.tools)]
	ms.toolIdx++
	ms.pending = &pendingTool{id: "toolu_" + uuid.NewString(), name: name, issued: g.clock.Now()}
	input, _ := json.Marshal(map[string]any{"file_path": path.Join(ms.cwd, "main.go")})
	g.emit(ctx, forward.Event{
		SessionID: ms.id,
		Kind:      event.KindToolStart,
		ToolUseID: ms.pending.id,
		ToolName:  name,
		ToolInput: input,
	})
}

func (g *Generator) completeTool(ctx context.Context, ms *mockSession, failure *string) {
	p := ms.pending
	ms.pending = nil
	duration := g.clock.Now().Sub(p.issued).Milliseconds() + int64(g.rnd.Intn(200))
	ev := forward.Event{
		SessionID:  ms.id,
		Kind:       event.KindToolComplete,
		ToolUseID:  p.id,
		ToolName:   p.name,
		Error:      failure,
		DurationMS: &duration,
	}
	if failure == nil {
		ev.ToolResponse = json.RawMessage(`{"ok":true}`)
	}
	g.emit(ctx, ev)
}

func (g *Generator) emit(ctx context.Context, ev forward.Event) {
	ev.EventID = uuid.NewString()
	ev.Timestamp = g.clock.Now().UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(ev)
	if err != nil {
		g.log.Errorw("encode mock event", "session_id", ev.SessionID, "kind", ev.Kind, "error", err)
		return
	}
	if _, err := g.sink.Submit(ctx, raw); err != nil {
		g.log.Warnw("mock event rejected", "session_id", ev.SessionID, "kind", ev.Kind, "error", err)
	}
}
