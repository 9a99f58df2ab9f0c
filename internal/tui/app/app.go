// Package app is the root Bubble Tea model of `hooklight watch`.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samber/lo"

	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/tui/client"
	"github.com/hooklight/hooklight/internal/tui/theme"
	"github.com/hooklight/hooklight/internal/tui/views/debug"
	"github.com/hooklight/hooklight/internal/tui/views/detail"
	"github.com/hooklight/hooklight/internal/tui/views/sessions"
	"github.com/hooklight/hooklight/internal/tui/views/status"
)

// Overlay identifies which pane covers the session list.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayDebug
)

const (
	historyLimit   = 100
	tickInterval   = time.Second
	healthInterval = 15 * time.Second
	requestTimeout = 5 * time.Second
)

type tickMsg time.Time

type healthTickMsg time.Time

type sessionsLoadedMsg struct {
	sessions []*session.Session
	err      error
}

type detailLoadedMsg struct {
	id     string
	detail *session.Detail
	config *client.ConfigView
	err    error
}

type healthLoadedMsg struct {
	health *client.Health
	err    error
}

// Model is the root Bubble Tea model.
type Model struct {
	ws     *client.WSClient
	http   *client.HTTPClient
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	keys   KeyMap
	width  int
	height int

	sessions  map[string]*session.Session
	showEnded bool
	detailID  string

	list      sessions.Model
	detail    detail.Model
	statusBar status.Model
	debug     debug.Model
	overlay   Overlay

	connected bool
}

// New creates the root model.
func New(ws *client.WSClient, http *client.HTTPClient, server string) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:        ws,
		http:      http,
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		keys:      DefaultKeyMap(),
		sessions:  make(map[string]*session.Session),
		showEnded: true,
		list:      sessions.New(),
		detail:    detail.New(),
		statusBar: status.New(server),
		debug:     debug.New(),
	}
}

// Init starts the WebSocket connection and the refresh timers.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tick(), healthTick(), m.fetchHealth()}
	if m.ws != nil {
		cmds = append(cmds, m.ws.Listen(m.ctx))
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.list.SetSize(msg.Width, msg.Height-6)
		m.detail.SetSize(msg.Width, msg.Height-5)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.rebuild()
		if m.overlay == OverlayDetail {
			m.detail.Refresh(m.now())
		}
		return m, tick()

	case healthTickMsg:
		return m, tea.Batch(healthTick(), m.fetchHealth())

	case healthLoadedMsg:
		if msg.err == nil && msg.health != nil {
			m.statusBar.SettingsFile = msg.health.SettingsFiles
		}
		return m, nil

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.debug.Add(debug.KindConn, "connected")
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.fetchSessions())

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		m.debug.Addf(debug.KindError, "disconnected: %v", msg.Err)
		return m, m.ws.Listen(m.ctx)

	case client.WSSnapshotMsg:
		for _, s := range msg.Sessions {
			m.sessions[s.ID] = s
		}
		m.debug.Addf(debug.KindSession, "snapshot: %d live sessions", len(msg.Sessions))
		m.rebuild()
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSSessionMsg:
		m.sessions[msg.Session.ID] = msg.Session
		m.debug.Addf(debug.KindSession, "%s %s (%s)", msg.Type, sessions.ShortID(msg.Session.ID), msg.Session.ProjectName)
		m.rebuild()
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.refreshDetail(msg.Session.ID))

	case client.WSToolMsg:
		p := msg.Payload
		m.sessions[p.Session.ID] = p.Session
		if p.Invocation != nil {
			state := "started"
			if p.Invocation.Completed() {
				state = "completed"
			}
			m.debug.Addf(debug.KindTool, "%s %s %s", sessions.ShortID(p.Session.ID), p.Invocation.ToolName, state)
		}
		m.rebuild()
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.refreshDetail(p.Session.ID))

	case client.WSMessageMsg:
		p := msg.Payload
		m.sessions[p.Session.ID] = p.Session
		if p.Message != nil {
			m.debug.Addf(debug.KindMessage, "%s %s: %d chars", sessions.ShortID(p.Session.ID), p.Message.Role, len(p.Message.Text))
		}
		m.rebuild()
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.refreshDetail(p.Session.ID))

	case client.WSSettingsMsg:
		scope := "global"
		var id string
		if msg.Payload.Session != nil {
			id = msg.Payload.Session.ID
			scope = sessions.ShortID(id)
			m.sessions[id] = msg.Payload.Session
		}
		m.debug.Addf(debug.KindSettings, "%s: %d layers changed", scope, len(msg.Payload.Layers))
		return m, tea.Batch(m.ws.ReadLoop(m.ctx), m.refreshDetail(id))

	case sessionsLoadedMsg:
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "load sessions: %v", msg.err)
			return m, nil
		}
		for _, s := range msg.sessions {
			// Live frames may be newer than the query result.
			if cur, ok := m.sessions[s.ID]; ok && cur.LastActivityAt.After(s.LastActivityAt) {
				continue
			}
			m.sessions[s.ID] = s
		}
		m.rebuild()
		return m, nil

	case detailLoadedMsg:
		if msg.id != m.detailID {
			return m, nil
		}
		if msg.err != nil {
			m.debug.Addf(debug.KindError, "load %s: %v", sessions.ShortID(msg.id), msg.err)
		}
		m.detail.SetContent(msg.detail, msg.config, msg.err, m.now())
		return m, nil
	}

	if m.overlay == OverlayNone {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		m.cancel()
		if m.ws != nil {
			m.ws.Close()
		}
		return m, tea.Quit
	}

	switch m.overlay {
	case OverlayDetail:
		if key.Matches(msg, m.keys.Escape) {
			m.overlay = OverlayNone
			m.detailID = ""
			return m, nil
		}
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(msg)
		return m, cmd

	case OverlayDebug:
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Debug):
			m.overlay = OverlayNone
		case msg.String() == "k" || msg.String() == "up":
			m.debug.ScrollUp(1)
		case msg.String() == "j" || msg.String() == "down":
			m.debug.ScrollDown(1)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Enter):
		sel := m.list.Selected()
		if sel == nil {
			return m, nil
		}
		m.overlay = OverlayDetail
		m.detailID = sel.ID
		m.detail.SetContent(&session.Detail{Session: sel}, nil, nil, m.now())
		return m, m.fetchDetail(sel.ID)

	case key.Matches(msg, m.keys.Debug):
		m.overlay = OverlayDebug
		return m, nil

	case key.Matches(msg, m.keys.Reload):
		return m, m.fetchSessions()

	case key.Matches(msg, m.keys.ShowEnded):
		m.showEnded = !m.showEnded
		m.rebuild()
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// rebuild refreshes the list rows and header counts from m.sessions.
func (m *Model) rebuild() {
	now := m.now()
	all := lo.Values(m.sessions)
	m.statusBar.SetCounts(sessions.Counts(all, now))
	if !m.showEnded {
		all = lo.Filter(all, func(s *session.Session, _ int) bool { return s.Live })
	}
	m.list.SetSessions(all, now)
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var body string
	switch m.overlay {
	case OverlayDetail:
		body = m.detail.View()
	case OverlayDebug:
		body = m.debug.View(m.width, m.height-4)
	default:
		body = m.list.View()
	}
	if !m.connected {
		body = lipgloss.JoinVertical(lipgloss.Left, m.disconnectedBanner(), body)
	}

	help := "  ↑/↓:navigate  enter:detail  e:toggle ended  r:reload  d:event log  q:quit"
	if m.overlay != OverlayNone {
		help = "  ↑/↓:scroll  esc:back  q:quit"
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.statusBar.View(), body, theme.StyleDimmed.Render(help))
}

func (m Model) disconnectedBanner() string {
	reason := ""
	if m.ws != nil {
		if err := m.ws.LastDialError(); err != nil {
			reason = ": " + err.Error()
		}
	}
	return lipgloss.NewStyle().
		Foreground(theme.ColorDanger).
		Bold(true).
		Padding(0, 1).
		Render(fmt.Sprintf("DISCONNECTED%s. Reconnecting...", reason))
}

// refreshDetail reloads the open detail pane when id is the session shown.
// An empty id refreshes whatever is open.
func (m Model) refreshDetail(id string) tea.Cmd {
	if m.overlay != OverlayDetail || m.detailID == "" || (id != "" && id != m.detailID) {
		return nil
	}
	return m.fetchDetail(m.detailID)
}

func (m Model) fetchDetail(id string) tea.Cmd {
	if m.http == nil {
		return nil
	}
	c, parent := m.http, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		d, err := c.GetSession(ctx, id)
		if err != nil {
			return detailLoadedMsg{id: id, err: err}
		}
		cfg, err := c.GetSessionConfig(ctx, id)
		return detailLoadedMsg{id: id, detail: d, config: cfg, err: err}
	}
}

func (m Model) fetchSessions() tea.Cmd {
	if m.http == nil {
		return nil
	}
	c, parent := m.http, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		list, err := c.GetSessions(ctx, false, historyLimit)
		return sessionsLoadedMsg{sessions: list, err: err}
	}
}

func (m Model) fetchHealth() tea.Cmd {
	if m.http == nil {
		return nil
	}
	c, parent := m.http, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		h, err := c.GetHealth(ctx)
		return healthLoadedMsg{health: h, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func healthTick() tea.Cmd {
	return tea.Tick(healthInterval, func(t time.Time) tea.Msg { return healthTickMsg(t) })
}
