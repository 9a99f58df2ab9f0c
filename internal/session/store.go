package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/hooklight/hooklight/internal/apperr"
)

// ListQuery narrows a session listing.
type ListQuery struct {
	ActiveOnly bool
	Limit      int
}

// Stats are aggregate counters over the whole store.
type Stats struct {
	TotalSessions      int     `json:"total_sessions"`
	ActiveSessions     int     `json:"active_sessions"`
	RecentSessions24h  int     `json:"recent_sessions_24h"`
	TotalInvocations   int     `json:"total_tool_executions"`
	TotalMessages      int     `json:"total_messages"`
	AvgDurationSeconds float64 `json:"average_duration_seconds"`
	UniqueProjects     int     `json:"unique_projects"`
}

// Store is the durable home of sessions and everything they own. All writes
// go through Update so that one event's effects land together or not at all.
type Store interface {
	// Update runs fn inside one atomic unit. If fn or the commit fails,
	// nothing fn staged becomes visible.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context, q ListQuery) ([]*Session, error)
	Invocations(ctx context.Context, sessionID string) ([]*ToolInvocation, error)
	Messages(ctx context.Context, sessionID string) ([]*Message, error)
	// Layers returns the latest snapshot per layer for sessionID. An empty
	// sessionID selects the global snapshots.
	Layers(ctx context.Context, sessionID string) ([]*LayerSnapshot, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	Close() error
}

// Tx is the view of the store inside one Update call. Reads observe the
// writes staged earlier in the same unit.
type Tx interface {
	Session(id string) (*Session, bool, error)
	SaveSession(s *Session) error

	EventApplied(eventID string) (bool, error)
	RecordEvent(e AppliedEvent) error

	// OpenInvocations returns the session's uncompleted invocations, oldest
	// first. A non-empty toolName restricts the result to that tool.
	OpenInvocations(sessionID, toolName string) ([]*ToolInvocation, error)
	FindInvocation(sessionID, toolUseID string) (*ToolInvocation, bool, error)
	SaveInvocation(inv *ToolInvocation) error

	SaveMessage(m *Message) error
	SaveLayers(layers []*LayerSnapshot) error
	LatestLayers(sessionID string) ([]*LayerSnapshot, error)
}

// MemoryStore is a Store kept entirely in process memory. Readers always get
// copies, so callers may mutate what they receive.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	invocations map[string]*ToolInvocation
	invOrder    map[string][]string
	messages    map[string][]*Message
	layers      []*LayerSnapshot
	applied     map[string]AppliedEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		invocations: make(map[string]*ToolInvocation),
		invOrder:    make(map[string][]string),
		messages:    make(map[string][]*Message),
		applied:     make(map[string]AppliedEvent),
	}
}

// Update runs fn under the store-wide write lock, so transactions on
// different sessions are serialized as well.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:       s,
		sessions:    make(map[string]*Session),
		invocations: make(map[string]*ToolInvocation),
		applied:     make(map[string]AppliedEvent),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, apperr.SessionNotFound(id)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, q ListQuery) ([]*Session, error) {
	s.mu.RLock()
	result := make([]*Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		if q.ActiveOnly && !st.Live {
			continue
		}
		result = append(result, st.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (s *MemoryStore) Invocations(_ context.Context, sessionID string) ([]*ToolInvocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, apperr.SessionNotFound(sessionID)
	}
	ids := s.invOrder[sessionID]
	result := make([]*ToolInvocation, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.invocations[id].Clone())
	}
	return result, nil
}

func (s *MemoryStore) Messages(_ context.Context, sessionID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, apperr.SessionNotFound(sessionID)
	}
	msgs := s.messages[sessionID]
	result := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		c := *m
		result = append(result, &c)
	}
	return result, nil
}

func (s *MemoryStore) Layers(_ context.Context, sessionID string) ([]*LayerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sessionID != "" {
		if _, ok := s.sessions[sessionID]; !ok {
			return nil, apperr.SessionNotFound(sessionID)
		}
	}
	return LatestLayers(s.layers, sessionID), nil
}

func (s *MemoryStore) Stats(_ context.Context, now time.Time) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := lo.Values(s.sessions)
	ended := lo.Filter(all, func(st *Session, _ int) bool { return st.EndedAt != nil })

	st := Stats{
		TotalSessions:    len(all),
		ActiveSessions:   lo.CountBy(all, func(st *Session) bool { return st.Live }),
		TotalInvocations: len(s.invocations),
		UniqueProjects: len(lo.Uniq(lo.FilterMap(all, func(st *Session, _ int) (string, bool) {
			return st.ProjectPath, st.ProjectPath != ""
		}))),
		RecentSessions24h: lo.CountBy(all, func(st *Session) bool {
			return st.StartedAt.After(now.Add(-24 * time.Hour))
		}),
	}
	for _, msgs := range s.messages {
		st.TotalMessages += len(msgs)
	}
	if len(ended) > 0 {
		total := lo.SumBy(ended, func(st *Session) float64 { return st.Duration().Seconds() })
		st.AvgDurationSeconds = total / float64(len(ended))
	}
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages writes until the enclosing Update commits.
type memTx struct {
	store       *MemoryStore
	sessions    map[string]*Session
	invocations map[string]*ToolInvocation
	newInv      []string
	messages    []*Message
	layers      []*LayerSnapshot
	applied     map[string]AppliedEvent
}

func (tx *memTx) Session(id string) (*Session, bool, error) {
	if st, ok := tx.sessions[id]; ok {
		return st.Clone(), true, nil
	}
	st, ok := tx.store.sessions[id]
	if !ok {
		return nil, false, nil
	}
	return st.Clone(), true, nil
}

func (tx *memTx) SaveSession(s *Session) error {
	tx.sessions[s.ID] = s.Clone()
	return nil
}

func (tx *memTx) EventApplied(eventID string) (bool, error) {
	if _, ok := tx.applied[eventID]; ok {
		return true, nil
	}
	_, ok := tx.store.applied[eventID]
	return ok, nil
}

func (tx *memTx) RecordEvent(e AppliedEvent) error {
	tx.applied[e.EventID] = e
	return nil
}

// invocation returns the staged version of id when there is one.
func (tx *memTx) invocation(id string) *ToolInvocation {
	if inv, ok := tx.invocations[id]; ok {
		return inv
	}
	return tx.store.invocations[id]
}

func (tx *memTx) sessionInvocations(sessionID string) []*ToolInvocation {
	ids := append([]string(nil), tx.store.invOrder[sessionID]...)
	for _, id := range tx.newInv {
		if tx.invocations[id].SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	result := make([]*ToolInvocation, 0, len(ids))
	for _, id := range ids {
		result = append(result, tx.invocation(id))
	}
	return result
}

func (tx *memTx) OpenInvocations(sessionID, toolName string) ([]*ToolInvocation, error) {
	var open []*ToolInvocation
	for _, inv := range tx.sessionInvocations(sessionID) {
		if inv.Completed() {
			continue
		}
		if toolName != "" && inv.ToolName != toolName {
			continue
		}
		open = append(open, inv.Clone())
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].IssuedAt.Before(open[j].IssuedAt) })
	return open, nil
}

func (tx *memTx) FindInvocation(sessionID, toolUseID string) (*ToolInvocation, bool, error) {
	if toolUseID == "" {
		return nil, false, nil
	}
	for _, inv := range tx.sessionInvocations(sessionID) {
		if inv.ToolUseID == toolUseID {
			return inv.Clone(), true, nil
		}
	}
	return nil, false, nil
}

func (tx *memTx) SaveInvocation(inv *ToolInvocation) error {
	if _, staged := tx.invocations[inv.ID]; !staged {
		if _, exists := tx.store.invocations[inv.ID]; !exists {
			tx.newInv = append(tx.newInv, inv.ID)
		}
	}
	tx.invocations[inv.ID] = inv.Clone()
	return nil
}

func (tx *memTx) SaveMessage(m *Message) error {
	c := *m
	tx.messages = append(tx.messages, &c)
	return nil
}

func (tx *memTx) SaveLayers(layers []*LayerSnapshot) error {
	for _, l := range layers {
		c := *l
		c.Settings = CloneMap(l.Settings)
		tx.layers = append(tx.layers, &c)
	}
	return nil
}

func (tx *memTx) LatestLayers(sessionID string) ([]*LayerSnapshot, error) {
	all := append(append([]*LayerSnapshot(nil), tx.store.layers...), tx.layers...)
	return LatestLayers(all, sessionID), nil
}

func (tx *memTx) commit() {
	s := tx.store
	for id, st := range tx.sessions {
		s.sessions[id] = st
	}
	for _, id := range tx.newInv {
		inv := tx.invocations[id]
		s.invOrder[inv.SessionID] = append(s.invOrder[inv.SessionID], id)
	}
	for id, inv := range tx.invocations {
		s.invocations[id] = inv
	}
	for _, m := range tx.messages {
		s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	}
	s.layers = append(s.layers, tx.layers...)
	for id, e := range tx.applied {
		s.applied[id] = e
	}
}

// LatestLayers picks the most recent snapshot of each layer owned by
// sessionID, ordered by layer name. Later entries win ties.
func LatestLayers(all []*LayerSnapshot, sessionID string) []*LayerSnapshot {
	latest := make(map[string]*LayerSnapshot)
	for _, l := range all {
		if l.SessionID != sessionID {
			continue
		}
		if cur, ok := latest[l.Layer]; ok && cur.CapturedAt.After(l.CapturedAt) {
			continue
		}
		latest[l.Layer] = l
	}
	result := make([]*LayerSnapshot, 0, len(latest))
	for _, l := range latest {
		c := *l
		c.Settings = CloneMap(l.Settings)
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Layer < result[j].Layer })
	return result
}
