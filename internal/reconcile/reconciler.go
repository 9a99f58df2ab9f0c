// Package reconcile owns the session state machine. Every inbound event is
// applied here, atomically and in per-session order, and every resulting
// state change is announced to the broadcast hub.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hooklight/hooklight/internal/apperr"
	"github.com/hooklight/hooklight/internal/event"
	"github.com/hooklight/hooklight/internal/metrics"
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
	"github.com/hooklight/hooklight/internal/ws"
)

// Notifier receives one message per committed state change.
type Notifier interface {
	Notify(msg ws.Message)
}

// LayerSource reads the file-backed configuration layers for a project.
type LayerSource interface {
	Load(projectPath string) []settings.Layer
}

type Options struct {
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
	Layers   LayerSource
	Notifier Notifier
	Metrics  *metrics.Metrics
}

type Reconciler struct {
	store    session.Store
	clock    clock.Clock
	log      *zap.SugaredLogger
	layers   LayerSource
	notifier Notifier
	metrics  *metrics.Metrics
	locks    *keyedMutex
}

func New(store session.Store, opts Options) *Reconciler {
	r := &Reconciler{
		store:    store,
		clock:    opts.Clock,
		log:      opts.Logger,
		layers:   opts.Layers,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		locks:    newKeyedMutex(),
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}
	return r
}

// Apply dispatches a decoded event to the matching operation.
func (r *Reconciler) Apply(ctx context.Context, ev event.Event) (*session.Session, error) {
	switch p := ev.Payload.(type) {
	case event.SessionStart:
		return r.OnSessionStart(ctx, ev, p)
	case event.SessionEnd:
		return r.OnSessionEnd(ctx, ev, p)
	case event.ToolStart:
		return r.OnToolStart(ctx, ev, p)
	case event.ToolComplete:
		return r.OnToolComplete(ctx, ev, p)
	case event.MessageCaptured:
		return r.OnMessageCaptured(ctx, ev, p)
	case event.SettingsSnapshot:
		return r.OnSettingsSnapshot(ctx, ev, p)
	default:
		return nil, apperr.Malformed("unsupported payload %T", ev.Payload)
	}
}

// change is what one operation staged: the resulting snapshot and the
// notification to send once it is committed.
type change struct {
	session *session.Session
	msg     *ws.Message
	noop    bool
}

type applyFunc func(tx session.Tx, now time.Time) (change, error)

// run applies fn for ev under the session's lock and inside one store unit.
// A duplicate event returns the current snapshot without calling fn.
func (r *Reconciler) run(ctx context.Context, ev event.Event, fn applyFunc) (*session.Session, error) {
	kind := string(ev.Kind)
	start := time.Now()

	unlock := r.locks.Lock(ev.SessionID)
	defer unlock()

	now := r.clock.Now().UTC()
	var (
		out       change
		duplicate bool
	)
	err := r.store.Update(ctx, func(tx session.Tx) error {
		if ev.ID != "" {
			applied, err := tx.EventApplied(ev.ID)
			if err != nil {
				return err
			}
			if applied {
				duplicate = true
				cur, ok, err := tx.Session(ev.SessionID)
				if err != nil {
					return err
				}
				if !ok {
					return apperr.SessionNotFound(ev.SessionID)
				}
				out = change{session: cur, noop: true}
				return nil
			}
		}

		c, err := fn(tx, now)
		if err != nil {
			return err
		}
		if ev.ID != "" && !c.noop {
			if err := tx.RecordEvent(session.AppliedEvent{
				EventID:   ev.ID,
				SessionID: ev.SessionID,
				Kind:      kind,
				AppliedAt: now,
			}); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		err = classify(ev.SessionID, err)
		if errors.Is(err, apperr.ErrPersistenceFailure) {
			r.metrics.ObserveEvent(kind, metrics.ResultFailed)
			r.log.Errorf("Event %s for session %s not applied: %v", kind, ev.SessionID, err)
		} else {
			r.metrics.ObserveEvent(kind, metrics.ResultRejected)
			r.log.Warnf("Event %s for session %s rejected: %v", kind, ev.SessionID, err)
		}
		return nil, err
	}

	if duplicate || out.noop {
		r.metrics.ObserveEvent(kind, metrics.ResultDuplicate)
		r.log.Debugf("Event %s (%s) for session %s changed nothing", ev.ID, kind, ev.SessionID)
		return out.session, nil
	}

	r.metrics.ObserveEvent(kind, metrics.ResultApplied)
	r.metrics.ObserveApply(kind, time.Since(start))
	if out.msg != nil && r.notifier != nil {
		r.notifier.Notify(*out.msg)
	}
	return out.session, nil
}

// classify keeps taxonomy errors as they are and treats anything else as a
// failed durable write.
func classify(sessionID string, err error) error {
	if apperr.CodeOf(err) != "" {
		return err
	}
	return apperr.Persistence(sessionID, err)
}

// existing loads the session an activity event refers to and enforces the
// sequence contract.
func existing(tx session.Tx, ev event.Event) (*session.Session, error) {
	cur, ok, err := tx.Session(ev.SessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.SessionNotFound(ev.SessionID)
	}
	if ev.Seq > 0 && ev.Seq <= cur.LastSeq {
		return nil, apperr.Stale(ev.SessionID, ev.Seq, cur.LastSeq)
	}
	return cur, nil
}

// touch records the bookkeeping every applied event leaves on its session.
func touch(s *session.Session, ev event.Event, now time.Time) {
	s.LastActivityAt = now
	if ev.Seq > 0 {
		s.LastSeq = ev.Seq
	}
	if len(ev.Raw) > 0 {
		s.Raw = append(s.Raw[:0:0], ev.Raw...)
	}
	if ev.ID != "" {
		if s.Annotations == nil {
			s.Annotations = map[string]any{}
		}
		s.Annotations[session.AnnotationLastEventID] = ev.ID
	}
}

// occurredAt is the reporter's timestamp when present, otherwise now.
func occurredAt(ev event.Event, now time.Time) time.Time {
	if ev.Timestamp.IsZero() {
		return now
	}
	return ev.Timestamp.UTC()
}

func (r *Reconciler) message(t ws.MessageType, data any, now time.Time) *ws.Message {
	msg := ws.NewMessage(t, data, now)
	return &msg
}

// refreshLive updates the live-session gauge after a liveness change.
func (r *Reconciler) refreshLive(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	live, err := r.store.List(ctx, session.ListQuery{ActiveOnly: true})
	if err != nil {
		r.log.Debugf("Live session count unavailable: %v", err)
		return
	}
	r.metrics.SetLiveSessions(len(live))
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case fmt.Stringer:
		var i int
		_, _ = fmt.Sscan(n.String(), &i)
		return i
	default:
		return 0
	}
}

var (
	_ event.Applier = (*Reconciler)(nil)
	_ settings.Sink = (*Reconciler)(nil)
	_ Notifier      = (*ws.Hub)(nil)
)
