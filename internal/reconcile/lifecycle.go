package reconcile

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hooklight/hooklight/internal/event"
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
	"github.com/hooklight/hooklight/internal/ws"
)

// OnSessionStart creates the session or revives it. The reporter's view
// replaces every session-level field; identity, counters, and annotations
// carry over.
func (r *Reconciler) OnSessionStart(ctx context.Context, ev event.Event, p event.SessionStart) (*session.Session, error) {
	// File reads happen before the session lock is taken.
	var layers []settings.Layer
	if r.layers != nil {
		layers = r.layers.Load(p.Cwd)
	}
	effective := settings.Resolve(layers, p.RuntimeConfig)

	s, err := r.run(ctx, ev, func(tx session.Tx, now time.Time) (change, error) {
		prev, found, err := tx.Session(ev.SessionID)
		if err != nil {
			return change{}, err
		}

		next := &session.Session{
			ID:               ev.SessionID,
			ProjectPath:      p.Cwd,
			ProjectName:      projectName(p.ProjectName, p.Cwd),
			TranscriptPath:   p.TranscriptPath,
			StartedAt:        now,
			Live:             true,
			StartCause:       p.Cause,
			RuntimeOverrides: session.CloneMap(p.RuntimeConfig),
			StartConfig:      effective,
			LastSeq:          ev.Seq,
			Annotations:      map[string]any{},
		}
		if found {
			next.InvocationCount = prev.InvocationCount
			next.MessageCount = prev.MessageCount
			next.Annotations = session.CloneMap(prev.Annotations)
			if next.Annotations == nil {
				next.Annotations = map[string]any{}
			}
			next.Annotations[session.AnnotationResumeCount] = asInt(prev.Annotations[session.AnnotationResumeCount]) + 1
		}
		if _, ok := next.Annotations[session.AnnotationFirstObserved]; !ok {
			next.Annotations[session.AnnotationFirstObserved] = now.Format(time.RFC3339Nano)
		}
		touch(next, ev, now)

		if err := tx.SaveSession(next); err != nil {
			return change{}, err
		}
		if err := tx.SaveLayers(layerRows(ev.SessionID, layers, now)); err != nil {
			return change{}, err
		}

		if found {
			r.log.Infof("Session %s restarted (cause=%s, resumes=%v)", next.ID, next.StartCause, next.Annotations[session.AnnotationResumeCount])
		} else {
			r.log.Infof("Session %s started (cause=%s, project=%s)", next.ID, next.StartCause, next.ProjectName)
		}
		return change{
			session: next,
			msg:     r.message(ws.MsgSessionStart, next.Clone(), now),
		}, nil
	})
	if err == nil {
		r.refreshLive(ctx)
	}
	return s, err
}

// OnSessionEnd marks an existing session ended. Its history is kept.
func (r *Reconciler) OnSessionEnd(ctx context.Context, ev event.Event, p event.SessionEnd) (*session.Session, error) {
	s, err := r.run(ctx, ev, func(tx session.Tx, now time.Time) (change, error) {
		cur, err := existing(tx, ev)
		if err != nil {
			return change{}, err
		}
		return r.end(tx, cur, ev, p.Cause, now)
	})
	if err == nil {
		r.refreshLive(ctx)
	}
	return s, err
}

func (r *Reconciler) end(tx session.Tx, cur *session.Session, ev event.Event, cause session.EndCause, now time.Time) (change, error) {
	ended := now
	cur.EndedAt = &ended
	cur.EndCause = &cause
	cur.Live = false
	touch(cur, ev, now)

	if err := tx.SaveSession(cur); err != nil {
		return change{}, err
	}
	r.log.Infof("Session %s ended (cause=%s, duration=%s)", cur.ID, cause, cur.Duration().Round(time.Second))
	return change{
		session: cur,
		msg:     r.message(ws.MsgSessionEnd, cur.Clone(), now),
	}, nil
}

// expire ends sessionID with cause other if it is still live and has been
// idle since before cutoff.
func (r *Reconciler) expire(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	ev := event.Event{
		SessionID: sessionID,
		Kind:      event.KindSessionEnd,
		Payload:   event.SessionEnd{Cause: session.OtherEnd},
	}
	var expired bool
	_, err := r.run(ctx, ev, func(tx session.Tx, now time.Time) (change, error) {
		cur, err := existing(tx, ev)
		if err != nil {
			return change{}, err
		}
		if !cur.Live || !cur.LastActivityAt.Before(cutoff) {
			return change{session: cur, noop: true}, nil
		}
		expired = true
		return r.end(tx, cur, ev, session.OtherEnd, now)
	})
	if err == nil && expired {
		r.refreshLive(ctx)
	}
	return expired, err
}

func projectName(name, cwd string) string {
	if name != "" {
		return name
	}
	if cwd == "" {
		return ""
	}
	return filepath.Base(filepath.Clean(cwd))
}

func layerRows(sessionID string, layers []settings.Layer, now time.Time) []*session.LayerSnapshot {
	rows := make([]*session.LayerSnapshot, 0, len(layers))
	for _, l := range layers {
		if !l.Level.Valid() {
			continue
		}
		values := session.CloneMap(l.Settings)
		if values == nil {
			values = map[string]any{}
		}
		rows = append(rows, &session.LayerSnapshot{
			ID:         uuid.Must(uuid.NewV7()).String(),
			SessionID:  sessionID,
			Layer:      string(l.Level),
			Path:       l.Path,
			Settings:   values,
			Digest:     settings.Digest(values),
			CapturedAt: now,
		})
	}
	return rows
}
