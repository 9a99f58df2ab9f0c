package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hooklight/hooklight/internal/event"
	"github.com/hooklight/hooklight/internal/session"
	"github.com/hooklight/hooklight/internal/settings"
	"github.com/hooklight/hooklight/internal/ws"
)

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// OnToolStart records a new open invocation. Liveness is never changed, so
// activity after an end is attributed to the ended record.
func (r *Reconciler) OnToolStart(ctx context.Context, ev event.Event, p event.ToolStart) (*session.Session, error) {
	return r.run(ctx, ev, func(tx session.Tx, now time.Time) (change, error) {
		cur, err := existing(tx, ev)
		if err != nil {
			return change{}, err
		}
		if p.ToolUseID != "" {
			if _, found, err := tx.FindInvocation(ev.SessionID, p.ToolUseID); err != nil {
				return change{}, err
			} else if found {
				return change{session: cur, noop: true}, nil
			}
		}

		inv := &session.ToolInvocation{
			ID:        newID(),
			SessionID: ev.SessionID,
			ToolUseID: p.ToolUseID,
			ToolName:  p.ToolName,
			Input:     p.Input,
			IssuedAt:  occurredAt(ev, now),
		}
		if err := tx.SaveInvocation(inv); err != nil {
			return change{}, err
		}
		cur.InvocationCount++
		touch(cur, ev, now)
		if err := tx.SaveSession(cur); err != nil {
			return change{}, err
		}

		r.log.Debugf("Session %s: tool %s started", cur.ID, inv.ToolName)
		return change{
			session: cur,
			msg: r.message(ws.MsgToolExecution, ws.ToolExecutionPayload{
				Session:    cur.Clone(),
				Invocation: inv.Clone(),
			}, now),
		}, nil
	})
}

// OnToolComplete closes the matching open invocation, or records a
// completed one when nothing open matches.
func (r *Reconciler) OnToolComplete(ctx context.Context, ev event.Event, p event.ToolComplete) (*session.Session, error) {
	return r.run(ctx, ev, func(tx session.Tx, now time.Time) (change, error) {
		cur, err := existing(tx, ev)
		if err != nil {
			return change{}, err
		}

		inv, err := matchInvocation(tx, ev.SessionID, p)
		if err != nil {
			return change{}, err
		}
		if inv != nil && inv.Completed() {
			return change{session: cur, noop: true}, nil
		}

		completed := occurredAt(ev, now)
		if inv == nil {
			inv = &session.ToolInvocation{
				ID:        newID(),
				SessionID: ev.SessionID,
				ToolUseID: p.ToolUseID,
				ToolName:  p.ToolName,
				IssuedAt:  completed,
			}
			if p.DurationMS != nil {
				inv.IssuedAt = completed.Add(-time.Duration(*p.DurationMS) * time.Millisecond)
			}
			cur.InvocationCount++
		}
		if inv.ToolName == "" {
			inv.ToolName = p.ToolName
		}
		inv.Result = p.Response
		inv.Error = p.Error
		inv.CompletedAt = &completed
		if p.DurationMS != nil {
			d := *p.DurationMS
			inv.DurationMS = &d
		} else {
			d := completed.Sub(inv.IssuedAt).Milliseconds()
			if d < 0 {
				d = 0
			}
			inv.DurationMS = &d
		}

		if err := tx.SaveInvocation(inv); err != nil {
			return change{}, err
		}
		touch(cur, ev, now)
		if err := tx.SaveSession(cur); err != nil {
			return change{}, err
		}

		r.log.Debugf("Session %s: tool %s completed in %dms", cur.ID, inv.ToolName, *inv.DurationMS)
		return change{
			session: cur,
			msg: r.message(ws.MsgToolExecution, ws.ToolExecutionPayload{
				Session:    cur.Clone(),
				Invocation: inv.Clone(),
			}, now),
		}, nil
	})
}

// matchInvocation finds the invocation a completion refers to: by
// correlation id when one is supplied, otherwise the oldest open one with
// the same tool name. It returns nil when nothing matches.
func matchInvocation(tx session.Tx, sessionID string, p event.ToolComplete) (*session.ToolInvocation, error) {
	if p.ToolUseID != "" {
		inv, found, err := tx.FindInvocation(sessionID, p.ToolUseID)
		if err != nil || !found {
			return nil, err
		}
		return inv, nil
	}
	open, err := tx.OpenInvocations(sessionID, p.ToolName)
	if err != nil || len(open) == 0 {
		return nil, err
	}
	return open[0], nil
}

// OnMessageCaptured records one user or assistant turn.
func (r *Reconciler) OnMessageCaptured(ctx context.Context, ev event.Event, p event.MessageCaptured) (*session.Session, error) {
	return r.run(ctx, ev, func(tx session.Tx, now time.Time) (change, error) {
		cur, err := existing(tx, ev)
		if err != nil {
			return change{}, err
		}

		cur.MessageCount++
		m := &session.Message{
			ID:         newID(),
			SessionID:  ev.SessionID,
			Role:       p.Role,
			Text:       p.Text,
			Turn:       p.Turn,
			CapturedAt: occurredAt(ev, now),
		}
		if m.Turn == 0 {
			m.Turn = cur.MessageCount
		}
		if err := tx.SaveMessage(m); err != nil {
			return change{}, err
		}
		touch(cur, ev, now)
		if err := tx.SaveSession(cur); err != nil {
			return change{}, err
		}

		c := *m
		return change{
			session: cur,
			msg: r.message(ws.MsgMessage, ws.MessagePayload{
				Session: cur.Clone(),
				Message: &c,
			}, now),
		}, nil
	})
}

// OnSettingsSnapshot stores the layer documents a reporter saw for a
// session. The start-time configuration snapshot is left as it was.
func (r *Reconciler) OnSettingsSnapshot(ctx context.Context, ev event.Event, p event.SettingsSnapshot) (*session.Session, error) {
	return r.run(ctx, ev, func(tx session.Tx, now time.Time) (change, error) {
		cur, err := existing(tx, ev)
		if err != nil {
			return change{}, err
		}

		levels := make([]string, 0, len(p.Settings))
		for level := range p.Settings {
			levels = append(levels, level)
		}
		sort.Strings(levels)
		layers := make([]settings.Layer, 0, len(levels))
		for _, level := range levels {
			layers = append(layers, settings.Layer{
				Level:    settings.Level(level),
				Path:     p.Paths[level],
				Settings: p.Settings[level],
			})
		}
		rows := layerRows(ev.SessionID, layers, now)
		if err := tx.SaveLayers(rows); err != nil {
			return change{}, err
		}
		touch(cur, ev, now)
		if err := tx.SaveSession(cur); err != nil {
			return change{}, err
		}

		latest, err := tx.LatestLayers(ev.SessionID)
		if err != nil {
			return change{}, err
		}
		return change{
			session: cur,
			msg: r.message(ws.MsgSettingsUpdate, ws.SettingsPayload{
				Session:   cur.Clone(),
				Layers:    rows,
				Effective: settings.Resolve(settings.FromSnapshots(latest), cur.RuntimeOverrides),
			}, now),
		}, nil
	})
}

// OnGlobalSettings stores the global layers that differ from the latest
// stored snapshot and announces the new global configuration.
func (r *Reconciler) OnGlobalSettings(ctx context.Context, layers []settings.Layer) error {
	now := r.clock.Now().UTC()
	var changed []*session.LayerSnapshot

	err := r.store.Update(ctx, func(tx session.Tx) error {
		changed = nil
		latest, err := tx.LatestLayers("")
		if err != nil {
			return err
		}
		digests := make(map[string]string, len(latest))
		for _, l := range latest {
			digests[l.Layer] = l.Digest
		}
		for _, row := range layerRows("", layers, now) {
			if digests[row.Layer] == row.Digest {
				continue
			}
			changed = append(changed, row)
		}
		if len(changed) == 0 {
			return nil
		}
		return tx.SaveLayers(changed)
	})
	if err != nil {
		return classify("", err)
	}
	if len(changed) == 0 {
		return nil
	}

	r.log.Infof("Global settings changed (%d layers)", len(changed))
	if r.notifier != nil {
		r.notifier.Notify(ws.NewMessage(ws.MsgSettingsUpdate, ws.SettingsPayload{
			Layers:    changed,
			Effective: settings.Resolve(layers, nil),
		}, now))
	}
	return nil
}
