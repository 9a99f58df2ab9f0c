package event

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/hooklight/hooklight/internal/apperr"
	"github.com/hooklight/hooklight/internal/metrics"
	"github.com/hooklight/hooklight/internal/session"
)

var errPoolClosed = errors.New("ingestor is closed")

// maxLineBytes bounds one NDJSON line. Tool responses can be large.
const maxLineBytes = 16 << 20

// Applier is the reconciler as seen by the ingestor.
type Applier interface {
	Apply(ctx context.Context, ev Event) (*session.Session, error)
}

// Result is the outcome of one line of a batch.
type Result struct {
	Line      int              `json:"line"`
	EventID   string           `json:"event_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Kind      Kind             `json:"event_kind,omitempty"`
	Session   *session.Session `json:"session,omitempty"`
	Err       error            `json:"-"`
}

// Ingestor validates inbound events and forwards them to the reconciler.
type Ingestor struct {
	applier Applier
	pool    *Pool
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func NewIngestor(applier Applier, workers, queueSize int, m *metrics.Metrics, log *zap.SugaredLogger) *Ingestor {
	in := &Ingestor{applier: applier, metrics: m, log: log}
	in.pool = NewPool(workers, queueSize, in.apply)
	return in
}

// Submit decodes one event and applies it synchronously, returning the
// updated session snapshot.
func (in *Ingestor) Submit(ctx context.Context, raw []byte) (*session.Session, error) {
	ev, err := in.decode(raw)
	if err != nil {
		return nil, err
	}
	return in.apply(ctx, ev)
}

// SubmitEvent applies an already decoded event.
func (in *Ingestor) SubmitEvent(ctx context.Context, ev Event) (*session.Session, error) {
	return in.apply(ctx, ev)
}

// SubmitBatch reads newline-delimited events from r. Events for one session
// are applied in input order; different sessions run concurrently. The
// returned results are in input order. The error is non-nil only when r
// itself could not be read; per-event failures are in the results.
func (in *Ingestor) SubmitBatch(ctx context.Context, r io.Reader) ([]Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var results []Result
	var pending []<-chan outcome
	var pendingIdx []int

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		res := Result{Line: line}
		ev, err := in.decode(raw)
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		res.EventID, res.SessionID, res.Kind = ev.ID, ev.SessionID, ev.Kind

		done, err := in.pool.Enqueue(ctx, ev)
		if err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}
		results = append(results, res)
		pending = append(pending, done)
		pendingIdx = append(pendingIdx, len(results)-1)
	}

	for i, done := range pending {
		out := <-done
		results[pendingIdx[i]].Session = out.session
		results[pendingIdx[i]].Err = out.err
	}

	if err := scanner.Err(); err != nil {
		return results, fmt.Errorf("read batch: %w", err)
	}
	return results, nil
}

// Close drains the worker pool.
func (in *Ingestor) Close() {
	in.pool.Close()
}

func (in *Ingestor) decode(raw []byte) (Event, error) {
	ev, err := Decode(raw)
	if err != nil {
		in.metrics.ObserveEvent("", metrics.ResultRejected)
		in.log.Warnf("Rejected event: %v", err)
		return Event{}, err
	}
	return ev, nil
}

func (in *Ingestor) apply(ctx context.Context, ev Event) (*session.Session, error) {
	s, err := in.applier.Apply(ctx, ev)
	if err != nil {
		result := metrics.ResultRejected
		if errors.Is(err, apperr.ErrPersistenceFailure) {
			result = metrics.ResultFailed
		}
		in.metrics.ObserveEvent(string(ev.Kind), result)
		in.log.Warnf("Event %s for session %s not applied: %v", ev.Kind, ev.SessionID, err)
		return nil, err
	}
	return s, nil
}
