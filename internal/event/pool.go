package event

import (
	"context"
	"sync"

	"github.com/hooklight/hooklight/internal/session"
)

// ApplyFunc reconciles one event.
type ApplyFunc func(ctx context.Context, ev Event) (*session.Session, error)

type outcome struct {
	session *session.Session
	err     error
}

type job struct {
	ctx  context.Context
	ev   Event
	done chan outcome
}

// chain holds the pending events of one session. At most one goroutine
// drains a chain, which keeps a session's events in submission order.
type chain struct {
	jobs []job
}

// Pool applies events with at most workers calls to ApplyFunc in flight.
// Each session has its own chain, so a slow session delays only its own
// events while other sessions keep going.
type Pool struct {
	apply   ApplyFunc
	workers chan struct{}
	pending chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	chains map[string]*chain
	closed bool
}

// NewPool bounds concurrent applies to workers and the events waiting
// across all sessions to workers*queueSize.
func NewPool(workers, queueSize int, apply ApplyFunc) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		apply:   apply,
		workers: make(chan struct{}, workers),
		pending: make(chan struct{}, workers*queueSize),
		chains:  make(map[string]*chain),
	}
}

// Enqueue schedules ev and returns a channel that receives its outcome. It
// blocks while the pool is at capacity, until ctx is done.
func (p *Pool) Enqueue(ctx context.Context, ev Event) (<-chan outcome, error) {
	select {
	case p.pending <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.pending
		return nil, errPoolClosed
	}
	j := job{ctx: ctx, ev: ev, done: make(chan outcome, 1)}
	if c, ok := p.chains[ev.SessionID]; ok {
		c.jobs = append(c.jobs, j)
		return j.done, nil
	}
	c := &chain{jobs: []job{j}}
	p.chains[ev.SessionID] = c
	p.wg.Add(1)
	go p.drain(ev.SessionID, c)
	return j.done, nil
}

func (p *Pool) drain(sessionID string, c *chain) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(c.jobs) == 0 {
			delete(p.chains, sessionID)
			p.mu.Unlock()
			return
		}
		j := c.jobs[0]
		c.jobs = c.jobs[1:]
		p.mu.Unlock()

		p.run(j)
		<-p.pending
	}
}

func (p *Pool) run(j job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- outcome{err: err}
		return
	}
	p.workers <- struct{}{}
	defer func() { <-p.workers }()
	s, err := p.apply(j.ctx, j.ev)
	j.done <- outcome{session: s, err: err}
}

func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chains)
}

// Close stops accepting work and waits for queued events to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
