package reconcile

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/hooklight/hooklight/internal/metrics"
	"github.com/hooklight/hooklight/internal/session"
)

const (
	minSweepInterval = time.Second
	maxSweepInterval = time.Minute
)

// Sweeper ends live sessions that have been idle longer than the timeout.
// The external tool does not always report an end, for example when its
// process is killed.
type Sweeper struct {
	r       *Reconciler
	timeout time.Duration
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
}

func NewSweeper(r *Reconciler, timeout time.Duration) *Sweeper {
	return &Sweeper{
		r:       r,
		timeout: timeout,
		clock:   r.clock,
		metrics: r.metrics,
		log:     r.log,
	}
}

func (s *Sweeper) interval() time.Duration {
	iv := s.timeout / 4
	if iv < minSweepInterval {
		return minSweepInterval
	}
	if iv > maxSweepInterval {
		return maxSweepInterval
	}
	return iv
}

// Start sweeps until ctx is done. A non-positive timeout disables sweeping.
func (s *Sweeper) Start(ctx context.Context) {
	if s.timeout <= 0 {
		s.log.Info("Session timeout sweep disabled")
		return
	}
	s.log.Infof("Session timeout sweep started (timeout=%s)", s.timeout)

	ticker := s.clock.Ticker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep ends every idle live session once and returns how many it ended.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if s.timeout <= 0 {
		return 0
	}
	live, err := s.r.store.List(ctx, session.ListQuery{ActiveOnly: true})
	if err != nil {
		s.log.Warnf("Session sweep: list failed: %v", err)
		return 0
	}

	cutoff := s.clock.Now().UTC().Add(-s.timeout)
	ended := 0
	for _, st := range live {
		if !st.LastActivityAt.Before(cutoff) {
			continue
		}
		expired, err := s.r.expire(ctx, st.ID, cutoff)
		if err != nil {
			s.log.Warnf("Session sweep: could not end %s: %v", st.ID, err)
			continue
		}
		if expired {
			ended++
			s.metrics.IncSwept()
			s.log.Infof("Session %s timed out after %s idle", st.ID, s.timeout)
		}
	}
	return ended
}
