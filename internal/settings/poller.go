package settings

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// failureThreshold is the number of consecutive read failures after which a
// file is reported as failed rather than degraded.
const failureThreshold = 3

// Sink receives the global layers whenever one of them changes.
type Sink interface {
	OnGlobalSettings(ctx context.Context, layers []Layer) error
}

// Poller periodically re-reads the global (managed and user) layers and
// forwards them to a Sink when their content digest changes.
type Poller struct {
	loader   *Loader
	sink     Sink
	interval time.Duration
	clock    clock.Clock
	log      *zap.SugaredLogger

	mu      sync.Mutex
	digests map[Level]string
	health  map[Level]*fileHealth
}

func NewPoller(loader *Loader, sink Sink, interval time.Duration, clk clock.Clock, log *zap.SugaredLogger) *Poller {
	if clk == nil {
		clk = clock.New()
	}
	return &Poller{
		loader:   loader,
		sink:     sink,
		interval: interval,
		clock:    clk,
		log:      log,
		digests:  make(map[Level]string),
		health: map[Level]*fileHealth{
			Managed: {path: loader.ManagedPath},
			User:    {path: loader.UserPath},
		},
	}
}

// Start polls until ctx is done. A non-positive interval disables polling
// after the initial read.
func (p *Poller) Start(ctx context.Context) {
	p.log.Infof("Settings poller started (interval=%s, managed=%s, user=%s)",
		p.interval, p.loader.ManagedPath, p.loader.UserPath)

	p.Poll(ctx)
	if p.interval <= 0 {
		return
	}

	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Settings poller stopped")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll reads the global layers once. It reports whether anything changed
// and was accepted by the sink.
func (p *Poller) Poll(ctx context.Context) bool {
	now := p.clock.Now()
	paths := map[Level]string{Managed: p.loader.ManagedPath, User: p.loader.UserPath}

	layers := make([]Layer, 0, 2)
	next := make(map[Level]string, 2)
	for _, level := range []Level{Managed, User} {
		layer, err := readLayer(level, paths[level])
		h := p.health[level]
		if err != nil {
			h.recordFailure(err, now)
			p.log.Warnf("Settings poll: %s layer unreadable at %s: %v", level, paths[level], err)
			// Keep the last good digest so a transient failure does not
			// register as a change to an empty layer.
			p.mu.Lock()
			next[level] = p.digests[level]
			p.mu.Unlock()
			continue
		}
		h.recordSuccess()
		layers = append(layers, layer)
		next[level] = Digest(layer.Settings)
	}

	p.mu.Lock()
	changed := len(p.digests) == 0
	for level, d := range next {
		if p.digests[level] != d {
			changed = true
		}
	}
	p.mu.Unlock()
	if !changed || len(layers) == 0 {
		return false
	}

	if err := p.sink.OnGlobalSettings(ctx, layers); err != nil {
		p.log.Errorf("Settings poll: could not record global settings: %v", err)
		return false
	}

	p.mu.Lock()
	p.digests = next
	p.mu.Unlock()
	return true
}

// Health returns the read health of the global settings files.
func (p *Poller) Health() []FileHealth {
	return []FileHealth{
		p.health[Managed].snapshot(Managed, failureThreshold),
		p.health[User].snapshot(User, failureThreshold),
	}
}
