// Package metrics exposes Prometheus instruments for ingestion,
// reconciliation, and the broadcast hub. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hooklight"

// Event results.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec
	applyLatency *prometheus.HistogramVec
	liveSessions prometheus.Gauge
	subscribers  prometheus.Gauge
	dropped      prometheus.Counter
	evicted      *prometheus.CounterVec
	swept        prometheus.Counter
}

// New creates the instruments on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by kind and outcome.",
		}, []string{"kind", "result"}),
		applyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time to reconcile one event, including the durable write.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Sessions currently marked live.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_subscribers",
			Help:      "Connected WebSocket subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_dropped_messages_total",
			Help:      "Messages discarded from full subscriber queues.",
		}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_evictions_total",
			Help:      "Subscribers evicted, by reason.",
		}, []string{"reason"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_timed_out_total",
			Help:      "Live sessions ended by the idle sweep.",
		}),
	}
	m.registry.MustRegister(
		m.events, m.applyLatency, m.liveSessions, m.subscribers, m.dropped, m.evicted, m.swept,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveEvent(kind, result string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.events.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveApply(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.applyLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.liveSessions.Set(float64(n))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) IncEvicted(reason string) {
	if m == nil {
		return
	}
	m.evicted.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncSwept() {
	if m == nil {
		return
	}
	m.swept.Inc()
}
