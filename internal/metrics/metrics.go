package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the sync core's prometheus collectors. A nil
// *Collectors is valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	batches        *prometheus.CounterVec
	rows           *prometheus.CounterVec
	streamEvents   *prometheus.CounterVec
	streamDrops    prometheus.Counter
	fetchDuration  *prometheus.HistogramVec
	mutations      *prometheus.CounterVec
	uploadedBytes  prometheus.Counter
	activeSessions prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yarsha",
			Name:      "reconcile_batches_total",
			Help:      "Batches applied by the reconciler.",
		}, []string{"source", "mode"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yarsha",
			Name:      "store_rows_written_total",
			Help:      "Rows written to the local store by entity and operation.",
		}, []string{"entity", "op"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yarsha",
			Name:      "stream_events_total",
			Help:      "Stream events dispatched by kind and type.",
		}, []string{"kind", "type"}),
		streamDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yarsha",
			Name:      "stream_events_dropped_total",
			Help:      "Stream events discarded after the session was closed.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "yarsha",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of fetch operations including the store write.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "outcome"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yarsha",
			Name:      "mutations_total",
			Help:      "User-initiated mutations by action and outcome.",
		}, []string{"action", "outcome"}),
		uploadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yarsha",
			Name:      "upload_bytes_total",
			Help:      "Bytes uploaded through the media collaborator.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yarsha",
			Name:      "stream_sessions_active",
			Help:      "Stream sessions currently open.",
		}),
	}
	c.registry.MustRegister(
		c.batches, c.rows, c.streamEvents, c.streamDrops,
		c.fetchDuration, c.mutations, c.uploadedBytes, c.activeSessions,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) BatchApplied(source, mode string) {
	if c == nil {
		return
	}
	c.batches.WithLabelValues(source, mode).Inc()
}

func (c *Collectors) RowsWritten(entity, op string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.rows.WithLabelValues(entity, op).Add(float64(n))
}

func (c *Collectors) StreamEvent(kind, eventType string) {
	if c == nil {
		return
	}
	c.streamEvents.WithLabelValues(kind, eventType).Inc()
}

func (c *Collectors) StreamDropped() {
	if c == nil {
		return
	}
	c.streamDrops.Inc()
}

func (c *Collectors) ObserveFetch(op, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.fetchDuration.WithLabelValues(op, outcome).Observe(seconds)
}

func (c *Collectors) Mutation(action, outcome string) {
	if c == nil {
		return
	}
	c.mutations.WithLabelValues(action, outcome).Inc()
}

func (c *Collectors) Uploaded(n int64) {
	if c == nil {
		return
	}
	c.uploadedBytes.Add(float64(n))
}

func (c *Collectors) SessionOpened() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

func (c *Collectors) SessionClosed() {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
}
