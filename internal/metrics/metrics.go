// Package metrics exposes harness counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the harness instrumentation on its own registry so multiple
// fixtures in one process stay independent. A nil *Metrics is valid and
// turns every increment into a no-op.
type Metrics struct {
	registry *prometheus.Registry

	qpsCreated        prometheus.Counter
	handshakeFailures prometheus.Counter
	asyncEvents       *prometheus.CounterVec
	opsIssued         *prometheus.CounterVec
}

// New creates a metrics set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		qpsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rcstress_qps_created_total",
			Help: "Number of RC queue pairs created across all clients.",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rcstress_handshake_failures_total",
			Help: "Number of RC connection handshakes that failed.",
		}),
		asyncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcstress_async_events_total",
			Help: "Asynchronous device events drained, by event type.",
		}, []string{"event_type"}),
		opsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcstress_ops_issued_total",
			Help: "Operations issued by the generator, by op type.",
		}, []string{"op_type"}),
	}
	m.registry.MustRegister(m.qpsCreated, m.handshakeFailures, m.asyncEvents, m.opsIssued)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AddQPsCreated counts newly created queue pairs.
func (m *Metrics) AddQPsCreated(n int) {
	if m == nil {
		return
	}
	m.qpsCreated.Add(float64(n))
}

// IncHandshakeFailure counts one failed RC handshake.
func (m *Metrics) IncHandshakeFailure() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

// IncAsyncEvent counts one drained async event of the given type.
func (m *Metrics) IncAsyncEvent(eventType string) {
	if m == nil {
		return
	}
	m.asyncEvents.WithLabelValues(eventType).Inc()
}

// IncOpIssued counts one generated operation of the given type.
func (m *Metrics) IncOpIssued(opType string) {
	if m == nil {
		return
	}
	m.opsIssued.WithLabelValues(opType).Inc()
}
