package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gantry Prometheus collectors. Every Observe* method is
// nil-safe so instrumented code never has to guard the pointer; a nil Metrics
// disables collection.
type Metrics struct {
	registry *prometheus.Registry

	controlRequests  *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec
	dispatchSeconds  *prometheus.HistogramVec
	dispatchFailures *prometheus.CounterVec
	batchRequests    *prometheus.CounterVec
	trackedContexts  prometheus.Gauge
	sseClients       prometheus.Gauge
	eventsPublished  *prometheus.CounterVec
	archivedTotal    prometheus.Counter
}

// New creates a Metrics with its own registry, so tests and multiple
// instances never collide on collector registration.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		controlRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_control_requests_total",
				Help: "Control requests by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		stateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_state_transitions_total",
				Help: "Execution state transitions by from and to state",
			},
			[]string{"from", "to"},
		),
		dispatchSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gantry_source_dispatch_seconds",
				Help:    "Latency of control dispatches to the execution source",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "action"},
		),
		dispatchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_source_dispatch_failures_total",
				Help: "Failed or rejected source dispatches by source and action",
			},
			[]string{"source", "action"},
		),
		batchRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_batch_requests_total",
				Help: "Batch control requests by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		trackedContexts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gantry_tracked_executions",
				Help: "Number of execution contexts currently tracked",
			},
		),
		sseClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gantry_sse_clients",
				Help: "Number of connected SSE event stream clients",
			},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gantry_events_published_total",
				Help: "Control events published to the bus by event type",
			},
			[]string{"type"},
		),
		archivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gantry_archived_executions_total",
				Help: "Terminal execution contexts archived by the janitor",
			},
		),
	}
}

// Handler returns the /metrics HTTP handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveControlRequest counts one processed control request.
func (m *Metrics) ObserveControlRequest(action, outcome string) {
	if m == nil {
		return
	}
	m.controlRequests.WithLabelValues(action, outcome).Inc()
}

// ObserveTransition counts one applied state transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// ObserveDispatch records the latency of one source dispatch and counts
// failures.
func (m *Metrics) ObserveDispatch(source, action string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.dispatchSeconds.WithLabelValues(source, action).Observe(elapsed.Seconds())
	if failed {
		m.dispatchFailures.WithLabelValues(source, action).Inc()
	}
}

// ObserveBatch counts one batch request.
func (m *Metrics) ObserveBatch(action, outcome string) {
	if m == nil {
		return
	}
	m.batchRequests.WithLabelValues(action, outcome).Inc()
}

// SetTrackedContexts updates the tracked-executions gauge.
func (m *Metrics) SetTrackedContexts(n int) {
	if m == nil {
		return
	}
	m.trackedContexts.Set(float64(n))
}

// SSEClientConnected adjusts the connected-clients gauge.
func (m *Metrics) SSEClientConnected(delta int) {
	if m == nil {
		return
	}
	m.sseClients.Add(float64(delta))
}

// ObserveEventPublished counts one event handed to the bus.
func (m *Metrics) ObserveEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// ObserveArchived counts one archived execution context.
func (m *Metrics) ObserveArchived() {
	if m == nil {
		return
	}
	m.archivedTotal.Inc()
}
