package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "restune"

// Metrics holds the daemon's collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	admissions     *prometheus.CounterVec
	applyFailures  prometheus.Counter
	gcTeardowns    *prometheus.CounterVec
	deadClients    *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	activeTunings  prometheus.Gauge
	clients        prometheus.Gauge
	applyLatency   prometheus.Histogram
	recoveryResult *prometheus.CounterVec
}

// New registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Inbound requests by admission outcome.",
		}, []string{"outcome"}),
		applyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_failures_total",
			Help:      "Physical writes that failed and were rolled back.",
		}),
		gcTeardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_teardowns_total",
			Help:      "Dead client teardowns by result.",
		}, []string{"result"}),
		deadClients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulse_dead_clients_total",
			Help:      "Clients declared dead by the pulse monitor, by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending queue entries.",
		}),
		activeTunings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tunings",
			Help:      "Applied tunings.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients",
			Help:      "Known client sessions.",
		}),
		applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time from dequeue to committed tuning.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		recoveryResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_records_total",
			Help:      "Records handled during startup reconciliation, by action.",
		}, []string{"action"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.admissions, m.applyFailures, m.gcTeardowns, m.deadClients,
		m.queueDepth, m.activeTunings, m.clients, m.applyLatency, m.recoveryResult,
	)
	return m
}

// Registry exposes the underlying registry for tests and handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Admission counts an admission outcome: "accepted" or an error kind.
func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(outcome).Inc()
}

// ApplyFailure counts a rolled back write.
func (m *Metrics) ApplyFailure() {
	if m == nil {
		return
	}
	m.applyFailures.Inc()
}

// ObserveApply records dequeue-to-commit latency.
func (m *Metrics) ObserveApply(d time.Duration) {
	if m == nil {
		return
	}
	m.applyLatency.Observe(d.Seconds())
}

// Teardown counts a garbage collector teardown: "ok" or "retry".
func (m *Metrics) Teardown(result string) {
	if m == nil {
		return
	}
	m.gcTeardowns.WithLabelValues(result).Inc()
}

// DeadClient counts a client declared dead.
func (m *Metrics) DeadClient(reason string) {
	if m == nil {
		return
	}
	m.deadClients.WithLabelValues(reason).Inc()
}

// Recovery counts a reconciled record: "adopted" or "forced".
func (m *Metrics) Recovery(action string) {
	if m == nil {
		return
	}
	m.recoveryResult.WithLabelValues(action).Inc()
}

// SetQueueDepth publishes the pending entry count.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetActiveTunings publishes the applied tuning count.
func (m *Metrics) SetActiveTunings(n int) {
	if m == nil {
		return
	}
	m.activeTunings.Set(float64(n))
}

// SetClients publishes the client count.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
