package infra

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the Prometheus collectors describing order tracking health.
type Metrics struct {
	signals         *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	transientErrors *prometheus.CounterVec
	pollAttempts    *prometheus.CounterVec
	submissions     *prometheus.CounterVec
	submitLatency   prometheus.Histogram
	activeOrders    prometheus.Gauge
}

// GlobalMetrics is the process-wide metrics instance. Register it once at startup.
var GlobalMetrics = NewMetrics()

// NewMetrics builds an unregistered set of collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ramp",
			Subsystem: "orders",
			Name:      "signals_total",
			Help:      "Status signals received by the state machine segmented by source and outcome.",
		}, []string{"source", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ramp",
			Subsystem: "orders",
			Name:      "transitions_total",
			Help:      "Accepted order status transitions segmented by target status.",
		}, []string{"status"}),
		transientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ramp",
			Subsystem: "orders",
			Name:      "transient_errors_total",
			Help:      "Transient signal source failures that did not affect order status.",
		}, []string{"source"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ramp",
			Subsystem: "poller",
			Name:      "attempts_total",
			Help:      "Backend status requests segmented by result.",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ramp",
			Subsystem: "submitter",
			Name:      "submissions_total",
			Help:      "Order submissions segmented by outcome.",
		}, []string{"outcome"}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ramp",
			Subsystem: "submitter",
			Name:      "inclusion_seconds",
			Help:      "Time from submission start to creation transaction inclusion.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		activeOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ramp",
			Subsystem: "orders",
			Name:      "active",
			Help:      "Orders currently tracked by a coordinator.",
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.signals, m.transitions, m.transientErrors, m.pollAttempts,
		m.submissions, m.submitLatency, m.activeOrders,
	}
}

// RecordSignal records a status signal outcome (applied, duplicate, stale, dropped, invalid).
func (m *Metrics) RecordSignal(source, outcome string) {
	m.signals.WithLabelValues(source, outcome).Inc()
}

// RecordTransition records an accepted status change.
func (m *Metrics) RecordTransition(status string) {
	m.transitions.WithLabelValues(status).Inc()
}

// RecordTransientError records a source failure absorbed by the state machine.
func (m *Metrics) RecordTransientError(source string) {
	m.transientErrors.WithLabelValues(source).Inc()
}

// RecordPollAttempt records a single backend request (ok, not_indexed, retry, error).
func (m *Metrics) RecordPollAttempt(result string) {
	m.pollAttempts.WithLabelValues(result).Inc()
}

// RecordSubmission records a submission outcome and, on success, its latency.
func (m *Metrics) RecordSubmission(outcome string, elapsed time.Duration) {
	m.submissions.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.submitLatency.Observe(elapsed.Seconds())
	}
}

// IncrementActive increments the tracked order gauge by 1.
func (m *Metrics) IncrementActive() {
	m.activeOrders.Inc()
}

// DecrementActive decrements the tracked order gauge by 1.
func (m *Metrics) DecrementActive() {
	m.activeOrders.Dec()
}
