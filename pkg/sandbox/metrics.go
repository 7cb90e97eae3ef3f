package sandbox

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exposed by the sandbox layer.
type Metrics struct {
	executionsTotal  *prometheus.CounterVec
	executionSeconds *prometheus.HistogramVec
	violationsTotal  *prometheus.CounterVec
	activeSandboxes  *prometheus.GaugeVec
	refusalsTotal    prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all sandbox metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_sandbox_executions_total",
			Help: "Total bounded executions by isolation level and outcome",
		}, []string{"isolation", "outcome"}),

		executionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conveyor_sandbox_execution_seconds",
			Help:    "Wall-clock duration of bounded executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"isolation"}),

		violationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conveyor_sandbox_violations_total",
			Help: "Resource and policy violations by kind and policy group",
		}, []string{"kind", "group"}),

		activeSandboxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conveyor_sandbox_active",
			Help: "Currently running bounded executions by isolation level",
		}, []string{"isolation"}),

		refusalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conveyor_sandbox_refusals_total",
			Help: "Executions refused because the policy group was unhealthy",
		}),

		registry: registry,
	}

	registry.MustRegister(
		m.executionsTotal,
		m.executionSeconds,
		m.violationsTotal,
		m.activeSandboxes,
		m.refusalsTotal,
	)
	return m
}

// Handler returns an HTTP handler serving the sandbox metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) recordExecution(isolation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(isolation, outcome).Inc()
	m.executionSeconds.WithLabelValues(isolation).Observe(seconds)
}

func (m *Metrics) recordViolation(kind, group string) {
	if m == nil {
		return
	}
	m.violationsTotal.WithLabelValues(kind, group).Inc()
}

func (m *Metrics) recordRefusal() {
	if m == nil {
		return
	}
	m.refusalsTotal.Inc()
}

func (m *Metrics) sandboxStarted(isolation string) {
	if m == nil {
		return
	}
	m.activeSandboxes.WithLabelValues(isolation).Inc()
}

func (m *Metrics) sandboxFinished(isolation string) {
	if m == nil {
		return
	}
	m.activeSandboxes.WithLabelValues(isolation).Dec()
}
