package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on a dedicated registry
type PrometheusMetrics struct {
	registry  *prometheus.Registry
	decisions *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	reloads   *prometheus.CounterVec
	units     prometheus.Gauge
}

// NewPrometheusMetrics creates and registers the decision collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdp_decisions_total",
				Help: "Total number of policy decisions by phase, unit and outcome",
			},
			[]string{"phase", "unit", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pdp_evaluation_duration_seconds",
				Help:    "Policy evaluation latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"phase", "unit"},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdp_policy_reloads_total",
				Help: "Total number of policy reloads by result",
			},
			[]string{"result"},
		),
		units: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdp_policy_bindings",
				Help: "Number of resource bindings in the active policy snapshot",
			},
		),
	}

	m.registry.MustRegister(
		m.decisions,
		m.latency,
		m.reloads,
		m.units,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *PrometheusMetrics) RecordDecision(_ context.Context, labels DecisionLabels) {
	m.decisions.WithLabelValues(labels.Phase, labels.Unit, labels.Outcome).Inc()
}

func (m *PrometheusMetrics) RecordLatency(_ context.Context, duration time.Duration, labels DecisionLabels) {
	m.latency.WithLabelValues(labels.Phase, labels.Unit).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordReload(_ context.Context, success bool, units int) {
	if !success {
		m.reloads.WithLabelValues("failure").Inc()
		return
	}
	m.reloads.WithLabelValues("success").Inc()
	m.units.Set(float64(units))
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
