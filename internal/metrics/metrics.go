// Package metrics exposes Prometheus instrumentation for pipeline runs, the
// scheduler queue, and webhook traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the rest of the system reports into.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	RowsTotal         *prometheus.CounterVec
	WebhookTriggers   prometheus.Counter
}

// New creates a registry with the standard process collectors plus the Reef
// series. queueDepth and throttleEntries are sampled on scrape.
func New(queueDepth, throttleEntries func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reef_executions_total",
			Help: "Pipeline executions by kind and final status.",
		}, []string{"kind", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reef_execution_duration_seconds",
			Help:    "Wall-clock duration of pipeline executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"kind"}),
		RowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reef_rows_total",
			Help: "Rows processed by kind and disposition.",
		}, []string{"kind", "disposition"}),
		WebhookTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reef_webhook_triggers_total",
			Help: "Accepted webhook trigger requests.",
		}),
	}
	reg.MustRegister(m.ExecutionsTotal, m.ExecutionDuration, m.RowsTotal, m.WebhookTriggers)

	if queueDepth != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reef_scheduler_queue_depth",
			Help: "Items waiting in the scheduler queue.",
		}, func() float64 { return float64(queueDepth()) }))
	}
	if throttleEntries != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "reef_notification_throttle_entries",
			Help: "Tracked notification throttle keys.",
		}, func() float64 { return float64(throttleEntries()) }))
	}
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
