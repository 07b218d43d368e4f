package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gomembership/pkg/membership"
)

// Metrics implements membership.Metrics using Prometheus.
type Metrics struct {
	projectionsTotal    *prometheus.CounterVec
	projectionDuration  *prometheus.HistogramVec
	usageReportsTotal   *prometheus.CounterVec
	usageReportDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		projectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projections_total",
			Help:      "Total number of event projections applied to local records.",
		}, []string{"entity", "operation", "status"}),

		projectionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "projection_duration_seconds",
			Help:      "Latency of event projections.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity", "operation"}),

		usageReportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reports_total",
			Help:      "Total number of usage report attempts.",
		}, []string{"status"}),

		usageReportDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_report_duration_seconds",
			Help:      "Latency of usage reports.",
			Buckets:   prometheus.DefBuckets,
		}, []string{}),
	}
}

func (m *Metrics) RecordProjection(entity, operation, status string) {
	m.projectionsTotal.WithLabelValues(entity, operation, status).Inc()
}

func (m *Metrics) RecordProjectionDuration(entity, operation string, duration time.Duration) {
	m.projectionDuration.WithLabelValues(entity, operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordUsageReport(status string) {
	m.usageReportsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordUsageReportDuration(duration time.Duration) {
	m.usageReportDuration.WithLabelValues().Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) membership.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
