package membership

import "time"

// Metrics defines the interface for tracking synchronizer operations.
// All methods are optional - components should gracefully handle nil metrics.
type Metrics interface {
	// RecordProjection records a webhook projection onto a local record.
	// entity: "entitlement" or "membership"
	// operation: the event-derived operation (e.g. "product.created")
	// status: "applied", "skipped" or "error"
	RecordProjection(entity, operation, status string)

	// RecordProjectionDuration records how long a projection took.
	RecordProjectionDuration(entity, operation string, duration time.Duration)

	// RecordUsageReport records a usage-report attempt.
	// status: "success", "not_metered", "provider_error" or "store_error"
	RecordUsageReport(status string)

	// RecordUsageReportDuration records how long a usage report took.
	RecordUsageReportDuration(duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordProjection(_, _, _ string)                       {}
func (n *NoopMetrics) RecordProjectionDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordUsageReport(_ string)                            {}
func (n *NoopMetrics) RecordUsageReportDuration(_ time.Duration)             {}
