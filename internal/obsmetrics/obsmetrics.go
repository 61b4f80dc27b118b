// Package obsmetrics holds the pipeline's own prometheus collectors —
// queue depth, phase duration, and quota usage — grounded on the
// prometheus.GaugeVec pattern internal/breaker.Registry already
// registers for breaker state. These are registered alongside the
// breaker registry's collector on the same /metrics endpoint.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the pipeline exports beyond the
// circuit breaker state gauge.
type Metrics struct {
	QueueDepth    *prometheus.GaugeVec
	PhaseDuration *prometheus.HistogramVec
	QuotaUsage    *prometheus.GaugeVec
	QuotaRemaining *prometheus.GaugeVec
}

// New builds the collector set and registers it with reg. reg may be
// prometheus.DefaultRegisterer or a dedicated prometheus.NewRegistry()
// for test isolation.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Number of queued or processing work items per run and phase.",
		}, []string{"run_id", "phase", "status"}),

		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_phase_duration_seconds",
			Help:    "Wall-clock duration of a phase run, from start to its terminal outcome.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 14), // 5s .. ~11h
		}, []string{"phase", "outcome"}),

		QuotaUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_quota_used_units",
			Help: "Units consumed against a service's daily quota so far today.",
		}, []string{"service"}),

		QuotaRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_quota_remaining_units",
			Help: "Units remaining against a service's daily quota.",
		}, []string{"service"}),
	}

	reg.MustRegister(m.QueueDepth, m.PhaseDuration, m.QuotaUsage, m.QuotaRemaining)
	return m
}

// ObservePhaseDuration records how long a phase ran before reaching
// outcome (completed, failed, yielded).
func (m *Metrics) ObservePhaseDuration(phase, outcome string, seconds float64) {
	m.PhaseDuration.WithLabelValues(phase, outcome).Observe(seconds)
}

// SetQueueDepth sets the current work item count for (run, phase, status).
func (m *Metrics) SetQueueDepth(runID, phase, status string, count float64) {
	m.QueueDepth.WithLabelValues(runID, phase, status).Set(count)
}

// SetQuota records both used and remaining units for service.
func (m *Metrics) SetQuota(service string, used, remaining float64) {
	m.QuotaUsage.WithLabelValues(service).Set(used)
	m.QuotaRemaining.WithLabelValues(service).Set(remaining)
}
