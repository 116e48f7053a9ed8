// Package hsmetrics exposes Prometheus metrics for the onion-service IPT
// Manager and Publisher reactors, grounded on the same
// prometheus/client_golang usage as cuemby-warren's pkg/metrics: package
// level collectors registered into a registry at construction time. Unlike
// that package's global vars, these are instance-scoped so tests and
// multiple onion services in one process don't collide on metric names.
package hsmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every gauge/counter the two reactors export.
type Metrics struct {
	// GoodIptCount is the number of current introduction points in the
	// Good state, set by the manager each time it recomputes the publish
	// set.
	GoodIptCount prometheus.Gauge

	// PublishCyclesTotal counts upload cycles the publisher has started.
	PublishCyclesTotal prometheus.Counter

	// UploadAttemptsTotal counts per-HsDir descriptor uploads the
	// publisher starts, one per HsDir per cycle; the retries the upload
	// policy performs inside one upload are not counted separately.
	UploadAttemptsTotal prometheus.Counter

	// UploadFailuresTotal counts per-HsDir descriptor uploads that still
	// failed once the upload policy stopped retrying.
	UploadFailuresTotal prometheus.Counter
}

// New builds a Metrics instance and registers its collectors with reg. Pass
// prometheus.NewRegistry() in production to avoid colliding with other
// onion services' metrics in the same process; a nil reg skips
// registration entirely (equivalent to NewNoop but still usable for
// Gather() by the caller via direct references).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GoodIptCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hs_ipt_good_count",
			Help: "Number of current introduction points in the Good state.",
		}),
		PublishCyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hs_publish_cycles_total",
			Help: "Total number of descriptor upload cycles started.",
		}),
		UploadAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hs_upload_attempts_total",
			Help: "Total number of per-HsDir descriptor upload attempts.",
		}),
		UploadFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hs_upload_failures_total",
			Help: "Total number of per-HsDir descriptor upload attempts that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.GoodIptCount, m.PublishCyclesTotal, m.UploadAttemptsTotal, m.UploadFailuresTotal)
	}
	return m
}

// NewNoop returns a Metrics whose collectors are never registered with any
// registry, for tests and callers that don't want a /metrics endpoint.
func NewNoop() *Metrics {
	return New(nil)
}
