package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ledger engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	rippleSteps    prometheus.Counter
	rippleDuration prometheus.Histogram
	alerts         prometheus.Counter
	failures       *prometheus.CounterVec
	skipped        prometheus.Counter
}

// NewMetrics registers the ledger collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rippleSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barstock_ledger_ripple_steps_total",
			Help: "Records rewritten by forward propagation.",
		}),
		rippleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "barstock_ledger_ripple_duration_seconds",
			Help:    "Duration of one chain propagation.",
			Buckets: prometheus.DefBuckets,
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barstock_ledger_shrinkage_alerts_total",
			Help: "Shrinkage alerts inserted.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "barstock_ledger_consistency_failures_total",
			Help: "Propagations interrupted by a storage failure.",
		}, []string{"operation"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "barstock_ledger_bulk_skipped_items_total",
			Help: "Bulk upsert items skipped for unknown products.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rippleSteps, m.rippleDuration, m.alerts, m.failures, m.skipped)
	}
	return m
}

func (m *Metrics) observeRipple(steps int, started time.Time) {
	if m == nil {
		return
	}
	m.rippleSteps.Add(float64(steps))
	m.rippleDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) alertsInserted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.alerts.Add(float64(n))
}

func (m *Metrics) consistencyFailure(op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op).Inc()
}

func (m *Metrics) itemsSkipped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.skipped.Add(float64(n))
}
