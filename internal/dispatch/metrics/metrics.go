package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"driver-dispatch/internal/dispatch/domain"
)

// Metrics groups the dispatch collectors. A nil *Metrics is valid and
// records nothing, so tests can skip the registry.
type Metrics struct {
	// ReconcileEvents counts inbound events by outcome
	ReconcileEvents *prometheus.CounterVec

	// LifecycleOps counts driver operations by operation and result
	LifecycleOps *prometheus.CounterVec

	// RemoteDuration times repository calls
	RemoteDuration *prometheus.HistogramVec

	// BestEffortDropped counts background calls given up after the last attempt
	BestEffortDropped *prometheus.CounterVec

	// OfferPool is the number of visible offers
	OfferPool prometheus.Gauge

	// DriverStatus is 1 for the current status label, 0 otherwise
	DriverStatus *prometheus.GaugeVec

	// EarningsCents is the session earnings accumulator
	EarningsCents prometheus.Gauge
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReconcileEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_reconcile_events_total",
				Help: "Inbound order events by reconciliation outcome",
			},
			[]string{"outcome"},
		),
		LifecycleOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_lifecycle_operations_total",
				Help: "Driver lifecycle operations by result",
			},
			[]string{"operation", "result"},
		),
		RemoteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_remote_call_duration_seconds",
				Help:    "Duration of order repository calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"call"},
		),
		BestEffortDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_best_effort_dropped_total",
				Help: "Best-effort remote calls abandoned after the last attempt",
			},
			[]string{"operation"},
		),
		OfferPool: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_offer_pool_size",
			Help: "Offers currently visible to the driver",
		}),
		DriverStatus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_driver_status",
				Help: "Current driver duty status",
			},
			[]string{"status"},
		),
		EarningsCents: f.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_earnings_cents",
			Help: "Driver earnings accumulated in the session, in cents",
		}),
	}
}

func (m *Metrics) Reconciled(outcome string) {
	if m == nil {
		return
	}
	m.ReconcileEvents.WithLabelValues(outcome).Inc()
}

// Lifecycle records one operation; err == nil is "ok"
func (m *Metrics) Lifecycle(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LifecycleOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ObserveRemote(call string, started time.Time) {
	if m == nil {
		return
	}
	m.RemoteDuration.WithLabelValues(call).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Dropped(op string) {
	if m == nil {
		return
	}
	m.BestEffortDropped.WithLabelValues(op).Inc()
}

func (m *Metrics) SetOfferPool(n int) {
	if m == nil {
		return
	}
	m.OfferPool.Set(float64(n))
}

func (m *Metrics) SetDriverStatus(s domain.DriverStatus) {
	if m == nil {
		return
	}
	for _, st := range []domain.DriverStatus{domain.DriverOffline, domain.DriverOnline, domain.DriverBusy} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.DriverStatus.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) SetEarnings(e domain.Money) {
	if m == nil {
		return
	}
	m.EarningsCents.Set(float64(e.Cents()))
}
