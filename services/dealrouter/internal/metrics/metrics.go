package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of the routing core. All methods are safe on
// a nil receiver so components can run without a registry in tests.
type Metrics struct {
	RoutingTotal     *prometheus.CounterVec
	RoutingDuration  prometheus.Histogram
	RoutingAttempts  *prometheus.CounterVec
	AdapterDuration  *prometheus.HistogramVec
	CallbacksTotal   *prometheus.CounterVec
	CallbackDuration prometheus.Histogram
	LedgerOps        *prometheus.CounterVec
	LedgerDrift      *prometheus.CounterVec
	FeeResolutions   *prometheus.CounterVec
	FeeCacheRefresh  prometheus.Histogram
	FeeCacheSize     prometheus.Gauge
	ExpiredTotal     prometheus.Counter
	ExpirySweeps     *prometheus.CounterVec
	NotifyTotal      *prometheus.CounterVec
	RateLimited      prometheus.Counter
	VolumeResets     prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RoutingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealrouter_routing_total",
				Help: "Total routing calls by outcome.",
			},
			[]string{"outcome"},
		),
		RoutingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dealrouter_routing_duration_seconds",
				Help:    "End-to-end routing duration in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		RoutingAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealrouter_routing_attempts_total",
				Help: "Routing attempts per aggregator and outcome.",
			},
			[]string{"aggregator", "outcome"},
		),
		AdapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dealrouter_adapter_call_duration_seconds",
				Help:    "Outbound aggregator call duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"aggregator", "status"},
		),
		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealrouter_callbacks_total",
				Help: "Inbound callback items by result.",
			},
			[]string{"result"},
		),
		CallbackDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dealrouter_callback_duration_seconds",
				Help:    "Callback item processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		LedgerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealrouter_ledger_operations_total",
				Help: "Ledger mutations by operation and party kind.",
			},
			[]string{"op", "party"},
		),
		LedgerDrift: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealrouter_ledger_drift_total",
				Help: "Releases clamped because less was frozen than requested.",
			},
			[]string{"party"},
		),
		FeeResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealrouter_fee_resolutions_total",
				Help: "Fee resolutions by source.",
			},
			[]string{"source"},
		),
		FeeCacheRefresh: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dealrouter_fee_cache_refresh_duration_seconds",
				Help:    "Fee cache refresh duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		FeeCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dealrouter_fee_cache_size",
				Help: "Number of fee scopes cached.",
			},
		),
		ExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dealrouter_expired_deals_total",
				Help: "Deals expired by the watcher.",
			},
		),
		ExpirySweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealrouter_expiry_sweeps_total",
				Help: "Expiry sweeps by status.",
			},
			[]string{"status"},
		),
		NotifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealrouter_notifications_total",
				Help: "Post-commit status notifications by stage outcome (handed_off, delivered, failed, dropped).",
			},
			[]string{"status"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dealrouter_callback_rate_limited_total",
				Help: "Callback requests rejected by the rate limiter.",
			},
		),
		VolumeResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dealrouter_volume_resets_total",
				Help: "Aggregator daily volume counters reset.",
			},
		),
	}

	registry.MustRegister(
		m.RoutingTotal,
		m.RoutingDuration,
		m.RoutingAttempts,
		m.AdapterDuration,
		m.CallbacksTotal,
		m.CallbackDuration,
		m.LedgerOps,
		m.LedgerDrift,
		m.FeeResolutions,
		m.FeeCacheRefresh,
		m.FeeCacheSize,
		m.ExpiredTotal,
		m.ExpirySweeps,
		m.NotifyTotal,
		m.RateLimited,
		m.VolumeResets,
	)
	return m
}

func (m *Metrics) ObserveRouting(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RoutingTotal.WithLabelValues(outcome).Inc()
	m.RoutingDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncAttempt(aggregator, outcome string) {
	if m == nil {
		return
	}
	m.RoutingAttempts.WithLabelValues(aggregator, outcome).Inc()
}

func (m *Metrics) ObserveAdapterCall(aggregator, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AdapterDuration.WithLabelValues(aggregator, status).Observe(duration.Seconds())
}

func (m *Metrics) ObserveCallback(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallbacksTotal.WithLabelValues(result).Inc()
	m.CallbackDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncLedgerOp(op, party string) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(op, party).Inc()
}

func (m *Metrics) IncLedgerDrift(party string) {
	if m == nil {
		return
	}
	m.LedgerDrift.WithLabelValues(party).Inc()
}

func (m *Metrics) IncFeeResolution(source string) {
	if m == nil {
		return
	}
	m.FeeResolutions.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveFeeCacheRefresh(duration time.Duration, size int) {
	if m == nil {
		return
	}
	m.FeeCacheRefresh.Observe(duration.Seconds())
	m.FeeCacheSize.Set(float64(size))
}

func (m *Metrics) AddExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredTotal.Add(float64(n))
}

func (m *Metrics) IncExpirySweep(status string) {
	if m == nil {
		return
	}
	m.ExpirySweeps.WithLabelValues(status).Inc()
}

func (m *Metrics) IncNotify(status string) {
	if m == nil {
		return
	}
	m.NotifyTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) AddVolumeResets(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.VolumeResets.Add(float64(n))
}
