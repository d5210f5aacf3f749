package swcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks worker activity. All recorder methods are safe on a nil
// receiver so tests can run the worker without a registry.
type Metrics struct {
	// FetchTotal counts intercepted requests by strategy and response source
	FetchTotal *prometheus.CounterVec

	// FetchDuration tracks time until the response was decided
	FetchDuration *prometheus.HistogramVec

	// LifecycleTotal counts install/activate runs by result
	LifecycleTotal *prometheus.CounterVec

	GenerationsDeleted prometheus.Counter

	PushTotal prometheus.Counter

	// ClicksTotal counts notification clicks by action ("focus", "open")
	ClicksTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swcache_fetch_total",
				Help: "Intercepted requests by strategy and response source",
			},
			[]string{"strategy", "source"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swcache_fetch_duration_seconds",
				Help:    "Time to decide a response for an intercepted request",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		LifecycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swcache_lifecycle_total",
				Help: "Worker install and activate runs by result",
			},
			[]string{"phase", "result"},
		),
		GenerationsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "swcache_generations_deleted_total",
				Help: "Cache generations deleted during activation",
			},
		),
		PushTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "swcache_push_total",
				Help: "Push messages handled",
			},
		),
		ClicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swcache_notification_clicks_total",
				Help: "Notification clicks by resulting action",
			},
			[]string{"action"},
		),
	}

	reg.MustRegister(
		m.FetchTotal,
		m.FetchDuration,
		m.LifecycleTotal,
		m.GenerationsDeleted,
		m.PushTotal,
		m.ClicksTotal,
	)
	return m
}

func (m *Metrics) RecordFetch(strategy, source string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(strategy, source).Inc()
	m.FetchDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

func (m *Metrics) RecordLifecycle(phase string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.LifecycleTotal.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) RecordGenerationDeleted() {
	if m == nil {
		return
	}
	m.GenerationsDeleted.Inc()
}

func (m *Metrics) RecordPush() {
	if m == nil {
		return
	}
	m.PushTotal.Inc()
}

func (m *Metrics) RecordClick(action string) {
	if m == nil {
		return
	}
	m.ClicksTotal.WithLabelValues(action).Inc()
}
