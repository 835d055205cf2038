package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	upstream       *prometheus.CounterVec
	cache          *prometheus.CounterVec
	rows           *prometheus.CounterVec
	windows        *prometheus.CounterVec
	windowDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetflow",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream API requests by operation and result.",
		}, []string{"op", "result"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetflow",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Render job and result cache lookups.",
		}, []string{"cache", "result"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetflow",
			Name:      "rows_total",
			Help:      "Rows by category and accounting outcome.",
		}, []string{"category", "outcome"}),
		windows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetflow",
			Name:      "windows_total",
			Help:      "Processed windows by category and outcome.",
		}, []string{"category", "outcome"}),
		windowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetflow",
			Name:      "window_duration_seconds",
			Help:      "Time spent processing one window.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"category"}),
	}
	if reg != nil {
		reg.MustRegister(m.upstream, m.cache, m.rows, m.windows, m.windowDuration)
	}
	return m
}

// ObserveUpstream counts one upstream request.
func (m *Metrics) ObserveUpstream(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstream.WithLabelValues(op, result).Inc()
}

// ObserveCache counts a cache lookup.
func (m *Metrics) ObserveCache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(cache, result).Inc()
}

// AddRows adds n rows to the outcome counter.
func (m *Metrics) AddRows(category, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rows.WithLabelValues(category, outcome).Add(float64(n))
}

// ObserveWindow counts a finished window and its duration.
func (m *Metrics) ObserveWindow(category, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.windows.WithLabelValues(category, outcome).Inc()
	m.windowDuration.WithLabelValues(category).Observe(took.Seconds())
}
