package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for devdockd.
type Metrics struct {
	registry               *prometheus.Registry
	jobsTotal              *prometheus.CounterVec
	jobDurationSeconds     *prometheus.HistogramVec
	notificationsPublished prometheus.Counter
	consoleSessionsActive  prometheus.Gauge
	consoleSessionsTotal   *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devdock",
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total processed queue jobs by variant and result.",
		},
		[]string{"job", "result"},
	)
	jobDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devdock",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Time spent executing one queue job.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"job"},
	)
	notificationsPublished := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devdock",
			Subsystem: "bus",
			Name:      "notifications_published_total",
			Help:      "Total notifications published to the fan-out bus.",
		},
	)
	consoleSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devdock",
			Subsystem: "console",
			Name:      "sessions_active",
			Help:      "Console WebSocket sessions currently open.",
		},
	)
	consoleSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devdock",
			Subsystem: "console",
			Name:      "sessions_total",
			Help:      "Total console sessions opened by mode.",
		},
		[]string{"mode"},
	)

	registry.MustRegister(
		jobsTotal,
		jobDurationSeconds,
		notificationsPublished,
		consoleSessionsActive,
		consoleSessionsTotal,
	)

	return &Metrics{
		registry:               registry,
		jobsTotal:              jobsTotal,
		jobDurationSeconds:     jobDurationSeconds,
		notificationsPublished: notificationsPublished,
		consoleSessionsActive:  consoleSessionsActive,
		consoleSessionsTotal:   consoleSessionsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncJob(job, result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.jobsTotal.WithLabelValues(job, result).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.jobDurationSeconds.WithLabelValues(job).Observe(seconds)
}

func (m *Metrics) IncNotification() {
	if m == nil {
		return
	}
	m.notificationsPublished.Inc()
}

func (m *Metrics) ConsoleSessionOpened(mode string) {
	if m == nil {
		return
	}
	m.consoleSessionsActive.Inc()
	m.consoleSessionsTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) ConsoleSessionClosed() {
	if m == nil {
		return
	}
	m.consoleSessionsActive.Dec()
}
