package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
// These are package-level so handlers, the store and the hub can update them

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	// httpRequestsTotal counts all HTTP requests
	// Labels let us slice by method, normalized path and status
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration tracks response time distribution
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookwatch_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// eventsTotal counts intake outcomes: accepted, rejected (gate stopped),
	// invalid (bad JSON)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookwatch_events_total",
			Help: "Inbound webhook submissions by result",
		},
		[]string{"result"},
	)

	eventsStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookwatch_events_stored",
			Help: "Number of events in the in-memory log",
		},
	)

	// listeningGauge is 1 while the gate is open
	listeningGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookwatch_listening",
			Help: "1 when intake is listening, 0 when stopped",
		},
	)

	observersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookwatch_observers",
			Help: "Connected observers by transport",
		},
		[]string{"transport"},
	)

	notificationsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookwatch_notifications_dropped_total",
			Help: "Notifications not delivered because an observer fell behind",
		},
	)

	// snapshotWritesTotal counts persistence attempts; result is ok or error
	snapshotWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookwatch_snapshot_writes_total",
			Help: "Snapshot writes by result",
		},
		[]string{"result"},
	)

	backupUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookwatch_backup_uploads_total",
			Help: "Backup uploads by result",
		},
		[]string{"result"},
	)

	// buildInfo is a gauge that's always 1, with labels for version info
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hookwatch_info",
			Help: "Build information (always 1)",
		},
		[]string{"version"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(eventsStored)
	prometheus.MustRegister(listeningGauge)
	prometheus.MustRegister(observersGauge)
	prometheus.MustRegister(notificationsDroppedTotal)
	prometheus.MustRegister(snapshotWritesTotal)
	prometheus.MustRegister(backupUploadsTotal)
	prometheus.MustRegister(buildInfo)

	buildInfo.WithLabelValues(version).Set(1)
}
