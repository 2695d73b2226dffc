// Package metrics exposes Prometheus collectors for the queue monitor.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_scrapes_total",
			Help: "Total number of completed queue scrapes, labeled by queue.",
		},
		[]string{"queue_id"},
	)

	scrapeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_scrape_failures_total",
			Help: "Total number of failed queue scrapes, labeled by queue.",
		},
		[]string{"queue_id"},
	)

	scrapeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queuewatch_scrape_duration_seconds",
			Help:    "Histogram of time spent fetching, parsing, and persisting one scrape.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"queue_id"},
	)

	snapshotsRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_snapshots_recorded_total",
			Help: "Total number of snapshots written to full history, i.e. scrapes whose content changed.",
		},
		[]string{"queue_id"},
	)

	entryTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_entry_transitions_total",
			Help: "Total number of entry lifecycle transitions recorded, labeled by queue and new status.",
		},
		[]string{"queue_id", "status"},
	)

	queueEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_queue_events_total",
			Help: "Total number of queue open and close events recorded.",
		},
		[]string{"queue_id", "event"},
	)

	loginsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queuewatch_logins_total",
			Help: "Total number of QueueStatus logins performed.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queuewatch_http_requests_total",
			Help: "Total number of ops endpoint requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queuewatch_http_request_duration_seconds",
			Help:    "Histogram of ops endpoint request latencies, labeled by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrape records one completed scrape and its duration.
func ObserveScrape(queueID string, duration time.Duration) {
	scrapesTotal.WithLabelValues(queueID).Inc()
	scrapeDurationSeconds.WithLabelValues(queueID).Observe(duration.Seconds())
}

// ObserveScrapeFailure records a scrape that did not produce a usable snapshot.
func ObserveScrapeFailure(queueID string) {
	scrapeFailuresTotal.WithLabelValues(queueID).Inc()
}

// ObserveSnapshotRecorded records a history insert.
func ObserveSnapshotRecorded(queueID string) {
	snapshotsRecordedTotal.WithLabelValues(queueID).Inc()
}

// ObserveEntryTransition records an entry moving to a new lifecycle status.
func ObserveEntryTransition(queueID, status string) {
	entryTransitionsTotal.WithLabelValues(queueID, status).Inc()
}

// ObserveQueueEvent records a queue open or close event.
func ObserveQueueEvent(queueID, event string) {
	queueEventsTotal.WithLabelValues(queueID, event).Inc()
}

// ObserveLogin records a login against QueueStatus.
func ObserveLogin() {
	loginsTotal.Inc()
}

// ObserveHTTPRequest records one ops endpoint request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
