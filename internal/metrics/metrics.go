// Package metrics exposes Prometheus collectors for the thumbnail service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	submissionsTotal          *prometheus.CounterVec
	jobsProcessedTotal        *prometheus.CounterVec
	activeWorkers             prometheus.Gauge
	fetchDurationSeconds      prometheus.Histogram
	transformDurationSeconds  prometheus.Histogram
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		submissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thumbforge_submissions_total",
				Help: "Total number of submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		jobsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "thumbforge_jobs_processed_total",
				Help: "Total number of jobs finished by workers, labeled by final status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "thumbforge_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "thumbforge_fetch_duration_seconds",
				Help:    "Histogram of source image fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		transformDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "thumbforge_transform_duration_seconds",
				Help:    "Histogram of thumbnail transform durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSubmission increments the submission counter for the given outcome.
func ObserveSubmission(outcome string) {
	Init()
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJobProcessed increments the processed-jobs counter for the given final status.
func ObserveJobProcessed(status string) {
	Init()
	jobsProcessedTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveFetch records the duration of a source image fetch.
func ObserveFetch(duration time.Duration) {
	Init()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveTransform records the duration of a thumbnail transform.
func ObserveTransform(duration time.Duration) {
	Init()
	transformDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSecond.WithLabelValues(method, route).Observe(duration.Seconds())
}
