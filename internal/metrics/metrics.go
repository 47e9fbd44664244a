// Package metrics exposes Prometheus collectors for the orchestrator
// service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal            *prometheus.CounterVec
	tasksTotal           *prometheus.CounterVec
	taskDurationSeconds  *prometheus.HistogramVec
	retryAttemptsTotal   *prometheus.CounterVec
	breakerState         *prometheus.GaugeVec
	queuePendingGauge    prometheus.Gauge
	queueProcessingGauge prometheus.Gauge
	activeWorkers        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_jobs_total",
				Help: "Total number of jobs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_tasks_total",
				Help: "Total number of scraping tasks executed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_task_duration_seconds",
				Help:    "Histogram of task execution latency, labeled by source.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"source"},
		)

		retryAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_retry_attempts_total",
				Help: "Total retry attempts against upstream sources.",
			},
			[]string{"source"},
		)

		breakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_breaker_open",
				Help: "1 when the source's circuit breaker is open, 0 otherwise.",
			},
			[]string{"source"},
		)

		queuePendingGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_queue_pending",
				Help: "Jobs waiting in the queue, including delayed retries.",
			},
		)

		queueProcessingGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_queue_processing",
				Help: "Jobs currently owned by a worker.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveTask records one task execution.
func ObserveTask(source, outcome string, duration time.Duration) {
	tasksTotal.WithLabelValues(source, outcome).Inc()
	taskDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter for a source.
func ObserveRetry(source string) {
	retryAttemptsTotal.WithLabelValues(source).Inc()
}

// SetBreakerOpen records whether a source's breaker is open.
func SetBreakerOpen(source string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	breakerState.WithLabelValues(source).Set(v)
}

// SetQueueDepth updates the queue occupancy gauges.
func SetQueueDepth(pending, processing int64) {
	queuePendingGauge.Set(float64(pending))
	queueProcessingGauge.Set(float64(processing))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}
