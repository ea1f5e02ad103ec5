// Package metrics exposes Prometheus collectors for the service.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal             *prometheus.CounterVec
	runTransitionsTotal    *prometheus.CounterVec
	workItemsTotal         *prometheus.CounterVec
	handlerDurationSeconds *prometheus.HistogramVec
	leasesSweptTotal       prometheus.Counter
	coordinatorQueueDepth  prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec
	httpDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixeltrail_tasks_total",
				Help: "Total number of task transitions, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		runTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixeltrail_run_transitions_total",
				Help: "Total number of run status transitions, labeled by status.",
			},
			[]string{"status"},
		)

		workItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixeltrail_work_items_total",
				Help: "Total number of coordinator work items, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		handlerDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pixeltrail_handler_duration_seconds",
				Help:    "Histogram of work-item handler latencies, labeled by kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		leasesSweptTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pixeltrail_leases_swept_total",
				Help: "Total expired task leases requeued by the sweeper.",
			},
		)

		coordinatorQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pixeltrail_coordinator_queue_depth",
				Help: "Current number of work items waiting in the coordinator input queue.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// ObserveTask records a task status transition.
func ObserveTask(taskType, status string) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(taskType, status).Inc()
}

// ObserveRunTransition records a run entering the given status.
func ObserveRunTransition(status string) {
	if runTransitionsTotal == nil {
		return
	}
	runTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveWorkItem records a coordinator item outcome and its latency.
func ObserveWorkItem(kind, outcome string, dur time.Duration) {
	if workItemsTotal == nil {
		return
	}
	workItemsTotal.WithLabelValues(kind, outcome).Inc()
	handlerDurationSeconds.WithLabelValues(kind).Observe(dur.Seconds())
}

// AddLeasesSwept adds to the swept-lease counter.
func AddLeasesSwept(n int) {
	if leasesSweptTotal == nil {
		return
	}
	leasesSweptTotal.Add(float64(n))
}

// SetQueueDepth updates the coordinator queue depth gauge.
func SetQueueDepth(depth int) {
	if coordinatorQueueDepth == nil {
		return
	}
	coordinatorQueueDepth.Set(float64(depth))
}

// ObserveHTTP records an HTTP request with its latency.
func ObserveHTTP(method, route string, code int, dur time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpDurationSeconds.WithLabelValues(method, route).Observe(dur.Seconds())
}
