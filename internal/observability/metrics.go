package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remoteobj",
			Subsystem: "admin_http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"surface", "method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "remoteobj",
			Subsystem: "admin_http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"surface", "method", "route", "status"},
	)
	facadeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remoteobj",
			Subsystem: "facade",
			Name:      "requests_total",
			Help:      "Facade requests served, by operation and response status.",
		},
		[]string{"op", "status"},
	)
	facadeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "remoteobj",
			Subsystem: "facade",
			Name:      "request_duration_seconds",
			Help:      "Facade request handling time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "status"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remoteobj",
			Subsystem: "pool",
			Name:      "connections_total",
			Help:      "Accepted connections, by outcome of the worker hand-off.",
		},
		[]string{"result"},
	)
	busyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "remoteobj",
			Subsystem: "pool",
			Name:      "busy_workers",
			Help:      "Workers currently servicing a connection.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, facadeRequests, facadeDuration, connections, busyWorkers)
	})
}

func RecordHTTPRequest(surface, method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(surface, method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(surface, method, route, statusLabel).Observe(duration.Seconds())
}

// RecordFacadeRequest counts one dispatched facade operation.
func RecordFacadeRequest(op, status string, duration time.Duration) {
	RegisterMetrics()
	facadeRequests.WithLabelValues(op, status).Inc()
	facadeDuration.WithLabelValues(op, status).Observe(duration.Seconds())
}

// RecordConnection counts an accepted connection; rejected means the pool
// had no idle worker.
func RecordConnection(rejected bool) {
	RegisterMetrics()
	result := "assigned"
	if rejected {
		result = "rejected"
	}
	connections.WithLabelValues(result).Inc()
}

func SetBusyWorkers(n int) {
	RegisterMetrics()
	busyWorkers.Set(float64(n))
}
