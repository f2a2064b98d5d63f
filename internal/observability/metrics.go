package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth    *prometheus.GaugeVec
	enqueueTotal  *prometheus.CounterVec
	resolvedTotal *prometheus.CounterVec
	execDuration  *prometheus.HistogramVec

	connectionsOpen  prometheus.Gauge
	connectOutcomes  *prometheus.CounterVec
	connectionLosses prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "submission_queue_depth",
					Help: "Current number of pending submissions by connection.",
				},
				[]string{"conn"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "submissions_enqueued_total",
					Help: "Total accepted submissions by connection.",
				},
				[]string{"conn"},
			),
			resolvedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "submissions_resolved_total",
					Help: "Total resolved submissions by connection and terminal state.",
				},
				[]string{"conn", "state"},
			),
			execDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "submission_execution_seconds",
					Help:    "Time the connection was held by one submission, in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"conn"},
			),
			connectionsOpen: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "connections_open",
					Help: "Current number of established connections.",
				},
			),
			connectOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "connect_total",
					Help: "Total connect operations by status.",
				},
				[]string{"status"},
			),
			connectionLosses: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "connection_lost_total",
					Help: "Total abnormal connection losses.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.resolvedTotal,
			m.execDuration,
			m.connectionsOpen,
			m.connectOutcomes,
			m.connectionLosses,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordSubmissionEnqueue(conn string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(conn).Inc()
	m.queueDepth.WithLabelValues(conn).Set(float64(queueSize))
}

func SetSubmissionQueueDepth(conn string, queueSize int) {
	m := getMetrics()
	m.queueDepth.WithLabelValues(conn).Set(float64(queueSize))
}

func RecordSubmissionResolved(conn, state string, queueSize int) {
	m := getMetrics()
	m.resolvedTotal.WithLabelValues(conn, state).Inc()
	m.queueDepth.WithLabelValues(conn).Set(float64(queueSize))
}

func RecordSubmissionExecution(conn string, duration time.Duration) {
	m := getMetrics()
	m.execDuration.WithLabelValues(conn).Observe(duration.Seconds())
}

func RecordConnect(success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
		m.connectionsOpen.Inc()
	}
	m.connectOutcomes.WithLabelValues(status).Inc()
}

func RecordConnectionClosed(lost bool) {
	m := getMetrics()
	m.connectionsOpen.Dec()
	if lost {
		m.connectionLosses.Inc()
	}
}
