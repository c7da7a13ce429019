package framework

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	stateTransitions  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	waitDuration      *prometheus.HistogramVec
	framesDropped     *prometheus.CounterVec
	shutdownDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a new Prometheus metrics collector
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "mockharness"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_state_transitions_total",
			Help:      "Total number of mock service process state transitions",
		},
		[]string{"process_id", "from_state", "to_state"},
	)

	pmc.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time from sending a control operation to receiving its reply",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"process_id", "operation", "status"},
	)

	pmc.waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_wait_duration_seconds",
			Help:      "Time that event waiters spent registered, by outcome",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"process_id", "event_type", "outcome"},
	)

	pmc.framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of malformed frames dropped",
		},
		[]string{"process_id"},
	)

	pmc.shutdownDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_shutdown_duration_seconds",
			Help:      "Duration of process shutdown",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"process_id", "forced"},
	)

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.operationDuration,
		pmc.waitDuration,
		pmc.framesDropped,
		pmc.shutdownDuration,
	)

	return pmc
}

// ProcessStateTransition records a state transition
func (pmc *PrometheusMetricsCollector) ProcessStateTransition(id ProcessID, fromState, toState ProcessState) {
	pmc.stateTransitions.WithLabelValues(string(id), fromState.String(), toState.String()).Inc()
}

// OperationDuration records the round trip time of an operation
func (pmc *PrometheusMetricsCollector) OperationDuration(id ProcessID, opType string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.operationDuration.WithLabelValues(string(id), opType, status).Observe(duration.Seconds())
}

// WaitOutcome records how long a waiter was pending and how it ended
func (pmc *PrometheusMetricsCollector) WaitOutcome(id ProcessID, eventType string, outcome string, duration time.Duration) {
	pmc.waitDuration.WithLabelValues(string(id), eventType, outcome).Observe(duration.Seconds())
}

// FrameDropped records a malformed frame
func (pmc *PrometheusMetricsCollector) FrameDropped(id ProcessID) {
	pmc.framesDropped.WithLabelValues(string(id)).Inc()
}

// ShutdownDuration records the duration of a shutdown
func (pmc *PrometheusMetricsCollector) ShutdownDuration(id ProcessID, duration time.Duration, forced bool) {
	pmc.shutdownDuration.WithLabelValues(string(id), strconv.FormatBool(forced)).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

// Handler returns an HTTP handler that exposes the collected metrics.
func (pmc *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pmc.registry, promhttp.HandlerOpts{})
}
