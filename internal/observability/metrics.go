package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Admission decision label values.
const (
	DecisionAllowed                = "allowed"
	DecisionDraining               = "draining"
	DecisionUnsupportedContentType = "unsupported_content_type"
	DecisionPayloadTooLarge        = "payload_too_large"
	DecisionRateLimited            = "rate_limited"
	DecisionCapacityExceeded       = "capacity_exceeded"
)

// unregisteredPath is the label value used for requests whose path has no
// endpoint configuration, keeping label cardinality bounded.
const unregisteredPath = "unregistered"

// Metrics holds all Prometheus metrics for the gatekeeper. All methods are
// safe to call on a nil receiver so components can run without metrics.
type Metrics struct {
	admissionTotal    *prometheus.CounterVec
	rejectedState     *prometheus.GaugeVec
	inFlight          *prometheus.GaugeVec
	executionDuration *prometheus.HistogramVec
	handlerFailures   *prometheus.CounterVec
	taskFailures      *prometheus.CounterVec
	workerQueueDepth  prometheus.Gauge
	workerActive      prometheus.Gauge
	workerRejected    prometheus.Counter
	buildInfo         *prometheus.GaugeVec
	startTime         prometheus.Gauge
	registry          *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by a private registry.
//
//nolint:funlen // metric initialization requires many declarations
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gatekeeper"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.admissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by endpoint and outcome",
		},
		[]string{"path", "decision"},
	)

	m.rejectedState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejected_state",
			Help: "Whether the last admission check for an endpoint " +
				"was rejected for capacity (1) or admitted (0)",
		},
		[]string{"path"},
	)

	m.inFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "in_flight_requests",
			Help:      "Number of requests currently executing an endpoint handler",
		},
		[]string{"path"},
	)

	m.executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "execution_duration_seconds",
			Help:      "Handler execution duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30, 60,
			},
		},
		[]string{"path", "mode", "outcome"},
	)

	m.handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "endpoint",
			Name:      "handler_failures_total",
			Help:      "Total number of handler failures (errors and panics)",
		},
		[]string{"path", "mode"},
	)

	m.taskFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "failed_total",
			Help:      "Total number of async tasks marked failed",
		},
		[]string{"path"},
	)

	m.workerQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_depth",
			Help:      "Number of async jobs waiting for a worker",
		},
	)

	m.workerActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "active",
			Help:      "Number of async jobs currently running",
		},
	)

	m.workerRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "rejected_total",
			Help:      "Total number of async jobs rejected because the queue was full",
		},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gatekeeper",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the process in unix seconds",
		},
	)

	m.registerCollectors()
	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.admissionTotal,
		m.rejectedState,
		m.inFlight,
		m.executionDuration,
		m.handlerFailures,
		m.taskFailures,
		m.workerQueueDepth,
		m.workerActive,
		m.workerRejected,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordAdmission records one admission decision. An empty path means the
// request did not target a registered endpoint.
func (m *Metrics) RecordAdmission(path, decision string) {
	if m == nil {
		return
	}
	if path == "" {
		path = unregisteredPath
	}
	m.admissionTotal.WithLabelValues(path, decision).Inc()
}

// SetRejectedState sets the per-endpoint capacity rejection gauge.
func (m *Metrics) SetRejectedState(path string, rejected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if rejected {
		value = 1.0
	}
	m.rejectedState.WithLabelValues(path).Set(value)
}

// SetInFlight records the current in-flight count of an endpoint.
func (m *Metrics) SetInFlight(path string, n int64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(path).Set(float64(n))
}

// ObserveExecution records a finished handler execution.
func (m *Metrics) ObserveExecution(path, mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executionDuration.WithLabelValues(path, mode, outcome).Observe(d.Seconds())
}

// RecordHandlerFailure counts a failed handler execution.
func (m *Metrics) RecordHandlerFailure(path, mode string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(path, mode).Inc()
}

// RecordTaskFailure counts a task marked failed on behalf of an endpoint.
func (m *Metrics) RecordTaskFailure(path string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(path).Inc()
}

// SetWorkerQueueDepth records the async queue length.
func (m *Metrics) SetWorkerQueueDepth(n int) {
	if m == nil {
		return
	}
	m.workerQueueDepth.Set(float64(n))
}

// SetWorkerActive records the number of running async jobs.
func (m *Metrics) SetWorkerActive(n int64) {
	if m == nil {
		return
	}
	m.workerActive.Set(float64(n))
}

// RecordWorkerRejected counts an async job refused by a full queue.
func (m *Metrics) RecordWorkerRejected() {
	if m == nil {
		return
	}
	m.workerRejected.Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
