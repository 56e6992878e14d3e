// Package metrics exposes Prometheus instrumentation for the engine.
//
// A nil *Metrics is valid and records nothing, so callers never need to
// guard call sites. Construct one with New and mount Handler on an ops
// listener to scrape it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures metric registration.
type Config struct {
	// Namespace is the metrics namespace (default: "pyfast").
	Namespace string

	// Subsystem is the metrics subsystem (default: "engine").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request and host call
	// durations. Default: prometheus.DefBuckets.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: a fresh prometheus.NewRegistry().
	Registry prometheus.Registerer
}

// Option configures metric registration.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "pyfast",
		Subsystem: "engine",
		Buckets:   prometheus.DefBuckets,
	}
}

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registry prometheus.Registerer

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestErrors   *prometheus.CounterVec

	connectionsActive prometheus.Gauge
	acceptedTotal     prometheus.Counter
	rejectedTotal     *prometheus.CounterVec

	queueDepth       prometheus.Gauge
	queueRejected    prometheus.Counter
	queueWaitSeconds prometheus.Histogram
	workersBusy      prometheus.Gauge

	hostCallDuration *prometheus.HistogramVec
	hostTimeouts     prometheus.Counter
	handlerPanics    prometheus.Counter

	wsSessions      prometheus.Gauge
	wsMessages      *prometheus.CounterVec
	broadcastsTotal prometheus.Counter

	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

// New registers the engine collectors and returns the handle used to
// record them.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		registry: config.Registry,

		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of HTTP requests processed",
			ConstLabels: config.ConstLabels,
		}, []string{"method", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Request processing duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method"}),

		requestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_errors_total",
			Help:        "Total request failures by kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_active",
			Help:        "Number of currently open connections",
			ConstLabels: config.ConstLabels,
		}),

		acceptedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_accepted_total",
			Help:        "Total number of accepted connections",
			ConstLabels: config.ConstLabels,
		}),

		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_rejected_total",
			Help:        "Total connections rejected by reason",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_depth",
			Help:        "Work items currently waiting in the scheduler queue",
			ConstLabels: config.ConstLabels,
		}),

		queueRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_rejected_total",
			Help:        "Total work items refused because the queue was full",
			ConstLabels: config.ConstLabels,
		}),

		queueWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_wait_seconds",
			Help:        "Time work items spend queued before a worker picks them up",
			ConstLabels: config.ConstLabels,
			Buckets:     []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),

		workersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "workers_busy",
			Help:        "Workers currently executing a work item",
			ConstLabels: config.ConstLabels,
		}),

		hostCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "host_call_duration_seconds",
			Help:        "Host callable execution duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"mode"}),

		hostTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handler_timeouts_total",
			Help:        "Total host calls abandoned after exceeding their deadline",
			ConstLabels: config.ConstLabels,
		}),

		handlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handler_panics_total",
			Help:        "Total panics recovered from host callables",
			ConstLabels: config.ConstLabels,
		}),

		wsSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "ws_sessions_active",
			Help:        "Number of active WebSocket sessions",
			ConstLabels: config.ConstLabels,
		}),

		wsMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "ws_messages_total",
			Help:        "Total WebSocket messages by direction",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),

		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "broadcasts_total",
			Help:        "Total broadcast fan-out operations",
			ConstLabels: config.ConstLabels,
		}),

		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "bytes_read_total",
			Help:        "Total bytes read from client connections",
			ConstLabels: config.ConstLabels,
		}),

		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "bytes_written_total",
			Help:        "Total bytes written to client connections",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Handler returns an HTTP handler serving the metrics in the Prometheus
// text format. Only metrics registered through this instance are exposed
// when the registry is a *prometheus.Registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	if g, ok := m.registry.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// RecordRequest records one completed HTTP exchange.
func (m *Metrics) RecordRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordError records a failed request by kind. Kinds are fixed strings
// ("parse", "timeout", "panic", "handler") to keep label cardinality low.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(kind).Inc()
}

// ConnOpened records an accepted connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.acceptedTotal.Inc()
	m.connectionsActive.Inc()
}

// ConnClosed records a closed connection.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// ConnRejected records a connection turned away before service.
func (m *Metrics) ConnRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth publishes the current scheduler queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// QueueRejected records a work item refused on a full queue.
func (m *Metrics) QueueRejected() {
	if m == nil {
		return
	}
	m.queueRejected.Inc()
}

// ObserveQueueWait records how long a work item waited for a worker.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.queueWaitSeconds.Observe(d.Seconds())
}

// WorkerStarted marks a worker as busy.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersBusy.Inc()
}

// WorkerIdle marks a worker as idle again.
func (m *Metrics) WorkerIdle() {
	if m == nil {
		return
	}
	m.workersBusy.Dec()
}

// RecordHostCall records one host callable invocation.
func (m *Metrics) RecordHostCall(mode string, elapsed time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.hostCallDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	if timedOut {
		m.hostTimeouts.Inc()
	}
}

// RecordPanic records a panic recovered from a host callable.
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

// SessionOpened records a completed WebSocket upgrade.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.wsSessions.Inc()
}

// SessionClosed records a closed WebSocket session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.wsSessions.Dec()
}

// RecordMessage records a WebSocket message ("in" or "out").
func (m *Metrics) RecordMessage(direction string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(direction).Inc()
}

// RecordBroadcast records one broadcast fan-out.
func (m *Metrics) RecordBroadcast() {
	if m == nil {
		return
	}
	m.broadcastsTotal.Inc()
}

// AddBytesRead accumulates bytes read from clients.
func (m *Metrics) AddBytesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRead.Add(float64(n))
}

// AddBytesWritten accumulates bytes written to clients.
func (m *Metrics) AddBytesWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesWritten.Add(float64(n))
}

// statusClass folds an HTTP status into its class ("2xx") so the status
// label stays bounded.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
