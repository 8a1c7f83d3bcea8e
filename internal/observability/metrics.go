package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/claimflow/internal/workflow"
	"github.com/pitabwire/claimflow/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	reg prometheus.Registerer

	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Engine metrics
	WorkflowOperationsTotal   *prometheus.CounterVec
	WorkflowOperationDuration *prometheus.HistogramVec
	WorkflowStartsTotal       prometheus.Counter
	StepTransitionsTotal      *prometheus.CounterVec
	WorkflowFinishedTotal     *prometheus.CounterVec
	WorkflowActiveInstances   prometheus.Gauge

	// Delivery metrics
	IdempotencyLookupsTotal *prometheus.CounterVec
	EventStreamsOpen        prometheus.Gauge
}

// InitMetrics creates and registers all metrics with the given registerer.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_workflow_operations_total",
			Help: "Total number of engine operations by outcome code.",
		}, []string{"operation", "code"}),
		WorkflowOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_workflow_operation_duration_seconds",
			Help:    "Engine operation duration in seconds, lock wait included.",
			Buckets: operationDurationBuckets,
		}, []string{"operation"}),
		WorkflowStartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimflow_workflow_starts_total",
			Help: "Total number of workflows created.",
		}),
		StepTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_step_transitions_total",
			Help: "Total number of step activations by transition type.",
		}, []string{"type"}),
		WorkflowFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_workflow_finished_total",
			Help: "Total number of workflows reaching a terminal status.",
		}, []string{"final_status"}),
		WorkflowActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claimflow_workflow_active_instances",
			Help: "Workflows started and not yet finished by this process.",
		}),

		IdempotencyLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_idempotency_lookups_total",
			Help: "Total number of idempotency key lookups by result.",
		}, []string{"result"}),
		EventStreamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claimflow_event_streams_open",
			Help: "Number of open server-sent event streams.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.WorkflowOperationsTotal,
		m.WorkflowOperationDuration,
		m.WorkflowStartsTotal,
		m.StepTransitionsTotal,
		m.WorkflowFinishedTotal,
		m.WorkflowActiveInstances,
		m.IdempotencyLookupsTotal,
		m.EventStreamsOpen,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// OnWorkflowOperation implements workflow.Observer.
func (m *Metrics) OnWorkflowOperation(_ context.Context, evt workflow.OperationEvent) {
	code := evt.Code
	if evt.Success {
		code = "OK"
	} else if code == "" {
		code = model.ErrInternalError
	}
	m.WorkflowOperationsTotal.WithLabelValues(evt.Operation, code).Inc()
	m.WorkflowOperationDuration.WithLabelValues(evt.Operation).Observe(evt.Duration.Seconds())

	if !evt.Success {
		return
	}
	if evt.Operation == workflow.OpCreate {
		m.WorkflowStartsTotal.Inc()
		m.WorkflowActiveInstances.Inc()
	}
	for _, tr := range evt.Transitions {
		m.StepTransitionsTotal.WithLabelValues(string(tr.TransitionType)).Inc()
	}
	if evt.Finished {
		m.WorkflowFinishedTotal.WithLabelValues(string(evt.Status)).Inc()
		m.WorkflowActiveInstances.Dec()
	}
}

// RecordIdempotencyLookup records the result of an idempotency key lookup:
// "miss", "replay" or "conflict".
func (m *Metrics) RecordIdempotencyLookup(result string) {
	m.IdempotencyLookupsTotal.WithLabelValues(result).Inc()
}

// EventStreamOpened and EventStreamClosed track open SSE connections.
func (m *Metrics) EventStreamOpened() { m.EventStreamsOpen.Inc() }

// EventStreamClosed decrements the open stream gauge.
func (m *Metrics) EventStreamClosed() { m.EventStreamsOpen.Dec() }

// EventStats reports delivered and dropped event counts.
type EventStats interface {
	Stats() (published, dropped int64)
}

// ObserveEventBroker exports a broker's delivery counters. The values are
// read at scrape time.
func (m *Metrics) ObserveEventBroker(b EventStats) {
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "claimflow_events_delivered_total",
			Help: "Total number of change events delivered to subscribers.",
		}, func() float64 {
			published, _ := b.Stats()
			return float64(published)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "claimflow_events_dropped_total",
			Help: "Total number of change events dropped for slow subscribers.",
		}, func() float64 {
			_, dropped := b.Stats()
			return float64(dropped)
		}),
	)
}

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
