package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	reportDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30}
	runDurationBuckets    = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}
)

// Metrics holds all Prometheus metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Run metrics
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	LastRunTimestamp   prometheus.Gauge
	PendingOrders      prometheus.Gauge
	OrdersProcessed    *prometheus.CounterVec
	LettersDetermined  *prometheus.CounterVec
	HistoryWriteErrors prometheus.Counter

	// Report service metrics
	ReportRequestsTotal       *prometheus.CounterVec
	ReportRequestDuration     prometheus.Histogram
	ReportCircuitBreakerState prometheus.Gauge

	// Mail metrics
	EmailsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dletter_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dletter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Runs
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dletter_runs_total",
			Help: "Total number of processing runs by result.",
		}, []string{"result"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dletter_run_duration_seconds",
			Help:    "Processing run duration in seconds.",
			Buckets: runDurationBuckets,
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dletter_last_run_timestamp_seconds",
			Help: "Unix time the last processing run finished.",
		}),
		PendingOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dletter_pending_orders",
			Help: "Number of pending orders found by the last run.",
		}),
		OrdersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dletter_orders_processed_total",
			Help: "Total number of orders processed by final state.",
		}, []string{"state"}),
		LettersDetermined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dletter_letters_determined_total",
			Help: "Total number of letters determined by letter type.",
		}, []string{"letter"}),
		HistoryWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dletter_history_write_errors_total",
			Help: "Total number of history rows that could not be written.",
		}),

		// Report service
		ReportRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dletter_report_requests_total",
			Help: "Total number of report generation requests.",
		}, []string{"letter", "status"}),
		ReportRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dletter_report_request_duration_seconds",
			Help:    "Report generation request duration in seconds.",
			Buckets: reportDurationBuckets,
		}),
		ReportCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dletter_report_circuit_breaker_state",
			Help: "Report service circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Mail
		EmailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dletter_emails_total",
			Help: "Total number of emails attempted by kind and result.",
		}, []string{"kind", "result"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RunsTotal,
		m.RunDuration,
		m.LastRunTimestamp,
		m.PendingOrders,
		m.OrdersProcessed,
		m.LettersDetermined,
		m.HistoryWriteErrors,
		m.ReportRequestsTotal,
		m.ReportRequestDuration,
		m.ReportCircuitBreakerState,
		m.EmailsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordRun records a finished processing run. Result is "completed",
// "failed" or "skipped".
func (m *Metrics) RecordRun(result string, pending int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	if result == "skipped" {
		return
	}
	m.RunDuration.Observe(duration.Seconds())
	m.PendingOrders.Set(float64(pending))
	m.LastRunTimestamp.SetToCurrentTime()
}

// RecordOrder records the final state of one processed order.
func (m *Metrics) RecordOrder(state string) {
	if m == nil {
		return
	}
	m.OrdersProcessed.WithLabelValues(state).Inc()
}

// RecordLetterDetermined records a letter required by an order.
func (m *Metrics) RecordLetterDetermined(letter string) {
	if m == nil {
		return
	}
	m.LettersDetermined.WithLabelValues(letter).Inc()
}

// RecordHistoryWriteError records a failed history insert or update.
func (m *Metrics) RecordHistoryWriteError() {
	if m == nil {
		return
	}
	m.HistoryWriteErrors.Inc()
}

// RecordReportRequest records a report generation attempt. Status is the
// HTTP status code, or 0 when no response was received.
func (m *Metrics) RecordReportRequest(letter string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReportRequestsTotal.WithLabelValues(letter, strconv.Itoa(status)).Inc()
	m.ReportRequestDuration.Observe(duration.Seconds())
}

// SetReportCircuitBreakerState sets the report service breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetReportCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.ReportCircuitBreakerState.Set(state)
}

// RecordEmail records an email attempt. Kind is "letter" or "notification".
func (m *Metrics) RecordEmail(kind string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.EmailsTotal.WithLabelValues(kind, result).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
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

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
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
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
