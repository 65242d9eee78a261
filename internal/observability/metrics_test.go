package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
	m.RecordRun("completed", 3, time.Second)
	m.RecordOrder("sent")
	m.RecordLetterDetermined("CMPDetention")
	m.RecordHistoryWriteError()
	m.RecordReportRequest("CMPDetention", 200, time.Millisecond)
	m.SetReportCircuitBreakerState(0)
	m.RecordEmail("letter", nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"dletter_http_requests_total",
		"dletter_http_request_duration_seconds",
		"dletter_runs_total",
		"dletter_run_duration_seconds",
		"dletter_last_run_timestamp_seconds",
		"dletter_pending_orders",
		"dletter_orders_processed_total",
		"dletter_letters_determined_total",
		"dletter_history_write_errors_total",
		"dletter_report_requests_total",
		"dletter_report_request_duration_seconds",
		"dletter_report_circuit_breaker_state",
		"dletter_emails_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordRun(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRun("completed", 4, 2*time.Second)
	m.RecordRun("skipped", 0, 0)

	if val := testutil.ToFloat64(m.RunsTotal.WithLabelValues("completed")); val != 1 {
		t.Errorf("completed runs = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.RunsTotal.WithLabelValues("skipped")); val != 1 {
		t.Errorf("skipped runs = %v, want 1", val)
	}
	// A skipped run leaves the pending gauge untouched.
	if val := testutil.ToFloat64(m.PendingOrders); val != 4 {
		t.Errorf("pending orders = %v, want 4", val)
	}
	if val := testutil.ToFloat64(m.LastRunTimestamp); val == 0 {
		t.Error("last run timestamp not set")
	}
}

func TestRecordEmail(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEmail("letter", nil)
	m.RecordEmail("letter", errors.New("550 mailbox unavailable"))
	m.RecordEmail("notification", nil)

	if val := testutil.ToFloat64(m.EmailsTotal.WithLabelValues("letter", "sent")); val != 1 {
		t.Errorf("letter sent = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.EmailsTotal.WithLabelValues("letter", "failed")); val != 1 {
		t.Errorf("letter failed = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.EmailsTotal.WithLabelValues("notification", "sent")); val != 1 {
		t.Errorf("notification sent = %v, want 1", val)
	}
}

func TestRecordReportRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordReportRequest("DuroMaxxSewer", 500, 50*time.Millisecond)
	m.RecordReportRequest("DuroMaxxSewer", 0, 30*time.Second)

	if val := testutil.ToFloat64(m.ReportRequestsTotal.WithLabelValues("DuroMaxxSewer", "500")); val != 1 {
		t.Errorf("500 requests = %v, want 1", val)
	}
	if val := testutil.ToFloat64(m.ReportRequestsTotal.WithLabelValues("DuroMaxxSewer", "0")); val != 1 {
		t.Errorf("no-response requests = %v, want 1", val)
	}
}

func TestNilMetrics_isNoop(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	m.RecordRun("completed", 1, time.Second)
	m.RecordOrder("sent")
	m.RecordLetterDetermined("CMPDetention")
	m.RecordHistoryWriteError()
	m.RecordReportRequest("CMPDetention", 200, time.Millisecond)
	m.SetReportCircuitBreakerState(2)
	m.RecordEmail("letter", nil)
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/runs/{runId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/runs", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/runs", "409"))
	if val != 1 {
		t.Errorf("409 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.RecordOrder("sent")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dletter_orders_processed_total") {
		t.Error("metrics response should contain dletter_orders_processed_total")
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":   httpDurationBuckets,
		"report": reportDurationBuckets,
		"run":    runDurationBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
