package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/detention-letters/internal/config"
	"github.com/pitabwire/detention-letters/internal/observability"
	"github.com/pitabwire/detention-letters/internal/workflow"
	"github.com/pitabwire/detention-letters/model"
)

type fakeRuns struct {
	launchErr error
	summary   workflow.Summary
	hold      bool
	launched  int
}

func (f *fakeRuns) Launch(string) (<-chan workflow.Summary, error) {
	f.launched++
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	done := make(chan workflow.Summary, 1)
	if !f.hold {
		done <- f.summary
	}
	return done, nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Trigger.Enabled = true
	return cfg
}

func newTestRouter(t *testing.T, runs RunLauncher, mutate func(*Dependencies)) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	deps := Dependencies{
		Config:   testConfig(),
		Metrics:  observability.InitMetrics(reg),
		Gatherer: reg,
		Readiness: observability.ReadinessChecks{
			SchedulerStarted: func() bool { return true },
		},
		Runs: runs,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return NewRouter(deps)
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- health ---

func TestRouter_health(t *testing.T) {
	h := newTestRouter(t, nil, nil)

	if w := do(t, h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("/healthz = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/readyz", ""); w.Code != http.StatusOK {
		t.Errorf("/readyz = %d", w.Code)
	}
}

func TestRouter_notReadyBeforeSchedulerStarts(t *testing.T) {
	h := newTestRouter(t, nil, func(d *Dependencies) {
		d.Readiness.SchedulerStarted = func() bool { return false }
	})
	if w := do(t, h, http.MethodGet, "/readyz", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", w.Code)
	}
}

func TestRouter_metrics(t *testing.T) {
	h := newTestRouter(t, nil, nil)
	do(t, h, http.MethodGet, "/healthz", "")

	w := do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `dletter_http_requests_total{method="GET",path_pattern="/healthz",status="200"} 1`) {
		t.Errorf("metrics body missing /healthz request counter:\n%s", w.Body.String())
	}
}

func TestRouter_metricsDisabled(t *testing.T) {
	h := newTestRouter(t, nil, func(d *Dependencies) {
		d.Config.Observability.Metrics.Enabled = false
	})
	if w := do(t, h, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("/metrics = %d, want 404", w.Code)
	}
}

func TestRouter_securityHeadersEverywhere(t *testing.T) {
	h := newTestRouter(t, nil, nil)
	w := do(t, h, http.MethodGet, "/healthz", "")
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing")
	}
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Error("correlation ID missing")
	}
}

// --- determine ---

type determineBody struct {
	Letters []model.LetterType `json:"letters"`
	Lines   []struct {
		Line  model.OrderProductLine `json:"line"`
		Match struct {
			Letter   model.LetterType `json:"letter"`
			Matched  bool             `json:"matched"`
			Family   bool             `json:"family"`
			Rule     string           `json:"rule"`
			Diameter int              `json:"diameter"`
		} `json:"match"`
	} `json:"lines"`
}

func TestDetermine_letters(t *testing.T) {
	h := newTestRouter(t, nil, nil)
	body := `{"product_lines":[
		{"product_family":"CMP Detention - Voidsaver","part_number":"anything"},
		{"product_family":"DuroMaxx","part_number":"XPG12080"},
		{"product_family":"Hardware","part_number":"bolt-12"},
		{"product_family":"CMP Detention","part_number":""}
	]}`

	w := do(t, h, http.MethodPost, "/v1/letters/determine", body, "Content-Type", "application/json")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp determineBody
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []model.LetterType{model.LetterCMPDetention, model.LetterDuroMaxxLargeDiameter}
	if len(resp.Letters) != len(want) {
		t.Fatalf("letters = %v, want %v", resp.Letters, want)
	}
	for i := range want {
		if resp.Letters[i] != want[i] {
			t.Errorf("letters[%d] = %v, want %v", i, resp.Letters[i], want[i])
		}
	}
	if resp.Lines != nil {
		t.Error("lines returned without explain")
	}
}

func TestDetermine_explain(t *testing.T) {
	h := newTestRouter(t, nil, nil)
	body := `{"explain":true,"product_lines":[
		{"product_family":"CMP Detention","part_number":""},
		{"product_family":"CMP","part_number":"dw3xxxxxxxx105"},
		{"product_family":"CMP","part_number":"dw3xxxxxxxx100"}
	]}`

	w := do(t, h, http.MethodPost, "/v1/letters/determine", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp determineBody
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(resp.Lines))
	}
	if !resp.Lines[0].Match.Family {
		t.Error("line 0 should match by family")
	}
	if m := resp.Lines[1].Match; !m.Matched || m.Rule != "double-wall" || m.Diameter != 105 {
		t.Errorf("line 1 match = %+v", m)
	}
	if resp.Lines[2].Match.Matched {
		t.Error("line 2 is below the threshold")
	}
}

func TestDetermine_emptyOrder(t *testing.T) {
	h := newTestRouter(t, nil, nil)
	w := do(t, h, http.MethodPost, "/v1/letters/determine", `{"product_lines":[]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"letters":[]}` {
		t.Errorf("body = %s", got)
	}
}

func TestDetermine_badRequests(t *testing.T) {
	h := newTestRouter(t, nil, nil)

	var many bytes.Buffer
	many.WriteString(`{"product_lines":[`)
	for i := 0; i <= maxDetermineLines; i++ {
		if i > 0 {
			many.WriteString(",")
		}
		many.WriteString(`{"product_family":"x"}`)
	}
	many.WriteString("]}")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", "{", http.StatusBadRequest},
		{"unknown field", `{"lines":[]}`, http.StatusBadRequest},
		{"missing lines", `{}`, http.StatusUnprocessableEntity},
		{"too many lines", many.String(), http.StatusUnprocessableEntity},
		{"too large", `{"product_lines":[{"product_family":"` + strings.Repeat("a", maxDetermineBody) + `"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, h, http.MethodPost, "/v1/letters/determine", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// --- runs ---

func TestRuns_launch(t *testing.T) {
	runs := &fakeRuns{}
	h := newTestRouter(t, runs, nil)

	w := do(t, h, http.MethodPost, "/v1/runs", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if runs.launched != 1 {
		t.Errorf("launched = %d, want 1", runs.launched)
	}
}

func TestRuns_inProgress(t *testing.T) {
	conflict := model.NewConflictError("a processing run is already in progress")
	h := newTestRouter(t, &fakeRuns{launchErr: conflict}, nil)

	for _, path := range []string{"/v1/runs", "/v1/runs?wait=true"} {
		if w := do(t, h, http.MethodPost, path, ""); w.Code != http.StatusConflict {
			t.Errorf("%s status = %d, want 409", path, w.Code)
		}
	}
}

func TestRuns_lockBackendDown(t *testing.T) {
	h := newTestRouter(t, &fakeRuns{launchErr: errors.New("redis: connection refused")}, nil)
	if w := do(t, h, http.MethodPost, "/v1/runs", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRuns_wait(t *testing.T) {
	runs := &fakeRuns{summary: workflow.Summary{
		RunID:      "run-1",
		StartedAt:  time.Date(2026, 3, 9, 14, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2026, 3, 9, 14, 0, 5, 0, time.UTC),
		Pending:    3,
		Skipped:    1,
		Outcomes: []workflow.Outcome{
			{SummaryID: "s-1", OrderNumber: "SO-1", State: workflow.StateSent, Closed: true},
			{SummaryID: "s-2", OrderNumber: "SO-2", State: workflow.StateFailed, Err: errors.New("550 mailbox unavailable")},
		},
	}}
	h := newTestRouter(t, runs, nil)

	w := do(t, h, http.MethodPost, "/v1/runs?wait=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
		Run    struct {
			RunID    string         `json:"run_id"`
			Pending  int            `json:"pending"`
			Skipped  int            `json:"skipped"`
			Counts   map[string]int `json:"counts"`
			Outcomes []struct {
				OrderNumber string `json:"order_number"`
				State       string `json:"state"`
				Error       string `json:"error"`
			} `json:"outcomes"`
		} `json:"run"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "completed" || resp.Run.RunID != "run-1" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Run.Counts["sent"] != 1 || resp.Run.Counts["failed"] != 1 {
		t.Errorf("counts = %v", resp.Run.Counts)
	}
	if len(resp.Run.Outcomes) != 2 || resp.Run.Outcomes[1].Error != "550 mailbox unavailable" {
		t.Errorf("outcomes = %+v", resp.Run.Outcomes)
	}
}

func TestRuns_waitOutlivesHandlerTimeout(t *testing.T) {
	runs := &fakeRuns{hold: true}
	h := newTestRouter(t, runs, func(d *Dependencies) {
		d.Config.Server.HandlerTimeout = 20 * time.Millisecond
	})

	w := do(t, h, http.MethodPost, "/v1/runs?wait=true", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "running" {
		t.Errorf("status = %q, want running", resp.Status)
	}
	if runs.launched != 1 {
		t.Errorf("launched = %d, want 1", runs.launched)
	}
}

func TestRuns_requiresToken(t *testing.T) {
	runs := &fakeRuns{}
	h := newTestRouter(t, runs, func(d *Dependencies) {
		d.Authenticate = TriggerAuthenticator(testSecret, testIssuer)
	})

	if w := do(t, h, http.MethodPost, "/v1/runs", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if runs.launched != 0 {
		t.Error("run launched without a token")
	}

	token := signHS256(t, testSecret, validClaims())
	if w := do(t, h, http.MethodPost, "/v1/runs", "", "Authorization", "Bearer "+token); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	// Determination stays open.
	if w := do(t, h, http.MethodPost, "/v1/letters/determine", `{"product_lines":[]}`); w.Code != http.StatusOK {
		t.Errorf("determine status = %d, want 200", w.Code)
	}
}

func TestRuns_disabled(t *testing.T) {
	h := newTestRouter(t, &fakeRuns{}, func(d *Dependencies) {
		d.Config.Trigger.Enabled = false
	})
	if w := do(t, h, http.MethodPost, "/v1/runs", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRouter_recoversPanics(t *testing.T) {
	h := newTestRouter(t, panicRuns{}, nil)
	if w := do(t, h, http.MethodPost, "/v1/runs", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

type panicRuns struct{}

func (panicRuns) Launch(string) (<-chan workflow.Summary, error) { panic("boom") }
