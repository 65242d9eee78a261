package report

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/detention-letters/internal/config"
	"github.com/pitabwire/detention-letters/internal/observability"
	"github.com/pitabwire/detention-letters/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*config.ReportConfig)) (*Client, *observability.Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.ReportConfig{
		BaseURL: srv.URL + "/ReportServer/render",
		Timeout: 2 * time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			HalfOpenRequests: 1,
			Timeout:          time.Minute,
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	c, err := NewClient(cfg, metrics, zap.NewNop())
	require.NoError(t, err)
	return c, metrics
}

func TestGenerate_success(t *testing.T) {
	var gotQuery map[string]string
	c, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ReportServer/render", r.URL.Path)
		gotQuery = map[string]string{
			"salesOrderId": r.URL.Query().Get("salesOrderId"),
			"reportname":   r.URL.Query().Get("reportname"),
			"User":         r.URL.Query().Get("User"),
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 letter"))
	})

	body, err := c.Generate(context.Background(), "order-1", model.LetterDuroMaxxLargeDiameter, "user-7")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 letter", string(body))
	assert.Equal(t, map[string]string{
		"salesOrderId": "order-1",
		"reportname":   "DuroMaxxLgDiameterLetter",
		"User":         "user-7",
	}, gotQuery)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReportRequestsTotal.WithLabelValues("DuroMaxxLargeDiameter", "200")))
}

func TestGenerate_serverErrorIsStatusError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Generate(context.Background(), "order-1", model.LetterCMPDetention, "user-7")
	var se *StatusError
	require.True(t, errors.As(err, &se), "err = %v", err)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
}

func TestGenerate_emptyBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	_, err := c.Generate(context.Background(), "order-1", model.LetterCMPDetention, "user-7")
	assert.ErrorIs(t, err, ErrEmptyReport)
}

func TestGenerate_timeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, func(cfg *config.ReportConfig) { cfg.Timeout = 50 * time.Millisecond })

	_, err := c.Generate(context.Background(), "order-1", model.LetterCMPDetention, "user-7")
	assert.True(t, model.HasCode(err, model.ErrBackendTimeout), "err = %v", err)
}

func TestGenerate_breakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	c, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), "order-1", model.LetterCMPDetention, "user-7")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ReportCircuitBreakerState))

	_, err := c.Generate(context.Background(), "order-1", model.LetterCMPDetention, "user-7")
	assert.True(t, model.HasCode(err, model.ErrBackendUnavailable), "err = %v", err)
	assert.Equal(t, int32(3), calls.Load(), "open breaker should not reach the server")
}

func TestGenerate_clientErrorsDoNotTripBreaker(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for i := 0; i < 5; i++ {
		_, err := c.Generate(context.Background(), "order-1", model.LetterCMPDetention, "user-7")
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, c.State())
}

func TestGenerate_propagatesTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var traceparent string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
		w.Write([]byte("pdf"))
	})

	ctx, span := observability.StartSpan(context.Background(), "order.process")
	defer span.End()
	_, err := c.Generate(ctx, "order-1", model.LetterCMPDetention, "user-7")
	require.NoError(t, err)

	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

func TestGenerate_connectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(config.ReportConfig{BaseURL: url, Timeout: time.Second}, nil, nil)
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "order-1", model.LetterCMPDetention, "user-7")
	assert.True(t, model.HasCode(err, model.ErrBackendUnavailable), "err = %v", err)
}

func TestNewClient_rejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(config.ReportConfig{BaseURL: "ftp://reports"}, nil, nil)
	assert.Error(t, err)
	_, err = NewClient(config.ReportConfig{BaseURL: "://"}, nil, nil)
	assert.Error(t, err)
}
