// Package report fetches rendered letters from the reporting service.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pitabwire/detention-letters/internal/config"
	"github.com/pitabwire/detention-letters/internal/observability"
	"github.com/pitabwire/detention-letters/model"
)

const (
	backendName    = "report service"
	maxReportBytes = 50 << 20
	defaultTimeout = 30 * time.Second
	breakerName    = "report-service"
)

// ErrEmptyReport is returned when the service answers 2xx with no body.
var ErrEmptyReport = errors.New("report service returned an empty document")

// StatusError is a non-2xx answer from the report service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("report service returned status %d", e.StatusCode)
}

// Client renders letters with a GET against the configured base URL:
//
//	{base}?salesOrderId={orderID}&reportname={ReportName}&User={userID}
//
// Calls run behind a circuit breaker; 4xx answers do not trip it.
type Client struct {
	baseURL *url.URL
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewClient builds a client from cfg. Metrics may be nil.
func NewClient(cfg config.ReportConfig, metrics *observability.Metrics, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("report: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("report: base url %q must be http or https", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL: base,
		timeout: timeout,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		metrics: metrics,
		logger:  logger,
	}

	cb := cfg.CircuitBreaker
	threshold := uint32(max(cb.FailureThreshold, 1))
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: uint32(max(cb.HalfOpenRequests, 1)),
		Interval:    cb.Interval,
		Timeout:     cb.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < 500
			}
			return err == nil || errors.Is(err, ErrEmptyReport)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.SetReportCircuitBreakerState(float64(to))
			c.logger.Warn("report circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	metrics.SetReportCircuitBreakerState(float64(gobreaker.StateClosed))

	return c, nil
}

// Generate renders letter for orderID on behalf of requestingUserID.
func (c *Client) Generate(ctx context.Context, orderID string, letter model.LetterType, requestingUserID string) (body []byte, err error) {
	ctx, span := observability.StartSpan(ctx, "report.generate",
		observability.AttrLetter.String(letter.String()),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, orderID, letter, requestingUserID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, model.NewBackendUnavailableError(backendName)
	}
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// State reports the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) fetch(ctx context.Context, orderID string, letter model.LetterType, userID string) ([]byte, error) {
	start := time.Now()
	status := 0
	defer func() {
		c.metrics.RecordReportRequest(letter.String(), status, time.Since(start))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(orderID, letter, userID), nil)
	if err != nil {
		return nil, fmt.Errorf("report: build request: %w", err)
	}
	req.Header.Set("Accept", "application/pdf")
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, model.NewBackendTimeoutError(backendName)
		}
		if isConnectionError(err) {
			return nil, model.NewBackendUnavailableError(backendName)
		}
		return nil, fmt.Errorf("report: request failed: %w", err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReportBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, model.NewBackendTimeoutError(backendName)
		}
		return nil, fmt.Errorf("report: read response: %w", err)
	}
	if len(body) == 0 {
		return nil, ErrEmptyReport
	}
	return body, nil
}

func (c *Client) requestURL(orderID string, letter model.LetterType, userID string) string {
	u := *c.baseURL
	q := u.Query()
	q.Set("salesOrderId", orderID)
	q.Set("reportname", letter.ReportName())
	q.Set("User", userID)
	u.RawQuery = q.Encode()
	return u.String()
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
