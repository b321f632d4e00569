package partnerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	metricNamespace  = "github.com/printcraft/api/internal/platform/partnerapi"
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 1 << 20
)

// ErrUnavailable indicates the partner could not be reached or answered with a
// transient failure. Callers may retry the individual call later.
var ErrUnavailable = errors.New("partnerapi: partner unavailable")

// APIError is a response the partner returned with a non-2xx status.
type APIError struct {
	StatusCode int
	Reason     string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e == nil {
		return "partnerapi: <nil>"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("partnerapi: status %d: %s", e.StatusCode, msg)
}

// Retryable reports whether the response indicates a transient partner condition.
func (e *APIError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// NotFound reports whether the partner did not recognise the requested resource.
func (e *APIError) NotFound() bool {
	return e != nil && e.StatusCode == http.StatusNotFound
}

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v", ErrUnavailable.Error(), e.cause)
}

func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.cause} }

// IsUnavailable reports whether err is a transient failure of the partner call.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// IsNotFound reports whether err is a partner 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}

// Config describes one partner integration.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	StoreID string
	Timeout time.Duration
	Breaker BreakerSettings
}

// Client performs authenticated JSON calls against the partner REST API. Every
// call is bounded by the configured timeout and guarded by a circuit breaker.
type Client struct {
	name       string
	baseURL    *url.URL
	apiKey     string
	storeID    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger

	meter          metric.Meter
	latency        metric.Float64Histogram
	latencyEnabled bool
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for outbound requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger used for breaker transitions and diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMeter sets the meter used to record call latency.
func WithMeter(meter metric.Meter) Option {
	return func(c *Client) {
		if meter != nil {
			c.meter = meter
		}
	}
}

// NewClient validates the configuration and builds a client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("partnerapi: base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("partnerapi: invalid base url %q", raw)
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = base.Host
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := &Client{
		name:       name,
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		storeID:    strings.TrimSpace(cfg.StoreID),
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	settings := cfg.Breaker
	if settings.Name == "" {
		settings.Name = name
	}
	client.breaker = NewBreaker(settings, client.logger)

	if client.meter == nil {
		client.meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	latency, latencyErr := client.meter.Float64Histogram(
		"partner.request.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for partner API calls"),
	)
	if latencyErr != nil {
		client.logger.Warn("partnerapi: unable to register latency metric", zap.Error(latencyErr))
	}
	client.latency = latency
	client.latencyEnabled = latencyErr == nil

	return client, nil
}

// Request describes one partner call. Operation labels metrics and logs.
type Request struct {
	Operation string
	Method    string
	Path      string
	Query     url.Values
	Body      any
}

type envelope struct {
	Code   int             `json:"code"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

// Do executes the request and decodes the envelope result into out when non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	if c == nil {
		return errors.New("partnerapi: client not initialised")
	}
	start := time.Now()
	_, err := ExecuteWithBreaker(c.breaker, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, req, out)
	})
	c.recordLatency(ctx, req.Operation, time.Since(start), err)
	return err
}

func (c *Client) do(ctx context.Context, req Request, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("partnerapi: encode %s request: %w", req.Operation, err)
		}
		body = bytes.NewReader(payload)
	}

	target := c.baseURL.JoinPath(strings.TrimPrefix(req.Path, "/"))
	if len(req.Query) > 0 {
		target.RawQuery = req.Query.Encode()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(callCtx, method, target.String(), body)
	if err != nil {
		return fmt.Errorf("partnerapi: build %s request: %w", req.Operation, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.storeID != "" {
		httpReq.Header.Set("X-PF-Store-Id", c.storeID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &unavailableError{cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &unavailableError{cause: fmt.Errorf("read %s response: %w", req.Operation, err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil {
			if env.Error != nil {
				apiErr.Reason = env.Error.Reason
				apiErr.Message = env.Error.Message
			}
			if apiErr.Message == "" {
				var msg string
				if json.Unmarshal(env.Result, &msg) == nil {
					apiErr.Message = msg
				}
			}
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("partnerapi: decode %s response: %w", req.Operation, decodeErr)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("partnerapi: decode %s result: %w", req.Operation, err)
	}
	return nil
}

func (c *Client) recordLatency(ctx context.Context, operation string, d time.Duration, err error) {
	if !c.latencyEnabled {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case IsUnavailable(err):
		outcome = "unavailable"
	default:
		outcome = "rejected"
	}
	c.latency.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("partner", c.name),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

// Name returns the integration name used in logs and metrics.
func (c *Client) Name() string { return c.name }

// Check reports the partner as unavailable while its breaker is open. It makes
// no network call, so readiness probes never add load to a struggling partner.
func (c *Client) Check(context.Context) error {
	if c == nil {
		return errors.New("partnerapi: client not initialised")
	}
	if c.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: %s circuit open", ErrUnavailable, c.name)
	}
	return nil
}
