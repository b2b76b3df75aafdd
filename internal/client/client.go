package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/shelfsync/internal/model"
)

// Defaults for Config fields left zero.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultRefreshSkew    = 30 * time.Second
	DefaultRefreshTimeout = 15 * time.Second
)

// Paths that never carry a bearer token.
const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
	HealthPath  = "/health"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the service root, e.g. "https://inventory.example.com".
	BaseURL string

	// Timeout bounds one HTTP exchange.
	Timeout time.Duration

	// MaxRetries is the total number of attempts of one Request call.
	MaxRetries int

	// BaseDelay is the first backoff delay; attempt n waits BaseDelay * 2^(n-1).
	BaseDelay time.Duration

	// RefreshSkew treats tokens this close to expiry as expired.
	RefreshSkew time.Duration

	// RefreshTimeout bounds one token refresh.
	RefreshTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = model.DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.RefreshSkew < 0 {
		c.RefreshSkew = 0
	} else if c.RefreshSkew == 0 {
		c.RefreshSkew = DefaultRefreshSkew
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Observer is told whether each request reached the server.
type Observer interface {
	Observe(online bool)
}

// Client sends requests to the inventory service.
type Client struct {
	cfg      Config
	http     *http.Client
	auth     *Authenticator
	clock    model.Clock
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer
	sink     RecordSink
	reporter ErrorReporter
	observer Observer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithClock sets the clock used for token expiry.
func WithClock(clock model.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRegisterer registers the client's Prometheus collectors on reg.
// Without it the collectors exist but are not registered.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) { c.metrics = newMetrics(reg) }
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) { c.tracer = tp.Tracer(tracerName) }
}

// WithRecordSink receives one Record per HTTP exchange.
func WithRecordSink(s RecordSink) Option {
	return func(c *Client) { c.sink = s }
}

// WithErrorReporter receives every 4xx/5xx response, redacted.
func WithErrorReporter(r ErrorReporter) Option {
	return func(c *Client) { c.reporter = r }
}

// WithObserver is told the online state after each exchange.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

const tracerName = "github.com/roach88/shelfsync/internal/client"

// New creates a client. Sessions are loaded from and saved to sessions.
func New(cfg Config, sessions SessionStore, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg.withDefaults(),
		http:   &http.Client{},
		clock:  model.SystemClock{},
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}
	if c.reporter == nil {
		c.reporter = LogReporter{Logger: c.logger}
	}
	c.auth = newAuthenticator(sessions, c.refreshSession, authConfig{
		clock:   c.clock,
		skew:    c.cfg.RefreshSkew,
		timeout: c.cfg.RefreshTimeout,
		logger:  c.logger,
		metrics: c.metrics,
	})
	return c
}

// Auth returns the client's authenticator.
func (c *Client) Auth() *Authenticator {
	return c.auth
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Response is a successful (2xx) response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("decode response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type requestConfig struct {
	noRetry        bool
	idempotencyKey string
}

// RequestOption adjusts a single Request call.
type RequestOption func(*requestConfig)

// NoRetry makes exactly one attempt. The sync orchestrator uses it because
// it accounts attempts per queue item instead.
func NoRetry() RequestOption {
	return func(rc *requestConfig) { rc.noRetry = true }
}

// IdempotencyKey sends key as the Idempotency-Key header so that the server
// can recognise a replayed write.
func IdempotencyKey(key string) RequestOption {
	return func(rc *requestConfig) { rc.idempotencyKey = key }
}

// Request sends a request and returns the 2xx response or a classified
// error (*model.Error in the chain). body, when not nil, is sent as JSON.
func (c *Client) Request(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	var rc requestConfig
	for _, opt := range opts {
		opt(&rc)
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: marshal body: %w", method, path, err)
		}
		payload = b
	}

	attempts := c.cfg.MaxRetries
	if rc.noRetry {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Debug("retrying request",
				"method", method,
				"path", path,
				"attempt", attempt+1,
				"delay", delay,
				"error", lastErr,
			)
			if err := sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s %s: %w", method, path, errors.Join(err, lastErr))
			}
		}

		resp, err := c.send(ctx, method, path, payload, rc, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !model.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// backoff returns the delay before attempt n (n >= 1).
func (c *Client) backoff(n int) time.Duration {
	return c.cfg.BaseDelay << (n - 1)
}

// send performs one attempt, including at most one refresh-and-retry.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, rc requestConfig, attempt int) (*Response, error) {
	if !needsAuth(path) {
		return c.do(ctx, method, path, payload, "", rc, attempt)
	}

	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, method, path, payload, token, rc, attempt)
	if !isUnauthorized(err) {
		return resp, err
	}

	fresh, rerr := c.auth.Refresh(ctx, token)
	if rerr != nil {
		return nil, rerr
	}
	// isRetry: a second 401 is returned as is.
	return c.do(ctx, method, path, payload, fresh, rc, attempt)
}

// do performs one HTTP exchange.
func (c *Client) do(ctx context.Context, method, path string, payload []byte, token string, rc requestConfig, attempt int) (*Response, error) {
	url := c.cfg.BaseURL + path

	ctx, span := c.tracer.Start(ctx, "shelfsync.http "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
			attribute.Int("shelfsync.attempt", attempt+1),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if rc.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", rc.idempotencyKey)
	}

	start := time.Now()
	httpResp, err := c.http.Do(req)
	if err != nil {
		classified := classifyTransport(method, path, err)
		c.observe(false, classified)
		c.record(ctx, Record{
			URL:      url,
			Method:   method,
			Path:     path,
			Duration: time.Since(start),
			Attempt:  attempt + 1,
			Error:    classified.Error(),
		})
		span.RecordError(classified)
		span.SetStatus(codes.Error, classified.Error())
		return nil, classified
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	duration := time.Since(start)
	if err != nil {
		classified := classifyTransport(method, path, err)
		c.observe(false, classified)
		span.RecordError(classified)
		span.SetStatus(codes.Error, classified.Error())
		return nil, classified
	}
	c.observe(true, nil)

	status := httpResp.StatusCode
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	rec := Record{
		URL:      url,
		Method:   method,
		Path:     path,
		Status:   status,
		Duration: duration,
		Attempt:  attempt + 1,
	}

	if status >= 200 && status < 300 {
		c.record(ctx, rec)
		return &Response{Status: status, Header: httpResp.Header, Body: body}, nil
	}

	herr := normalize(status, body)
	rec.Error = herr.Error()
	c.record(ctx, rec)
	span.SetStatus(codes.Error, herr.Message)

	c.reporter.Report(ctx, ErrorReport{
		Method:   method,
		URL:      url,
		Status:   status,
		Code:     herr.Code,
		Message:  herr.Message,
		Request:  Redact(payload),
		Response: Redact(body),
	})
	return nil, herr
}

func (c *Client) observe(online bool, err error) {
	if c.observer == nil {
		return
	}
	// Cancellation says nothing about the network.
	if err != nil && !online && model.CodeOf(err) != model.ErrCodeNetworkUnavailable {
		return
	}
	c.observer.Observe(online)
}

func (c *Client) record(ctx context.Context, rec Record) {
	rec.At = c.clock.Now()
	status := "error"
	if rec.Status != 0 {
		status = strconv.Itoa(rec.Status)
	}
	c.metrics.requests.WithLabelValues(rec.Method, status).Inc()
	c.metrics.duration.WithLabelValues(rec.Method).Observe(rec.Duration.Seconds())

	c.logger.Debug("http request",
		"method", rec.Method,
		"url", rec.URL,
		"status", rec.Status,
		"duration_ms", rec.Duration.Milliseconds(),
		"attempt", rec.Attempt,
	)

	// Shipping telemetry must not generate telemetry to ship.
	if c.sink != nil && rec.Path != ShipLogsPath {
		c.sink.Record(ctx, rec)
	}
}

// refreshSession exchanges a refresh token for a new session.
func (c *Client) refreshSession(ctx context.Context, refreshToken string) (model.AuthSession, error) {
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return model.AuthSession{}, fmt.Errorf("refresh: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, RefreshPath, payload, "", requestConfig{}, 0)
	if err != nil {
		return model.AuthSession{}, err
	}
	return c.sessionFrom(resp)
}

// tokenResponse is the body of a successful login or refresh.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (c *Client) sessionFrom(resp *Response) (model.AuthSession, error) {
	var tok tokenResponse
	if err := resp.Decode(&tok); err != nil {
		return model.AuthSession{}, err
	}
	if tok.AccessToken == "" {
		return model.AuthSession{}, fmt.Errorf("token response: missing access_token")
	}
	sess := model.AuthSession{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if tok.ExpiresIn > 0 {
		sess.ExpiresAt = c.clock.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return sess, nil
}

func needsAuth(path string) bool {
	return path != LoginPath && path != RefreshPath && path != HealthPath
}

func isUnauthorized(err error) bool {
	var e *model.Error
	return errors.As(err, &e) && e.Status == http.StatusUnauthorized
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
