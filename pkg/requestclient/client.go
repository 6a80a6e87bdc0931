/*
 * Copyright (c) 2026, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package requestclient executes logical requests against the currently
// selected endpoint with per-attempt timeouts, exponential backoff and a
// classified error on failure.
package requestclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/wso2/api-platform/resilience/pkg/clienterrors"
	"github.com/wso2/api-platform/resilience/pkg/config"
	"github.com/wso2/api-platform/resilience/pkg/connectivity"
	"github.com/wso2/api-platform/resilience/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// CorrelationIDHeader carries a per-request id for server-side tracing
	CorrelationIDHeader = "X-Correlation-ID"

	tracerName      = "github.com/wso2/api-platform/resilience/pkg/requestclient"
	maxErrorSnippet = 512
)

// CredentialSource provides the bearer credential for outgoing requests and
// is told synchronously when the server rejects it.
type CredentialSource interface {
	// Credential returns the current access credential, if any
	Credential(ctx context.Context) (string, bool)
	// Invalidate discards the current session. It must complete before returning.
	Invalidate(ctx context.Context, cause error)
}

// Request describes one logical request
type Request struct {
	Method  string
	Path    string
	Body    []byte
	Headers map[string]string

	// Idempotent opts a non-safe method into retries
	Idempotent bool
	// NoRetry disables retries even for safe methods
	NoRetry bool
	// Anonymous requests carry no credential and never invalidate the session
	Anonymous bool
	// Timeout overrides the configured per-attempt timeout
	Timeout time.Duration
}

// NewJSONRequest builds a request whose body is v encoded as JSON
func NewJSONRequest(method, path string, v any) (Request, error) {
	req := Request{Method: method, Path: path}
	if v == nil {
		return req, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return req, fmt.Errorf("failed to encode request body: %w", err)
	}
	req.Body = body
	req.Headers = map[string]string{"Content-Type": "application/json"}
	return req, nil
}

// Response is a successful (2xx/3xx) response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Endpoint   string
	Attempts   int
}

// DecodeJSON decodes the response body into v. An empty body leaves v untouched.
func (r *Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return clienterrors.Wrap(clienterrors.KindUnknown, err, "failed to decode response body")
	}
	return nil
}

// Client is the resilient request client. It holds no durable state.
type Client struct {
	cfg        config.RequestConfig
	endpoints  connectivity.EndpointSource
	httpClient *http.Client
	logger     *zap.Logger
	tracer     trace.Tracer
	wait       func(ctx context.Context, d time.Duration) error

	mu          sync.RWMutex
	credentials CredentialSource
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithCredentialSource sets the credential source at construction time
func WithCredentialSource(cs CredentialSource) Option {
	return func(cl *Client) { cl.credentials = cs }
}

// New creates a client resolving endpoints through endpoints
func New(cfg config.RequestConfig, endpoints connectivity.EndpointSource, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		endpoints:  endpoints,
		httpClient: &http.Client{},
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		wait:       waitWithContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCredentialSource installs the credential source. The session manager
// itself issues requests through this client, so it is wired after both exist.
func (c *Client) SetCredentialSource(cs CredentialSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credentials = cs
}

func (c *Client) credentialSource() CredentialSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credentials
}

// Execute runs req against the current endpoint. Safe methods and requests
// marked Idempotent are retried on NETWORK, TIMEOUT and SERVER failures up to
// the configured limit. A 401 invalidates the session before Execute returns
// and is never retried.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	req.Method = strings.ToUpper(req.Method)

	maxAttempts := 1
	if c.retryable(req) {
		maxAttempts += c.cfg.MaxRetries
	}

	ctx, span := c.tracer.Start(ctx, "requestclient.Execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
			attribute.Int("resilience.max_attempts", maxAttempts),
		))
	defer span.End()

	start := time.Now()
	bo := c.newBackOff()

	var lastErr *clienterrors.Error
	for attempt := 1; ; attempt++ {
		metrics.RequestAttemptsTotal.WithLabelValues(req.Method).Inc()

		resp, retryAfter, cerr := c.attempt(ctx, req, attempt)
		if cerr == nil {
			metrics.RequestsTotal.WithLabelValues(req.Method, "success").Inc()
			metrics.RequestDurationSeconds.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
			span.SetAttributes(
				attribute.Int("http.response.status_code", resp.StatusCode),
				attribute.Int("resilience.attempts", attempt))
			return resp, nil
		}
		lastErr = cerr

		if cerr.Kind == clienterrors.KindAuth {
			break
		}
		if !cerr.Retryable() || attempt >= maxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if retryAfter > delay {
			delay = min(retryAfter, c.cfg.MaxBackoff)
		}
		c.logger.Debug("Retrying request",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
			zap.Int("attempt", attempt),
			zap.String("kind", string(cerr.Kind)),
			zap.Duration("delay", delay))

		if err := c.wait(ctx, delay); err != nil {
			lastErr = c.classify(err, cerr.Endpoint, req, attempt)
			break
		}
	}

	metrics.RequestsTotal.WithLabelValues(req.Method, string(lastErr.Kind)).Inc()
	metrics.RequestDurationSeconds.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, string(lastErr.Kind))

	c.logger.Warn("Request failed",
		zap.String("method", req.Method),
		zap.String("endpoint", lastErr.Endpoint),
		zap.String("path", req.Path),
		zap.String("kind", string(lastErr.Kind)),
		zap.Int("status_code", lastErr.StatusCode),
		zap.Int("attempts", lastErr.Attempts),
		zap.Error(lastErr.Err))

	return nil, lastErr
}

// DoJSON encodes in (when non-nil), executes the request and decodes the
// response into out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, method, path string, in, out any, idempotent bool) error {
	req, err := NewJSONRequest(method, path, in)
	if err != nil {
		return err
	}
	req.Idempotent = idempotent
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}

func (c *Client) retryable(req Request) bool {
	if req.NoRetry {
		return false
	}
	if req.Idempotent {
		return true
	}
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.Multiplier = c.cfg.BackoffMultiplier
	bo.RandomizationFactor = c.cfg.Jitter
	bo.Reset()
	return bo
}

// attempt performs a single HTTP exchange. The endpoint and credential are
// resolved on every attempt so a failover between retries takes effect.
func (c *Client) attempt(ctx context.Context, req Request, attempt int) (*Response, time.Duration, *clienterrors.Error) {
	ep, err := c.endpoints.CurrentEndpoint(ctx)
	if err != nil {
		return nil, 0, &clienterrors.Error{
			Kind:      clienterrors.KindUnknown,
			Method:    req.Method,
			Path:      req.Path,
			Attempts:  attempt,
			Timestamp: time.Now(),
			Message:   "no endpoint available",
			Err:       err,
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, ep.URL+req.Path, body)
	if err != nil {
		return nil, 0, &clienterrors.Error{
			Kind:      clienterrors.KindUnknown,
			Endpoint:  ep.URL,
			Method:    req.Method,
			Path:      req.Path,
			Attempts:  attempt,
			Timestamp: time.Now(),
			Message:   "failed to build request",
			Err:       err,
		}
	}

	httpReq.Header.Set(CorrelationIDHeader, correlationID(ctx))
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(httpReq.Header))

	creds := c.credentialSource()
	authenticated := false
	if !req.Anonymous && creds != nil {
		if token, ok := creds.Credential(ctx); ok {
			httpReq.Header.Set("Authorization", "Bearer "+token)
			authenticated = true
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, c.classify(err, ep.URL, req, attempt)
	}
	payload, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, 0, c.classify(readErr, ep.URL, req, attempt)
	}

	if resp.StatusCode < http.StatusBadRequest {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       payload,
			Endpoint:   ep.URL,
			Attempts:   attempt,
		}, 0, nil
	}

	cerr := &clienterrors.Error{
		Kind:       clienterrors.ClassifyStatus(resp.StatusCode),
		Endpoint:   ep.URL,
		Method:     req.Method,
		Path:       req.Path,
		StatusCode: resp.StatusCode,
		Attempts:   attempt,
		Timestamp:  time.Now(),
		Message:    errorMessage(resp.StatusCode, payload),
	}

	if cerr.Kind == clienterrors.KindAuth && authenticated {
		c.logger.Warn("Credential rejected by server, invalidating session",
			zap.String("endpoint", ep.URL),
			zap.String("path", req.Path))
		creds.Invalidate(ctx, cerr)
	}

	return nil, parseRetryAfter(resp.Header.Get("Retry-After")), cerr
}

func (c *Client) classify(err error, endpoint string, req Request, attempt int) *clienterrors.Error {
	kind := clienterrors.Classify(err)
	return &clienterrors.Error{
		Kind:      kind,
		Endpoint:  endpoint,
		Method:    req.Method,
		Path:      req.Path,
		Attempts:  attempt,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// errorMessage extracts a short message from an error body
func errorMessage(status int, payload []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > maxErrorSnippet {
		text = text[:maxErrorSnippet]
	}
	if text == "" {
		return http.StatusText(status)
	}
	return text
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type correlationKey struct{}

// WithCorrelationID makes every request issued under ctx carry id in the
// correlation header, so backend logs line up with the caller's.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id attached with WithCorrelationID, if any
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}

func correlationID(ctx context.Context) string {
	if id, ok := CorrelationID(ctx); ok {
		return id
	}
	return uuid.New().String()
}

// IsStatus reports whether err is a classified error with the given HTTP status
func IsStatus(err error, status int) bool {
	var ce *clienterrors.Error
	return errors.As(err, &ce) && ce.StatusCode == status
}
