// SPDX-License-Identifier: MIT

// Package client implements the rate-limited HTTP transport shared by every
// platform-facing component. All requests pass through one token bucket,
// one retry policy, and one circuit breaker so that burst behavior stays
// predictable no matter which subsystem is talking.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/resilience"
	"github.com/ManuGH/vidharvest/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const tracerName = "vidharvest.client"

// Client is the rate-limited platform transport.
type Client struct {
	base          string
	http          *http.Client
	stream        *http.Client // no overall timeout, media reads take minutes
	limiter       *rate.Limiter
	jitter        time.Duration
	retries       int
	backoff       time.Duration
	maxBackoff    time.Duration
	retryAfterCap time.Duration
	referer       string
	ua            *uaRotator
	breaker       *resilience.CircuitBreaker
	cookie        func() string
	rnd           *rand.Rand
	mu            sync.Mutex
}

// Options configures the client behavior.
type Options struct {
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration
	RequestInterval       time.Duration // token bucket refill interval, burst 1
	RequestJitter         time.Duration // extra uniform delay in [0, jitter)
	Retries               int           // retries after the first attempt; negative disables
	BackoffBase           time.Duration
	BackoffMax            time.Duration
	RetryAfterCap         time.Duration // clamp for server-issued Retry-After
	Referer               string
	UserAgents            []string
	UARotateEvery         int
	UARotateInterval      time.Duration
	Breaker               *resilience.CircuitBreaker
	CookieProvider        func() string     // returns the Cookie header value, "" for none
	Transport             http.RoundTripper // overrides the default transport (tests)
}

const (
	defaultTimeout       = 30 * time.Second
	defaultHeaderTimeout = 15 * time.Second
	defaultInterval      = 1500 * time.Millisecond
	defaultRetries       = 3
	defaultBackoff       = 2 * time.Second
	defaultMaxBackoff    = 60 * time.Second
	defaultRetryAfterCap = 60 * time.Second
	defaultReferer       = "https://www.bilibili.com"
)

// New creates a client for the given base URL.
func New(base string, opts Options) *Client {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	nopts := normalizeOptions(opts)

	transport := nopts.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: nopts.ResponseHeaderTimeout,
			TLSHandshakeTimeout:   5 * time.Second,
		}
	}
	return &Client{
		base:          trimmed,
		http:          &http.Client{Timeout: nopts.Timeout, Transport: transport},
		stream:        &http.Client{Transport: transport},
		limiter:       rate.NewLimiter(rate.Every(nopts.RequestInterval), 1),
		jitter:        nopts.RequestJitter,
		retries:       nopts.Retries,
		backoff:       nopts.BackoffBase,
		maxBackoff:    nopts.BackoffMax,
		retryAfterCap: nopts.RetryAfterCap,
		referer:       nopts.Referer,
		ua:            newUARotator(nopts.UserAgents, nopts.UARotateEvery, nopts.UARotateInterval),
		breaker:       nopts.Breaker,
		cookie:        nopts.CookieProvider,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ResponseHeaderTimeout <= 0 {
		opts.ResponseHeaderTimeout = defaultHeaderTimeout
	}
	if opts.RequestInterval <= 0 {
		opts.RequestInterval = defaultInterval
	}
	if opts.RequestJitter < 0 {
		opts.RequestJitter = 0
	}
	if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoff
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultMaxBackoff
	}
	if opts.RetryAfterCap <= 0 {
		opts.RetryAfterCap = defaultRetryAfterCap
	}
	if strings.TrimSpace(opts.Referer) == "" {
		opts.Referer = defaultReferer
	}
	return opts
}

// Base returns the configured base URL without a trailing slash.
func (c *Client) Base() string {
	return c.base
}

// envelope is the platform's standard response wrapper.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// GetJSON performs a rate-limited GET against an API path and decodes the
// envelope payload into v. Envelope codes are classified into the sentinel
// errors; retryable classes are retried with capped exponential backoff.
func (c *Client) GetJSON(ctx context.Context, op, path string, params url.Values, v any) error {
	rawURL, err := c.buildURL(path, params)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	tracer := telemetry.Tracer(tracerName)
	route := routeLabel(rawURL)
	ctx, span := tracer.Start(ctx, "vidharvest.client.request", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.method", http.MethodGet),
		attribute.String("http.route", route),
	)
	defer span.End()

	maxAttempts := c.retries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.retryWait(lastErr, attempt-2)
			metrics.RecordRetry()
			log.FromContext(ctx).Debug().
				Str("op", op).Int("attempt", attempt).Dur("wait", wait).
				Msg("retrying request")
			if err := sleepWithContext(ctx, wait); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
		}

		err := c.attemptJSON(ctx, tracer, op, route, rawURL, attempt, v)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return nil
		}
		lastErr = err
		if !Retryable(err) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return lastErr
}

// Stream performs a rate-limited GET expected to return a large body. When
// offset is positive a Range header is sent and 206 is the success status.
// The caller owns the returned response body.
func (c *Client) Stream(ctx context.Context, op, rawURL string, offset int64) (*http.Response, error) {
	tracer := telemetry.Tracer(tracerName)
	route := routeLabel(rawURL)
	ctx, span := tracer.Start(ctx, "vidharvest.client.stream", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.route", route),
		attribute.Int64("range.offset", offset),
	)
	defer span.End()

	var extra http.Header
	if offset > 0 {
		extra = http.Header{"Range": []string{fmt.Sprintf("bytes=%d-", offset)}}
	}

	maxAttempts := c.retries + 1
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.retryWait(lastErr, attempt-2)
			metrics.RecordRetry()
			log.FromContext(ctx).Debug().
				Str("op", op).Int("attempt", attempt).Dur("wait", wait).
				Msg("retrying stream request")
			if err := sleepWithContext(ctx, wait); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
		}

		resp, err := c.roundTrip(ctx, tracer, op, route, rawURL, attempt, extra, c.stream)
		if err == nil {
			c.observe(nil)
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}
		c.observe(err)
		lastErr = err
		if !Retryable(err) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func (c *Client) attemptJSON(ctx context.Context, tracer trace.Tracer, op, route, rawURL string, attempt int, v any) error {
	resp, err := c.roundTrip(ctx, tracer, op, route, rawURL, attempt, nil, c.http)
	if err != nil {
		c.observe(err)
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	var env envelope
	if derr := json.NewDecoder(resp.Body).Decode(&env); derr != nil {
		apiErr := &APIError{Sentinel: ErrBadResponse, Operation: op, Status: resp.StatusCode, Err: derr}
		c.observe(apiErr)
		return apiErr
	}
	if env.Code != 0 {
		apiErr := &APIError{
			Sentinel:  classifyCode(env.Code),
			Operation: op,
			Status:    resp.StatusCode,
			Code:      env.Code,
			Message:   env.Message,
		}
		c.observe(apiErr)
		return apiErr
	}
	if v != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if derr := json.Unmarshal(env.Data, v); derr != nil {
			apiErr := &APIError{Sentinel: ErrBadResponse, Operation: op, Status: resp.StatusCode, Err: derr}
			c.observe(apiErr)
			return apiErr
		}
	}
	c.observe(nil)
	return nil
}

// roundTrip performs one rate-limited attempt. It returns the response only
// for 200/206; any other outcome comes back as a classified *APIError with
// the body already closed.
func (c *Client) roundTrip(ctx context.Context, tracer trace.Tracer, op, route, rawURL string, attempt int, extra http.Header, hc *http.Client) (*http.Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, &APIError{Sentinel: resilience.ErrCircuitOpen, Operation: op}
	}
	if err := c.waitTurn(ctx); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "vidharvest.client.request.attempt", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", http.MethodGet),
		attribute.String("http.route", route),
		attribute.Int("attempt", attempt),
		attribute.Bool("retry", attempt > 1),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &APIError{Sentinel: ErrRejected, Operation: op, Err: err}
	}
	c.applyHeaders(req)
	for k, vals := range extra {
		req.Header[k] = vals
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := hc.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &APIError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent {
		span.SetStatus(codes.Ok, "")
		return resp, nil
	}

	apiErr := &APIError{Sentinel: classifyStatus(resp.StatusCode), Operation: op, Status: resp.StatusCode}
	if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
		apiErr.RetryAfter = ra
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	return nil, apiErr
}

// waitTurn blocks until the token bucket and jitter both allow the request.
func (c *Client) waitTurn(ctx context.Context) error {
	r := c.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate limiter rejected reservation")
	}
	if delay := r.Delay(); delay > 0 {
		metrics.RecordRateLimitWait()
		if err := sleepWithContext(ctx, delay); err != nil {
			r.Cancel()
			return err
		}
	}
	if c.jitter > 0 {
		if j := time.Duration(c.randInt63n(int64(c.jitter))); j > 0 {
			if err := sleepWithContext(ctx, j); err != nil {
				return err
			}
		}
	}
	return nil
}

// observe records one attempt outcome into metrics and the breaker window.
// Fail-fast rejections and context aborts never produced a request, so they
// are not samples.
func (c *Client) observe(err error) {
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) ||
			errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) {
			return
		}
	}
	metrics.RecordRequest(outcomeLabel(err))
	if c.breaker != nil {
		c.breaker.Record(healthFailure(err))
	}
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.ua.Current())
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", c.referer)
	if c.cookie != nil {
		if v := c.cookie(); v != "" {
			req.Header.Set("Cookie", v)
		}
	}
}

// retryWait prefers a server-issued Retry-After (clamped) over computed
// backoff. exp is the zero-based retry index.
func (c *Client) retryWait(lastErr error, exp int) time.Duration {
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
		wait := apiErr.RetryAfter
		if wait > c.retryAfterCap {
			wait = c.retryAfterCap
		}
		return wait
	}
	return c.backoffFor(exp)
}

func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.backoff * time.Duration(1<<attempt)
	if wait > c.maxBackoff || wait <= 0 {
		wait = c.maxBackoff
	}
	jitter := time.Duration(c.randInt63n(int64(wait/5 + 1)))
	return wait + jitter
}

func (c *Client) randInt63n(n int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Int63n(n)
}

func (c *Client) buildURL(path string, params url.Values) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// routeLabel strips query strings so trace attributes never leak keywords
// or credentials.
func routeLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
