// Package client provides the retrying HTTP layer shared by all sources:
// rate limit gating, credential attachment with automatic re-auth on 401,
// and exponential backoff on transient failures.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/datalift/ingest/pkg/auth"
	"github.com/datalift/ingest/pkg/logging"
	"github.com/datalift/ingest/pkg/ratelimit"
)

// Prometheus metrics for outbound requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_requests_total",
		Help: "Total outbound requests by source and status",
	}, []string{"source", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_request_duration_seconds",
		Help:    "Outbound request duration in seconds by source",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"source"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_errors_total",
		Help: "Total outbound request errors by source and class",
	}, []string{"source", "class"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retries_total",
		Help: "Total retry attempts by source and error class",
	}, []string{"source", "error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_retry_exhausted_total",
		Help: "Total requests that exhausted their retry budget by source",
	}, []string{"source", "error_class"})
)

// maxErrorBodyBytes bounds how much of an error response is kept for reports.
const maxErrorBodyBytes = 2048

// Config holds the client configuration for one source.
type Config struct {
	// Source is the source identifier, used for logging and metrics labels.
	Source string

	// Provider supplies and attaches credentials.
	Provider auth.Provider

	// Limiter gates every outbound request.
	Limiter *ratelimit.Limiter

	// Retry is the backoff schedule for transient failures.
	Retry RetryConfig

	// Timeout applies per HTTP attempt, not per run.
	Timeout time.Duration

	// HTTPClient overrides the underlying transport (tests).
	HTTPClient *http.Client
}

// Client wraps outbound HTTP calls for one source.
type Client struct {
	httpClient *http.Client
	provider   auth.Provider
	limiter    *ratelimit.Limiter
	retry      RetryConfig
	source     string
	logger     zerolog.Logger
}

// New creates a client for one source.
func New(cfg Config) (*Client, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("credential provider is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		provider:   cfg.Provider,
		limiter:    cfg.Limiter,
		retry:      cfg.Retry.withDefaults(),
		source:     cfg.Source,
		logger:     logging.NewLogger("client").With().Str("source", cfg.Source).Logger(),
	}, nil
}

// Do performs an HTTP request with rate limiting, credential attachment, and
// retry. The request must have a nil or rewindable body; every attempt works
// on a fresh clone. On success the caller owns the response body.
//
// A 401 triggers one credential invalidation and re-attempt without consuming
// retry budget; 429 and 5xx and network errors retry with backoff (429 honors
// Retry-After); other 4xx fail immediately.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	var (
		lastStatus int
		lastBody   string
		lastClass  ErrorClass
		lastErr    error
		reauthed   bool
	)

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		cred, err := c.provider.Credential(ctx)
		if err != nil {
			// AuthError is never retried here; propagation is the
			// caller's decision.
			return nil, err
		}

		r := req.Clone(ctx)
		r.Header.Set("Accept", "application/json")
		c.provider.Apply(r, cred)

		start := time.Now()
		resp, err := c.httpClient.Do(r)
		elapsed := time.Since(start)
		requestDuration.WithLabelValues(c.source).Observe(elapsed.Seconds())

		if err != nil {
			lastStatus, lastBody, lastClass, lastErr = 0, "", ErrorClassNetwork, err
			errorsTotal.WithLabelValues(c.source, string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(c.source, "network_error").Inc()

			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("duration", elapsed).
				Msg("Request failed")

			if attempt < c.retry.MaxAttempts {
				if err := c.wait(ctx, attempt, c.retry.backoffFor(attempt), ErrorClassNetwork); err != nil {
					return nil, err
				}
			}
			continue
		}

		status := resp.StatusCode
		requestsTotal.WithLabelValues(c.source, fmt.Sprintf("%d", status)).Inc()

		c.logger.Debug().
			Int("attempt", attempt).
			Int("status", status).
			Dur("duration", elapsed).
			Str("endpoint", r.URL.Path).
			Msg("Request attempt completed")

		if status < 400 {
			return resp, nil
		}

		class := classifyStatus(status)
		body := drainBody(resp)
		errorsTotal.WithLabelValues(c.source, string(class)).Inc()

		if status == http.StatusUnauthorized && !reauthed {
			// One fresh credential per request; the re-attempt does not
			// consume retry budget.
			reauthed = true
			attempt--
			c.provider.Invalidate()
			c.logger.Info().Msg("Received 401, refreshing credential")
			continue
		}

		if !shouldRetry(class) {
			return nil, &APIError{Status: status, Body: body, Attempts: attempt, Class: class}
		}

		lastStatus, lastBody, lastClass, lastErr = status, body, class, nil

		if attempt < c.retry.MaxAttempts {
			delay := c.retry.backoffFor(attempt)
			if class == ErrorClassRateLimit {
				if after, ok := parseRetryAfter(resp); ok {
					delay = after
				}
			}
			if err := c.wait(ctx, attempt, delay, class); err != nil {
				return nil, err
			}
		}
	}

	retryExhaustedTotal.WithLabelValues(c.source, string(lastClass)).Inc()
	c.logger.Warn().
		Int("max_attempts", c.retry.MaxAttempts).
		Int("status", lastStatus).
		Str("error_class", string(lastClass)).
		Msg("Retry attempts exhausted")

	err := lastErr
	if err == nil {
		err = ErrRetryExhausted
	} else {
		err = fmt.Errorf("%w: %v", ErrRetryExhausted, err)
	}
	return nil, &APIError{
		Status:   lastStatus,
		Body:     lastBody,
		Attempts: c.retry.MaxAttempts,
		Class:    lastClass,
		Err:      err,
	}
}

// GetJSON performs a GET request and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", req.URL.Path, err)
	}
	return nil
}

// wait sleeps for the backoff delay, honoring context cancellation.
func (c *Client) wait(ctx context.Context, attempt int, delay time.Duration, class ErrorClass) error {
	retriesTotal.WithLabelValues(c.source, string(class)).Inc()

	c.logger.Warn().
		Int("attempt", attempt).
		Dur("backoff", delay).
		Str("error_class", string(class)).
		Msg("Retrying request after backoff")

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-time.After(delay):
		return nil
	}
}

// drainBody reads a bounded error body snippet and closes the response.
func drainBody(resp *http.Response) string {
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return string(data)
}
