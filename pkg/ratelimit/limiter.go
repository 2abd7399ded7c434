// Package ratelimit bounds the outbound request rate per source. Every HTTP
// send acquires a slot first; Acquire blocks cooperatively until the token
// bucket admits the caller, so completed acquires stay at or below the
// configured requests-per-period budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/datalift/ingest/pkg/logging"
)

// Prometheus metrics for rate limit gating.
var (
	rateLimitAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_rate_limit_acquires_total",
		Help: "Total rate limit slots acquired by source",
	}, []string{"source"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a rate limit slot by source",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 60},
	}, []string{"source"})
)

// slowAcquireThreshold is the wait above which a warn event is logged.
const slowAcquireThreshold = 1 * time.Second

// Config holds rate limiter configuration for one source.
type Config struct {
	// Requests is the number of requests admitted per Period.
	Requests int

	// Period is the rolling window the Requests budget applies to.
	Period time.Duration

	// Burst is the bucket capacity. Zero defaults to Requests.
	Burst int
}

// DefaultConfig returns a conservative default of 60 requests per minute.
func DefaultConfig() Config {
	return Config{
		Requests: 60,
		Period:   time.Minute,
	}
}

// Limiter gates outbound requests for one source. It is race-safe: multiple
// fetch loops for the same source may share one Limiter.
type Limiter struct {
	source  string
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewLimiter creates a limiter for a source.
func NewLimiter(source string, cfg Config) (*Limiter, error) {
	if cfg.Requests <= 0 {
		return nil, fmt.Errorf("rate limit requests must be positive (got %d)", cfg.Requests)
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("rate limit period must be positive (got %v)", cfg.Period)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Requests
	}

	perSecond := rate.Limit(float64(cfg.Requests) / cfg.Period.Seconds())

	return &Limiter{
		source:  source,
		limiter: rate.NewLimiter(perSecond, burst),
		logger:  logging.NewLogger("ratelimit"),
	}, nil
}

// Acquire blocks until a request slot is available or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	waited := time.Since(start)
	rateLimitAcquiresTotal.WithLabelValues(l.source).Inc()
	rateLimitWaitSeconds.WithLabelValues(l.source).Observe(waited.Seconds())

	if waited > slowAcquireThreshold {
		l.logger.Warn().
			Str("source", l.source).
			Dur("wait_duration", waited).
			Msg("Rate limit wait exceeded threshold")
	}

	return nil
}
