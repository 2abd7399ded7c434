// Package runner coordinates one ingestion run per source: fetch, transform,
// write, report. Sources are independent; RunAll executes them in parallel
// with no shared mutable state.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/datalift/ingest/pkg/fetch"
	"github.com/datalift/ingest/pkg/logging"
	"github.com/datalift/ingest/pkg/stage"
	"github.com/datalift/ingest/pkg/transform"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_runs_total",
		Help: "Total ingestion runs by source and terminal state",
	}, []string{"source", "state"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_run_duration_seconds",
		Help:    "Ingestion run duration in seconds by source",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	}, []string{"source"})
)

// State is the run lifecycle position.
type State string

const (
	StateIdle         State = "idle"
	StateFetching     State = "fetching"
	StateTransforming State = "transforming"
	StateWriting      State = "writing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Stage names used in failure reports.
const (
	StageFetch     = "fetch"
	StageTransform = "transform"
	StageWrite     = "write"
)

// Notifier signals a downstream loader that a batch is fully committed.
// Responsibility ends at committed writes; load completion is not confirmed.
type Notifier interface {
	Notify(ctx context.Context, source, batchID string) error
}

// Timings records per-stage wall-clock durations for one run.
type Timings struct {
	Start     time.Time
	End       time.Time
	Fetch     time.Duration
	Transform time.Duration
	Write     time.Duration
}

// Report is the outcome of one run: terminal state, counts per stage, the
// committed part locations, and the terminal error if any. Counts reflect
// progress up to the failure point, so the caller can decide retry policy
// without re-deriving it from logs.
type Report struct {
	Source      string
	BatchID     string
	State       State
	FailedStage string
	Fetched     int
	Valid       int
	Invalid     int
	Written     int
	Locations   []stage.ObjectLocation
	Err         error
	Timings     Timings
}

// Config assembles the components for one source's run.
type Config struct {
	// Source is the source identifier.
	Source string

	// Since is an optional incremental watermark forwarded to the API.
	Since string

	// Fetcher produces the raw records.
	Fetcher fetch.Fetcher

	// Transformer flattens, validates, and deduplicates.
	Transformer *transform.Transformer

	// Writer commits validated records to object storage.
	Writer *stage.Writer

	// Notifier, when set, is called after a fully committed run.
	Notifier Notifier
}

// Run drives one source end to end. A Run executes once; the batch id is
// fixed at Execute time and never reused.
type Run struct {
	cfg   Config
	now   func() time.Time
	newID func() string
}

// New creates a run for one source.
func New(cfg Config) (*Run, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if cfg.Writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	return &Run{
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

// Execute drives the run through fetching, transforming, and writing, and
// returns the report. The partition is derived from the run's start instant
// (UTC); all records land in it regardless of their own event time. Any
// AuthError, APIError, PaginationError, or WriteError is terminal for this
// source only; per-record validation failures never abort the run.
func (r *Run) Execute(ctx context.Context) Report {
	start := r.now()
	batchID := r.newID()
	partition := stage.NewPartitionKey(r.cfg.Source, start)
	logger := logging.RunLogger(r.cfg.Source, batchID)

	report := Report{
		Source:  r.cfg.Source,
		BatchID: batchID,
		State:   StateIdle,
		Timings: Timings{Start: start},
	}

	logger.Info().
		Str("step", "start").
		Str("since", r.cfg.Since).
		Msg("Ingestion run started")

	// Fetching.
	report.State = StateFetching
	fetchStart := r.now()
	var raws []fetch.RawRecord
	err := r.cfg.Fetcher.FetchAll(ctx, r.cfg.Since, func(rec fetch.RawRecord) error {
		raws = append(raws, rec)
		return nil
	})
	report.Fetched = len(raws)
	report.Timings.Fetch = r.now().Sub(fetchStart)
	if err != nil {
		return r.fail(logger, report, StageFetch, err)
	}

	if err := ctx.Err(); err != nil {
		return r.fail(logger, report, StageFetch, err)
	}

	// Transforming. Never fails; bad records land in the invalid set.
	report.State = StateTransforming
	transformStart := r.now()
	valid, invalid := r.cfg.Transformer.Process(raws)
	report.Valid = len(valid)
	report.Invalid = len(invalid)
	report.Timings.Transform = r.now().Sub(transformStart)

	if err := ctx.Err(); err != nil {
		return r.fail(logger, report, StageTransform, err)
	}

	// Writing.
	report.State = StateWriting
	writeStart := r.now()
	locations, err := r.cfg.Writer.Write(ctx, batchID, partition, valid)
	report.Locations = locations
	for _, loc := range locations {
		report.Written += loc.Rows
	}
	report.Timings.Write = r.now().Sub(writeStart)
	if err != nil {
		return r.fail(logger, report, StageWrite, err)
	}

	report.State = StateCompleted
	report.Timings.End = r.now()
	r.observe(report)

	logger.Info().
		Str("step", "complete").
		Int("row_count", report.Written).
		Int("invalid_count", report.Invalid).
		Int("parts", len(report.Locations)).
		Dur("duration", report.Timings.End.Sub(report.Timings.Start)).
		Msg("Ingestion run completed")

	r.notify(ctx, logger, batchID)

	return report
}

// fail finalizes a report in the Failed state.
func (r *Run) fail(logger zerolog.Logger, report Report, stageName string, err error) Report {
	report.State = StateFailed
	report.FailedStage = stageName
	report.Err = err
	report.Timings.End = r.now()
	r.observe(report)

	logger.Error().
		Err(err).
		Str("step", stageName).
		Int("fetched", report.Fetched).
		Int("valid", report.Valid).
		Int("invalid", report.Invalid).
		Int("written", report.Written).
		Msg("Ingestion run failed")

	return report
}

func (r *Run) observe(report Report) {
	runsTotal.WithLabelValues(report.Source, string(report.State)).Inc()
	runDuration.WithLabelValues(report.Source).
		Observe(report.Timings.End.Sub(report.Timings.Start).Seconds())
}

// notify signals the downstream loader. Failure is logged, not fatal: the
// batch is already committed.
func (r *Run) notify(ctx context.Context, logger zerolog.Logger, batchID string) {
	if r.cfg.Notifier == nil {
		return
	}
	if err := r.cfg.Notifier.Notify(ctx, r.cfg.Source, batchID); err != nil {
		logger.Warn().
			Err(err).
			Str("step", "notify").
			Msg("Downstream notification failed")
	}
}

// RunAll executes independent sources in parallel, one goroutine per run,
// and returns the reports in input order.
func RunAll(ctx context.Context, runs []*Run) []Report {
	reports := make([]Report, len(runs))

	var wg sync.WaitGroup
	for i, run := range runs {
		wg.Add(1)
		go func(i int, run *Run) {
			defer wg.Done()
			reports[i] = run.Execute(ctx)
		}(i, run)
	}
	wg.Wait()

	return reports
}
