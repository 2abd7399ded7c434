package transform

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/datalift/ingest/pkg/fetch"
	"github.com/datalift/ingest/pkg/logging"
)

var (
	recordsValidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_valid_total",
		Help: "Total records that passed validation by source",
	}, []string{"source"})

	recordsInvalidTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_invalid_total",
		Help: "Total records routed to the invalid set by source",
	}, []string{"source"})

	recordsDedupedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_records_deduped_total",
		Help: "Total records dropped as duplicates by source",
	}, []string{"source"})
)

// Record is a flattened, validated record ready for staging.
type Record struct {
	Source    string
	Fields    map[string]any
	FetchedAt time.Time
}

// InvalidRecord retains a rejected record with its failure reasons. Invalid
// records are reported, never silently dropped.
type InvalidRecord struct {
	Source  string
	Fields  map[string]any
	Reasons []string
}

// Config holds the per-source transformation rules.
type Config struct {
	// Source is the source identifier for logging and metrics.
	Source string

	// RequiredFields must be present and non-null after flattening.
	RequiredFields []string

	// TimestampFields are coerced to RFC 3339 in UTC after flattening.
	// An unparseable value becomes null.
	TimestampFields []string

	// DedupeKey is the primary key field for in-batch deduplication.
	// Empty disables deduplication.
	DedupeKey string

	// VersionField orders duplicate records; the greatest value wins.
	VersionField string

	// Flatten controls nested-object flattening.
	Flatten FlattenConfig
}

// Transformer applies flatten, validate, and dedupe to one source's records.
type Transformer struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a transformer for one source.
func New(cfg Config) (*Transformer, error) {
	if cfg.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	return &Transformer{
		cfg:    cfg,
		logger: logging.NewLogger("transform").With().Str("source", cfg.Source).Logger(),
	}, nil
}

// Process flattens, validates, and deduplicates raw records. Valid records
// come back in input order (a deduplicated record keeps the position of its
// first occurrence). Process never returns an error: bad records land in the
// invalid set with a reason.
//
// Deduplication keeps the record with the greatest version field value per
// key; ties go to the record seen last. A null version field always loses —
// the in-batch dedupe is a pre-filter, the warehouse re-applies the
// authoritative one.
func (t *Transformer) Process(records []fetch.RawRecord) ([]Record, []InvalidRecord) {
	start := time.Now()

	valid := make([]Record, 0, len(records))
	var invalid []InvalidRecord
	deduped := 0

	// Position of each dedupe key in valid, for in-place replacement.
	byKey := make(map[string]int)

	for _, raw := range records {
		fields := Flatten(raw.Fields, t.cfg.Flatten)

		for _, field := range t.cfg.TimestampFields {
			if _, ok := fields[field]; ok {
				fields[field] = normalizeTimestamp(fields[field])
			}
		}

		if reasons := t.validate(fields); len(reasons) > 0 {
			t.logger.Debug().
				Strs("reasons", reasons).
				Str("page_cursor", raw.PageCursor).
				Msg("Record rejected")
			invalid = append(invalid, InvalidRecord{
				Source:  raw.Source,
				Fields:  fields,
				Reasons: reasons,
			})
			continue
		}

		rec := Record{Source: raw.Source, Fields: fields, FetchedAt: raw.FetchedAt}

		if t.cfg.DedupeKey == "" {
			valid = append(valid, rec)
			continue
		}

		key := fmt.Sprint(fields[t.cfg.DedupeKey])
		idx, seen := byKey[key]
		if !seen {
			byKey[key] = len(valid)
			valid = append(valid, rec)
			continue
		}

		deduped++
		prev := valid[idx].Fields[t.cfg.VersionField]
		next := fields[t.cfg.VersionField]
		if compareVersions(next, prev) >= 0 {
			valid[idx] = rec
		}
	}

	recordsValidTotal.WithLabelValues(t.cfg.Source).Add(float64(len(valid)))
	recordsInvalidTotal.WithLabelValues(t.cfg.Source).Add(float64(len(invalid)))
	recordsDedupedTotal.WithLabelValues(t.cfg.Source).Add(float64(deduped))

	t.logger.Info().
		Str("step", "transform").
		Int("row_count", len(valid)).
		Int("invalid_count", len(invalid)).
		Int("deduped_count", deduped).
		Dur("duration", time.Since(start)).
		Msg("Transformation complete")

	return valid, invalid
}

// validate returns the reasons a flattened record is invalid, or nil.
func (t *Transformer) validate(fields map[string]any) []string {
	var reasons []string

	for _, field := range t.cfg.RequiredFields {
		value, ok := fields[field]
		if !ok {
			reasons = append(reasons, fmt.Sprintf("missing required field %q", field))
			continue
		}
		if value == nil {
			reasons = append(reasons, fmt.Sprintf("required field %q is null", field))
		}
	}

	if t.cfg.DedupeKey != "" {
		if value, ok := fields[t.cfg.DedupeKey]; !ok || value == nil {
			reasons = append(reasons, fmt.Sprintf("null primary key %q", t.cfg.DedupeKey))
		}
	}

	return reasons
}

// compareVersions orders two version field values: -1, 0, or 1. A nil version
// sorts below everything (and below another nil, so late nulls still lose).
// Numeric values compare numerically, everything else by string form — ISO
// 8601 timestamps order correctly that way.
func compareVersions(a, b any) int {
	if a == nil && b == nil {
		return -1
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
