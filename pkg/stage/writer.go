package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/datalift/ingest/pkg/logging"
	"github.com/datalift/ingest/pkg/transform"
)

var (
	partsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_parts_written_total",
		Help: "Total part files committed by source",
	}, []string{"source"})

	rowsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_rows_written_total",
		Help: "Total rows committed to object storage by source",
	}, []string{"source"})

	bytesWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_bytes_written_total",
		Help: "Total bytes committed to object storage by source",
	}, []string{"source"})

	writeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_write_errors_total",
		Help: "Total object store commit failures by source",
	}, []string{"source"})
)

// DefaultRowsPerPart is the row threshold at which a batch splits into the
// next part file.
const DefaultRowsPerPart = 5000

// WriterConfig holds the staging configuration for one source.
type WriterConfig struct {
	// Source is the source identifier for logging and metrics.
	Source string

	// Prefix is an optional key prefix prepended to the partition path.
	Prefix string

	// RowsPerPart is the per-file row threshold.
	RowsPerPart int
}

// ObjectLocation describes one committed part file.
type ObjectLocation struct {
	Key   string
	Rows  int
	Bytes int
}

// Writer commits validated records as partitioned JSONL part files.
type Writer struct {
	store  ObjectStore
	cfg    WriterConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewWriter creates a writer for one source.
func NewWriter(store ObjectStore, cfg WriterConfig) (*Writer, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.RowsPerPart <= 0 {
		cfg.RowsPerPart = DefaultRowsPerPart
	}
	return &Writer{
		store:  store,
		cfg:    cfg,
		logger: logging.NewLogger("stage").With().Str("source", cfg.Source).Logger(),
		now:    time.Now,
	}, nil
}

// Write serializes records as one self-contained JSON object per line,
// splits at the row threshold into monotonically numbered part files, and
// commits each part as a single atomic put. Every line carries _batch_id,
// _source, and _extracted_at alongside the record's own fields.
//
// On failure Write returns the locations committed so far plus a
// *WriteError; the failed part is not visible at its key. Nothing is
// written for an empty record set.
func (w *Writer) Write(ctx context.Context, batchID string, key PartitionKey, records []transform.Record) ([]ObjectLocation, error) {
	start := w.now()
	extractedAt := start.UTC().Format(time.RFC3339)

	var locations []ObjectLocation

	for offset := 0; offset < len(records); offset += w.cfg.RowsPerPart {
		end := offset + w.cfg.RowsPerPart
		if end > len(records) {
			end = len(records)
		}

		part := len(locations) + 1
		partKey := key.PartKey(batchID, part)
		if w.cfg.Prefix != "" {
			partKey = strings.TrimRight(w.cfg.Prefix, "/") + "/" + partKey
		}

		data, err := encodeLines(batchID, w.cfg.Source, extractedAt, records[offset:end])
		if err != nil {
			writeErrorsTotal.WithLabelValues(w.cfg.Source).Inc()
			return locations, &WriteError{Source: w.cfg.Source, Key: partKey, Part: part, Err: err}
		}

		if err := w.store.Put(ctx, partKey, data); err != nil {
			writeErrorsTotal.WithLabelValues(w.cfg.Source).Inc()
			w.logger.Error().
				Err(err).
				Str("batch_id", batchID).
				Str("path", partKey).
				Msg("Part commit failed")
			return locations, &WriteError{Source: w.cfg.Source, Key: partKey, Part: part, Err: err}
		}

		rows := end - offset
		locations = append(locations, ObjectLocation{Key: partKey, Rows: rows, Bytes: len(data)})

		partsWrittenTotal.WithLabelValues(w.cfg.Source).Inc()
		rowsWrittenTotal.WithLabelValues(w.cfg.Source).Add(float64(rows))
		bytesWrittenTotal.WithLabelValues(w.cfg.Source).Add(float64(len(data)))

		w.logger.Debug().
			Str("batch_id", batchID).
			Str("path", partKey).
			Int("row_count", rows).
			Int("bytes", len(data)).
			Msg("Part committed")
	}

	total := 0
	for _, loc := range locations {
		total += loc.Rows
	}

	w.logger.Info().
		Str("step", "write").
		Str("batch_id", batchID).
		Int("row_count", total).
		Int("parts", len(locations)).
		Dur("duration", w.now().Sub(start)).
		Msg("Batch committed")

	return locations, nil
}

// encodeLines builds the JSONL payload for one part.
func encodeLines(batchID, source, extractedAt string, records []transform.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, rec := range records {
		line := make(map[string]any, len(rec.Fields)+3)
		for k, v := range rec.Fields {
			line[k] = v
		}
		line["_batch_id"] = batchID
		line["_source"] = source
		line["_extracted_at"] = extractedAt

		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
	}
	return buf.Bytes(), nil
}
