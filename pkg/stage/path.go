// Package stage commits validated records to object storage as partitioned
// JSONL batches. Each part file is a single atomic, write-once put under
// source=<source>/dt=YYYY-MM-DD/hour=HH/batch_id=<id>/part-NNNN.jsonl.
package stage

import (
	"fmt"
	"time"
)

// PartitionKey locates one run's output: source plus the UTC calendar day
// and hour of the run's start. All records of one run land in one partition
// regardless of their own event time.
type PartitionKey struct {
	Source string
	Date   string // YYYY-MM-DD
	Hour   int    // 0-23
}

// NewPartitionKey derives the partition for a run started at the given
// instant, in UTC.
func NewPartitionKey(source string, start time.Time) PartitionKey {
	start = start.UTC()
	return PartitionKey{
		Source: source,
		Date:   start.Format("2006-01-02"),
		Hour:   start.Hour(),
	}
}

// Prefix returns the object key prefix for one batch within the partition.
func (k PartitionKey) Prefix(batchID string) string {
	return fmt.Sprintf("source=%s/dt=%s/hour=%02d/batch_id=%s", k.Source, k.Date, k.Hour, batchID)
}

// PartKey returns the full object key for one part file. Parts are numbered
// from 1.
func (k PartitionKey) PartKey(batchID string, part int) string {
	return fmt.Sprintf("%s/part-%04d.jsonl", k.Prefix(batchID), part)
}
