// Package metrics provides the centralized Prometheus metrics reference for
// the ingestion engine. All metrics are defined in their respective packages
// (client, ratelimit, transform, stage, runner) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registerer used by the engine.
// All metrics are automatically registered via promauto in their respective
// packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - ingest_requests_total{source, status} (Counter): Total outbound requests by source and HTTP status
//   - ingest_request_duration_seconds{source} (Histogram): Outbound request duration by source
//   - ingest_errors_total{source, class} (Counter): Errors by class (client, server, rate_limit, auth, network)
//   - ingest_retries_total{source, error_class} (Counter): Retry attempts by error class
//   - ingest_retry_exhausted_total{source, error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - ingest_rate_limit_acquires_total{source} (Counter): Rate limit slot acquisitions
//   - ingest_rate_limit_wait_seconds{source} (Histogram): Time spent waiting for a slot
//
// Transform Metrics (pkg/transform):
//   - ingest_records_valid_total{source} (Counter): Records that passed validation
//   - ingest_records_invalid_total{source} (Counter): Records routed to the invalid set
//   - ingest_records_deduped_total{source} (Counter): Records dropped as duplicates
//
// Staging Metrics (pkg/stage):
//   - ingest_parts_written_total{source} (Counter): Part files committed
//   - ingest_rows_written_total{source} (Counter): Rows committed to object storage
//   - ingest_bytes_written_total{source} (Counter): Bytes committed to object storage
//   - ingest_write_errors_total{source} (Counter): Object store commit failures
//
// Run Metrics (pkg/runner):
//   - ingest_runs_total{source, state} (Counter): Runs by terminal state (completed, failed)
//   - ingest_run_duration_seconds{source} (Histogram): Run duration by source
//
// Example Prometheus Queries:
//
//   # Request Error Rate
//   rate(ingest_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(ingest_request_duration_seconds_bucket[5m]))
//
//   # Invalid Record Ratio
//   sum(rate(ingest_records_invalid_total[1h])) /
//   (sum(rate(ingest_records_valid_total[1h])) + sum(rate(ingest_records_invalid_total[1h])))
//
//   # Failed Runs
//   increase(ingest_runs_total{state="failed"}[1d])
