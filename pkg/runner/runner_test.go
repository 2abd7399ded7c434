package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/datalift/ingest/internal/testutil"
	"github.com/datalift/ingest/pkg/auth"
	"github.com/datalift/ingest/pkg/client"
	"github.com/datalift/ingest/pkg/fetch"
	"github.com/datalift/ingest/pkg/ratelimit"
	"github.com/datalift/ingest/pkg/stage"
	"github.com/datalift/ingest/pkg/transform"
)

// buildRun wires a full offset-paginated source against the mock API with an
// in-memory object store.
func buildRun(t *testing.T, mock *testutil.MockAPI, source string, store stage.ObjectStore, rowsPerPart int, notifier Notifier) *Run {
	t.Helper()

	provider, err := auth.NewAPIKeyProvider("test-key", "", auth.SchemeAPIKeyHeader)
	if err != nil {
		t.Fatalf("NewAPIKeyProvider failed: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(source, ratelimit.Config{Requests: 10000, Period: time.Second})
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	c, err := client.New(client.Config{
		Source:   source,
		Provider: provider,
		Limiter:  limiter,
		Retry: client.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}

	fetcher, err := fetch.NewOffsetFetcher(c, fetch.Config{
		Source:   source,
		BaseURL:  mock.URL(),
		Endpoint: "/v1/" + source,
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("NewOffsetFetcher failed: %v", err)
	}

	transformer, err := transform.New(transform.Config{
		Source:         source,
		RequiredFields: []string{"id"},
		DedupeKey:      "id",
		VersionField:   "updated_at",
	})
	if err != nil {
		t.Fatalf("transform.New failed: %v", err)
	}

	writer, err := stage.NewWriter(store, stage.WriterConfig{Source: source, RowsPerPart: rowsPerPart})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	run, err := New(Config{
		Source:      source,
		Fetcher:     fetcher,
		Transformer: transformer,
		Writer:      writer,
		Notifier:    notifier,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return run
}

type recordingNotifier struct {
	mu      sync.Mutex
	calls   []string
	failErr error
}

func (n *recordingNotifier) Notify(ctx context.Context, source, batchID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, source+"/"+batchID)
	return n.failErr
}

// Three pages of two records each, one id duplicated across pages with a
// newer updated_at, so five distinct records survive deduplication.
func sixRecordsOneDup() []map[string]any {
	return []map[string]any{
		{"id": "r1", "updated_at": "2026-08-01T00:00:00Z"},
		{"id": "r2", "updated_at": "2026-08-01T00:00:00Z"},
		{"id": "r3", "updated_at": "2026-08-01T00:00:00Z"},
		{"id": "r1", "updated_at": "2026-08-02T00:00:00Z"},
		{"id": "r4", "updated_at": "2026-08-01T00:00:00Z"},
		{"id": "r5", "updated_at": "2026-08-01T00:00:00Z"},
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.ServeOffsetPages("/v1/orders", sixRecordsOneDup())

	store := stage.NewMemoryStore()
	notifier := &recordingNotifier{}
	run := buildRun(t, mock, "orders", store, 100, notifier)

	report := run.Execute(context.Background())

	if report.State != StateCompleted {
		t.Fatalf("expected completed run, got %s (%v)", report.State, report.Err)
	}
	if report.Fetched != 6 || report.Valid != 5 || report.Invalid != 0 || report.Written != 5 {
		t.Errorf("unexpected counts: fetched=%d valid=%d invalid=%d written=%d",
			report.Fetched, report.Valid, report.Invalid, report.Written)
	}
	if report.BatchID == "" {
		t.Error("expected a batch id")
	}
	if len(report.Locations) != 1 {
		t.Fatalf("expected 1 part, got %d", len(report.Locations))
	}

	// The duplicate kept the newer version.
	data, ok := store.Get(report.Locations[0].Key)
	if !ok {
		t.Fatalf("no object at %s", report.Locations[0].Key)
	}
	lines := bytes.Split(bytes.TrimSpace(data), []byte("\n"))
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("invalid JSONL line: %v", err)
		}
		if rec["_batch_id"] != report.BatchID {
			t.Errorf("expected _batch_id %s, got %v", report.BatchID, rec["_batch_id"])
		}
		if rec["id"] == "r1" && rec["updated_at"] != "2026-08-02T00:00:00Z" {
			t.Errorf("expected deduplicated r1 to keep newest version, got %v", rec["updated_at"])
		}
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) != 1 || notifier.calls[0] != "orders/"+report.BatchID {
		t.Errorf("expected one notification for the batch, got %v", notifier.calls)
	}
}

func TestExecutePartSplitting(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.ServeOffsetPages("/v1/orders", sixRecordsOneDup())

	store := stage.NewMemoryStore()
	run := buildRun(t, mock, "orders", store, 2, nil)

	report := run.Execute(context.Background())

	if report.State != StateCompleted {
		t.Fatalf("expected completed run, got %s (%v)", report.State, report.Err)
	}
	// 5 records at 2 rows per part: 3 part files, same batch id prefix.
	if len(report.Locations) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(report.Locations))
	}
	if report.Written != 5 {
		t.Errorf("expected 5 written, got %d", report.Written)
	}
}

func TestExecuteFetchFailure(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetHandler("/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"denied"}`))
	})

	store := stage.NewMemoryStore()
	run := buildRun(t, mock, "orders", store, 100, nil)

	report := run.Execute(context.Background())

	if report.State != StateFailed {
		t.Fatalf("expected failed run, got %s", report.State)
	}
	if report.FailedStage != StageFetch {
		t.Errorf("expected failure in fetch, got %q", report.FailedStage)
	}
	var apiErr *client.APIError
	if !errors.As(report.Err, &apiErr) {
		t.Errorf("expected APIError, got %v", report.Err)
	}
	if store.Len() != 0 {
		t.Errorf("expected nothing written, got %d objects", store.Len())
	}
}

func TestExecuteWriteFailureKeepsEarlierParts(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.ServeOffsetPages("/v1/orders", sixRecordsOneDup())

	store := stage.NewMemoryStore()
	notifier := &recordingNotifier{}
	run := buildRun(t, mock, "orders", store, 2, notifier)

	// Fix the batch id so the failing part key is known up front.
	run.newID = func() string { return "b-fixed" }
	start := time.Date(2026, 8, 28, 14, 0, 0, 0, time.UTC)
	run.now = func() time.Time { return start }

	partition := stage.NewPartitionKey("orders", start)
	store.FailKey(partition.PartKey("b-fixed", 2), errors.New("connection reset"))

	report := run.Execute(context.Background())

	if report.State != StateFailed || report.FailedStage != StageWrite {
		t.Fatalf("expected write failure, got %s/%s", report.State, report.FailedStage)
	}
	var writeErr *stage.WriteError
	if !errors.As(report.Err, &writeErr) {
		t.Fatalf("expected WriteError, got %v", report.Err)
	}

	// The first part stays committed and is reported; the run is not
	// partially reported as success and no notification goes out.
	if report.Written != 2 || len(report.Locations) != 1 {
		t.Errorf("expected 1 committed part with 2 rows, got written=%d parts=%d",
			report.Written, len(report.Locations))
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 stored object, got %d", store.Len())
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) != 0 {
		t.Errorf("expected no notification after a failed run, got %v", notifier.calls)
	}
}

func TestExecuteNotifierFailureNotFatal(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.ServeOffsetPages("/v1/orders", sixRecordsOneDup())

	store := stage.NewMemoryStore()
	notifier := &recordingNotifier{failErr: errors.New("loader unavailable")}
	run := buildRun(t, mock, "orders", store, 100, notifier)

	report := run.Execute(context.Background())

	if report.State != StateCompleted {
		t.Errorf("expected completed run despite notifier failure, got %s (%v)", report.State, report.Err)
	}
}

func TestExecuteInvalidRecordsDoNotAbort(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.ServeOffsetPages("/v1/orders", []map[string]any{
		{"id": "r1", "updated_at": "t"},
		{"updated_at": "t"}, // missing id
		{"id": "r2", "updated_at": "t"},
	})

	store := stage.NewMemoryStore()
	run := buildRun(t, mock, "orders", store, 100, nil)

	report := run.Execute(context.Background())

	if report.State != StateCompleted {
		t.Fatalf("expected completed run, got %s (%v)", report.State, report.Err)
	}
	if report.Fetched != 3 || report.Valid != 2 || report.Invalid != 1 || report.Written != 2 {
		t.Errorf("unexpected counts: fetched=%d valid=%d invalid=%d written=%d",
			report.Fetched, report.Valid, report.Invalid, report.Written)
	}
}

func TestRunAllParallelSources(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	sources := []string{"orders", "customers", "invoices"}
	runs := make([]*Run, 0, len(sources))
	stores := make([]*stage.MemoryStore, 0, len(sources))
	for i, source := range sources {
		records := make([]map[string]any, 0, i+1)
		for j := 0; j <= i; j++ {
			records = append(records, map[string]any{
				"id":         fmt.Sprintf("%s-%d", source, j),
				"updated_at": "t",
			})
		}
		mock.ServeOffsetPages("/v1/"+source, records)

		store := stage.NewMemoryStore()
		stores = append(stores, store)
		runs = append(runs, buildRun(t, mock, source, store, 100, nil))
	}

	reports := RunAll(context.Background(), runs)

	if len(reports) != len(sources) {
		t.Fatalf("expected %d reports, got %d", len(sources), len(reports))
	}
	batchIDs := make(map[string]bool)
	for i, report := range reports {
		if report.Source != sources[i] {
			t.Errorf("report %d: expected source %s, got %s", i, sources[i], report.Source)
		}
		if report.State != StateCompleted {
			t.Errorf("source %s: expected completed, got %s (%v)", report.Source, report.State, report.Err)
		}
		if report.Written != i+1 {
			t.Errorf("source %s: expected %d written, got %d", report.Source, i+1, report.Written)
		}
		if batchIDs[report.BatchID] {
			t.Errorf("batch id %s reused across runs", report.BatchID)
		}
		batchIDs[report.BatchID] = true
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.ServeOffsetPages("/v1/orders", sixRecordsOneDup())

	store := stage.NewMemoryStore()
	run := buildRun(t, mock, "orders", store, 100, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := run.Execute(ctx)

	if report.State != StateFailed {
		t.Fatalf("expected failed run under cancelled context, got %s", report.State)
	}
	if store.Len() != 0 {
		t.Errorf("expected nothing written, got %d objects", store.Len())
	}
}
