package transform

import (
	"testing"

	"github.com/datalift/ingest/pkg/fetch"
)

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"rfc3339", "2026-08-28T14:30:00Z", "2026-08-28T14:30:00Z"},
		{"rfc3339 with offset", "2026-08-28T16:30:00+02:00", "2026-08-28T14:30:00Z"},
		{"rfc3339 fractional", "2026-08-28T14:30:00.123456Z", "2026-08-28T14:30:00Z"},
		{"naive datetime", "2026-08-28T14:30:00", "2026-08-28T14:30:00Z"},
		{"space separated", "2026-08-28 14:30:00", "2026-08-28T14:30:00Z"},
		{"date only", "2026-08-28", "2026-08-28T00:00:00Z"},
		{"slash date", "28/08/2026 14:30:00", "2026-08-28T14:30:00Z"},
		{"unix seconds", float64(1767225600), "2026-01-01T00:00:00Z"},
		{"unix milliseconds", float64(1767225600000), "2026-01-01T00:00:00Z"},
		{"unix int", 1767225600, "2026-01-01T00:00:00Z"},
		{"unparseable", "next tuesday", nil},
		{"wrong type", []any{"x"}, nil},
		{"null", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizeTimestamp(tt.in); got != tt.want {
				t.Errorf("normalizeTimestamp(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestProcessNormalizesTimestampFields(t *testing.T) {
	tr := newTransformer(t, Config{
		TimestampFields: []string{"created_at", "updated_at"},
	})

	valid, _ := tr.Process([]fetch.RawRecord{
		raw(map[string]any{
			"id":         "1",
			"created_at": "2026-08-28 09:00:00",
			"updated_at": float64(1767225600),
			"name":       "2026-08-28", // not a timestamp field, untouched
		}),
	})

	if len(valid) != 1 {
		t.Fatalf("expected 1 record, got %d", len(valid))
	}
	fields := valid[0].Fields
	if fields["created_at"] != "2026-08-28T09:00:00Z" {
		t.Errorf("created_at = %v", fields["created_at"])
	}
	if fields["updated_at"] != "2026-01-01T00:00:00Z" {
		t.Errorf("updated_at = %v", fields["updated_at"])
	}
	if fields["name"] != "2026-08-28" {
		t.Errorf("expected non-timestamp field untouched, got %v", fields["name"])
	}
}

func TestProcessUnparseableTimestampBecomesNull(t *testing.T) {
	tr := newTransformer(t, Config{
		TimestampFields: []string{"updated_at"},
	})

	valid, _ := tr.Process([]fetch.RawRecord{
		raw(map[string]any{"id": "1", "updated_at": "not-a-date"}),
	})

	if len(valid) != 1 {
		t.Fatalf("expected 1 record, got %d", len(valid))
	}
	if got := valid[0].Fields["updated_at"]; got != nil {
		t.Errorf("expected null for unparseable timestamp, got %v", got)
	}

	// A required timestamp field that fails to parse makes the record
	// invalid, since normalization runs before validation.
	tr = newTransformer(t, Config{
		RequiredFields:  []string{"updated_at"},
		TimestampFields: []string{"updated_at"},
	})
	valid, invalid := tr.Process([]fetch.RawRecord{
		raw(map[string]any{"id": "1", "updated_at": "not-a-date"}),
	})
	if len(valid) != 0 || len(invalid) != 1 {
		t.Errorf("expected record rejected, got valid=%d invalid=%d", len(valid), len(invalid))
	}
}
