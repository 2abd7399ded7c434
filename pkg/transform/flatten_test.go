package transform

import (
	"reflect"
	"testing"
)

func TestFlattenNested(t *testing.T) {
	in := map[string]any{
		"id": "1",
		"metadata": map[string]any{
			"category": "widget",
			"origin": map[string]any{
				"country": "DE",
			},
		},
	}

	got := Flatten(in, FlattenConfig{})

	want := map[string]any{
		"id":                      "1",
		"metadata_category":       "widget",
		"metadata_origin_country": "DE",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %v, want %v", got, want)
	}
}

func TestFlattenPreservesArrays(t *testing.T) {
	in := map[string]any{
		"tags": []any{"a", "b"},
		"lines": []any{
			map[string]any{"sku": "x"},
		},
	}

	got := Flatten(in, FlattenConfig{})

	if !reflect.DeepEqual(got["tags"], []any{"a", "b"}) {
		t.Errorf("expected tags preserved as array, got %v", got["tags"])
	}
	// Objects inside arrays stay nested.
	if _, ok := got["lines"].([]any); !ok {
		t.Errorf("expected lines preserved as array, got %T", got["lines"])
	}
}

func TestFlattenCustomSeparator(t *testing.T) {
	got := Flatten(map[string]any{"a": map[string]any{"b": 1}}, FlattenConfig{Separator: "."})
	if _, ok := got["a.b"]; !ok {
		t.Errorf("expected key a.b, got %v", got)
	}
}

func TestFlattenMaxDepth(t *testing.T) {
	in := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": 1,
			},
		},
	}

	got := Flatten(in, FlattenConfig{MaxDepth: 1})

	inner, ok := got["a_b"].(map[string]any)
	if !ok {
		t.Fatalf("expected a_b kept as nested object, got %v", got)
	}
	if inner["c"] != 1 {
		t.Errorf("expected inner object intact, got %v", inner)
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"orderId", "order_id"},
		{"Order-Date", "order_date"},
		{"total amount", "total_amount"},
		{"price($)", "price"},
		{"__meta__", "meta"},
		{"already_snake", "already_snake"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := normalizeKey(tt.in); got != tt.want {
				t.Errorf("normalizeKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFlattenNormalizesKeys(t *testing.T) {
	in := map[string]any{
		"orderMeta": map[string]any{"createdAt": "t"},
	}

	got := Flatten(in, FlattenConfig{NormalizeKeys: true})

	if _, ok := got["order_meta_created_at"]; !ok {
		t.Errorf("expected normalized key order_meta_created_at, got %v", got)
	}
}
