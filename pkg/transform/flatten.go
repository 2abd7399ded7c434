// Package transform turns raw fetched records into validated, deduplicated
// records ready for staging: flatten nested objects, check required fields,
// and keep only the newest version per primary key. Transformation is best
// effort — bad records are routed aside with a reason, never aborting a run.
package transform

import (
	"regexp"
	"strings"
)

// Defaults applied when flatten settings are left zero.
const (
	DefaultSeparator = "_"
	DefaultMaxDepth  = 10
)

// FlattenConfig controls how nested objects are collapsed into flat keys.
type FlattenConfig struct {
	// Separator joins nested key levels, e.g. {"a":{"b":1}} -> "a_b".
	Separator string

	// MaxDepth bounds how deep nesting is flattened; deeper objects are
	// kept as values.
	MaxDepth int

	// NormalizeKeys converts keys to snake_case and strips special
	// characters.
	NormalizeKeys bool
}

func (c *FlattenConfig) withDefaults() FlattenConfig {
	out := *c
	if out.Separator == "" {
		out.Separator = DefaultSeparator
	}
	if out.MaxDepth <= 0 {
		out.MaxDepth = DefaultMaxDepth
	}
	return out
}

// Flatten collapses nested objects in fields into separator-joined keys.
// Arrays are preserved as arrays, not flattened. The input is not modified.
func Flatten(fields map[string]any, cfg FlattenConfig) map[string]any {
	cfg = cfg.withDefaults()
	out := make(map[string]any, len(fields))
	flattenInto(out, "", fields, cfg, cfg.MaxDepth)
	return out
}

func flattenInto(out map[string]any, prefix string, fields map[string]any, cfg FlattenConfig, depth int) {
	for key, value := range fields {
		if cfg.NormalizeKeys {
			key = normalizeKey(key)
		}
		full := key
		if prefix != "" {
			full = prefix + cfg.Separator + key
		}

		if nested, ok := value.(map[string]any); ok && depth > 0 {
			flattenInto(out, full, nested, cfg, depth-1)
			continue
		}
		out[full] = value
	}
}

var (
	keySpacesRe   = regexp.MustCompile(`[-\s]+`)
	keySpecialRe  = regexp.MustCompile(`[^a-zA-Z0-9_]`)
	keyCamelRe    = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	keyCollapseRe = regexp.MustCompile(`_+`)
)

// normalizeKey converts a key to snake_case: hyphens and spaces become
// underscores, special characters are dropped, camelCase splits on the
// case boundary, and duplicate underscores collapse.
func normalizeKey(key string) string {
	key = keySpacesRe.ReplaceAllString(key, "_")
	key = keySpecialRe.ReplaceAllString(key, "")
	key = keyCamelRe.ReplaceAllString(key, "${1}_${2}")
	key = keyCollapseRe.ReplaceAllString(strings.ToLower(key), "_")
	return strings.Trim(key, "_")
}
