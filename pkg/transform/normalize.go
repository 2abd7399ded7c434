package transform

import (
	"time"
)

// timestampLayouts are the accepted input formats for timestamp fields, in
// the order they are tried.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"01/02/2006 15:04:05",
}

// msThreshold separates Unix second from millisecond timestamps: values past
// year 3000 in seconds are taken as milliseconds.
const msThreshold = 32503680000

// normalizeTimestamp coerces a timestamp value to RFC 3339 in UTC. Numeric
// values are Unix timestamps (seconds, or milliseconds past the threshold);
// naive strings are assumed UTC. An unparseable or non-timestamp value
// becomes nil, never an error.
func normalizeTimestamp(value any) any {
	if value == nil {
		return nil
	}

	if n, ok := toFloat(value); ok {
		if n > msThreshold {
			n = n / 1000
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
	}

	s, ok := value.(string)
	if !ok {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return nil
}
