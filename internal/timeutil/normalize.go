// Package timeutil normalizes upstream lead timestamps to UTC.
//
// Lead feeds deliver created-at values in two shapes: full RFC 3339 with a
// zone offset, and timezone-naive civil timestamps. Naive values are
// interpreted in a configured fallback civil timezone before conversion, so
// the same instant always yields the same absolute time regardless of which
// shape the feed used.
package timeutil

import (
	"time"

	"github.com/rotisserie/eris"
)

// naiveLayouts are tried, in order, for values without a zone offset.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// zonedLayouts are tried, in order, for values carrying an explicit offset.
var zonedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05Z0700",
}

// Normalize parses raw into an absolute UTC time. Values with an explicit
// zone offset are converted directly; naive values are interpreted in
// fallback. A nil fallback means naive values are treated as UTC.
func Normalize(raw string, fallback *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, eris.New("timeutil: empty timestamp")
	}

	for _, layout := range zonedLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}

	if fallback == nil {
		fallback = time.UTC
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, raw, fallback); err == nil {
			return ts.UTC(), nil
		}
	}

	return time.Time{}, eris.Errorf("timeutil: unparseable timestamp %q", raw)
}
