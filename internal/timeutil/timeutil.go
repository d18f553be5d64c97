// Package timeutil normalizes all timestamps to UTC.
//
// Every ingress from an external data source must pass through ToUTC, every
// persistence write must pass a ValidateUTC check, and every persistence read
// re-asserts UTC after decode. FormatForDisplay is only legal at terminal
// egress (API boundary, log formatting).
package timeutil

import (
	"fmt"
	"time"

	"ktrdr/internal/errs"
)

// Layouts accepted by ToUTC for string inputs, tried in order.
var parseLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToUTC converts any supported input into a UTC instant.
//
// Supported inputs: time.Time (converted; a zero location is treated as UTC),
// string (ISO-8601 / RFC 3339, with naive forms assumed UTC), int/int64/float64
// Unix epoch seconds. Anything else fails with invalid-time.
func ToUTC(input any) (time.Time, error) {
	switch v := input.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		for _, layout := range parseLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, errs.New(errs.InvalidTime, "unparseable timestamp %q", v)
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	case float64:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec).UTC(), nil
	default:
		return time.Time{}, errs.New(errs.InvalidTime, "unsupported timestamp type %T", input)
	}
}

// IsUTC reports whether t is expressed in UTC.
func IsUTC(t time.Time) bool {
	return t.Location() == time.UTC
}

// EnsureUTC returns t unchanged when already UTC and fails with
// timezone-violation otherwise. Used on persistence reads, where a non-UTC
// instant indicates a storage-layer bug rather than bad input.
func EnsureUTC(t time.Time) (time.Time, error) {
	if !IsUTC(t) {
		return time.Time{}, errs.New(errs.TimezoneViolation, "timestamp %s is not UTC (zone %s)", t, t.Location())
	}
	return t, nil
}

// FormatForDisplay renders a UTC instant in the given display timezone.
// Only terminal egress paths (API responses, log encoders) may call this.
func FormatForDisplay(utc time.Time, displayTZ string) (string, error) {
	loc, err := time.LoadLocation(displayTZ)
	if err != nil {
		return "", fmt.Errorf("unknown display timezone %q: %w", displayTZ, err)
	}
	return utc.In(loc).Format(time.RFC3339), nil
}
