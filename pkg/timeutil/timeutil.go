// Package timeutil provides UTC day arithmetic for the Sproutly analytics
// pipeline. Salt rotation, retention cutoffs, and aggregation buckets are all
// keyed by UTC calendar days so that every device and server instance agrees
// on day boundaries regardless of classroom timezone.
// No external dependencies - uses only standard library.
package timeutil

import (
	"fmt"
	"time"
)

// DayKeyFormat is the canonical format for a calendar-day key (e.g. "2026-03-14").
const DayKeyFormat = "2006-01-02"

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// StartOfDay returns the start of the UTC day (00:00:00) containing t.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the end of the UTC day (23:59:59.999999999) containing t.
func EndOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 999999999, time.UTC)
}

// DayKey returns the canonical day key for t (UTC calendar day).
func DayKey(t time.Time) string {
	return t.UTC().Format(DayKeyFormat)
}

// ParseDayKey parses a canonical day key back into the start of that UTC day.
func ParseDayKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(DayKeyFormat, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("timeutil: invalid day key %q: %w", key, err)
	}
	return t, nil
}

// DaysAgo returns the start of the UTC day n days before t.
func DaysAgo(t time.Time, n int) time.Time {
	return StartOfDay(t).AddDate(0, 0, -n)
}

// DaysBetween returns the number of whole UTC days between a and b.
// Negative if b is before a.
func DaysBetween(a, b time.Time) int {
	return int(StartOfDay(b).Sub(StartOfDay(a)).Hours() / 24)
}

// SameDay reports whether a and b fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	return DayKey(a) == DayKey(b)
}

// TruncateToHour returns t truncated to the start of its UTC hour.
// Hourly aggregation buckets are keyed on this.
func TruncateToHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// BucketRange returns the [start, end) range of the aggregation bucket
// containing t for the given bucket width. Widths of a day or more snap to
// day boundaries.
func BucketRange(t time.Time, width time.Duration) (time.Time, time.Time) {
	if width >= 24*time.Hour {
		days := int(width.Hours() / 24)
		start := StartOfDay(t)
		return start, start.AddDate(0, 0, days)
	}
	start := t.UTC().Truncate(width)
	return start, start.Add(width)
}
