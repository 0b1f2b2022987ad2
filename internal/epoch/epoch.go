// Package epoch converts between timestamps and integer epoch seconds.
//
// Conversion to seconds floors toward the earlier second. The discarded
// sub-second part is returned to the caller so migrations can report it;
// converting back yields the same instant at second granularity.
package epoch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LegacyLayout is the textual form of a native SQL timestamp column.
const LegacyLayout = "2006-01-02 15:04:05.999999"

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// FromTime returns t as epoch seconds and the fractional part that was dropped.
func FromTime(t time.Time) (int64, time.Duration) {
	return t.Unix(), time.Duration(t.Nanosecond())
}

// ToTime returns the UTC instant for secs.
func ToTime(secs int64) time.Time {
	return time.Unix(secs, 0).UTC()
}

// FormatTimestamp renders t the way a native timestamp column stores it (UTC,
// microsecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(LegacyLayout)
}

// ParseTimestamp parses a stored timestamp. Values without a zone are UTC. A
// bare integer is taken as epoch seconds.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("epoch: empty timestamp")
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ToTime(secs), nil
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("epoch: unrecognised timestamp %q", raw)
}

// Convert parses raw and returns epoch seconds plus the dropped fraction.
func Convert(raw string) (int64, time.Duration, error) {
	t, err := ParseTimestamp(raw)
	if err != nil {
		return 0, 0, err
	}
	secs, dropped := FromTime(t)
	return secs, dropped, nil
}
