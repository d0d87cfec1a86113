// Package timestamp normalizes the timestamp forms instruments report:
// RFC3339 strings and Unix epochs in seconds or milliseconds, as numbers or
// numeric strings. A zero time means "not set".
package timestamp

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// msThreshold separates epoch seconds from epoch milliseconds. Values above
// it (roughly 2001 in milliseconds, year 33658 in seconds) are milliseconds.
const msThreshold = 1e12

// Parse converts input to a UTC time. ok is false for unsupported or
// malformed input; nil and zero values give the zero time with ok true.
func Parse(input any) (t time.Time, ok bool) {
	switch v := input.(type) {
	case nil:
		return time.Time{}, true
	case time.Time:
		return v.UTC(), true
	case int64:
		return fromEpoch(float64(v)), true
	case int:
		return fromEpoch(float64(v)), true
	case float64:
		return fromEpoch(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f), true
	case string:
		return parseString(v)
	default:
		return time.Time{}, false
	}
}

func parseString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f), true
	}
	return time.Time{}, false
}

func fromEpoch(v float64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	if v > msThreshold {
		return time.UnixMilli(int64(v)).UTC()
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// Format renders t as RFC3339 with milliseconds, "" for the zero time
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
