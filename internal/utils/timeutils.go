package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// DurationSeconds converts a duration into float seconds for JSON payloads
// and histogram observations.
func DurationSeconds(d time.Duration) float64 {
	return d.Seconds()
}

// SpanSeconds returns the length of the interval between two timestamps in
// seconds, tolerating reversed arguments.
func SpanSeconds(start, end time.Time) float64 {
	if end.Before(start) {
		start, end = end, start
	}
	return end.Sub(start).Seconds()
}
