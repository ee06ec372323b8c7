package core

import "time"

// TimeFormat is RFC 3339 with millisecond precision, always UTC.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders a timestamp in the canonical wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NowFormatted returns the current time in the canonical wire format.
func NowFormatted() string {
	return FormatTime(time.Now())
}

// ParseTime parses a canonical timestamp, falling back to plain RFC 3339.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeFormat, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
