package utils

import (
	"fmt"
	"time"
)

// FormatDuration renders a duration as "1h 2m 3s", "2m 3s" or "3s"
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour

	m := d / time.Minute
	d -= m * time.Minute

	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	} else if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// MillisToTime converts epoch milliseconds to a time.Time
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// FormatTimestamp renders epoch milliseconds for log lines
func FormatTimestamp(ms int64) string {
	return MillisToTime(ms).Format("2006-01-02 15:04:05")
}

// Since returns the elapsed time from an epoch-milliseconds instant to now
func Since(ms int64, now time.Time) time.Duration {
	if ms <= 0 {
		return 0
	}
	return now.Sub(MillisToTime(ms))
}
