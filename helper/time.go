package helper

import (
	"fmt"
	"time"
)

// FormatRelative renders t relative to now for CLI tables, e.g. "in 59.0m"
// or "3.0h ago". A zero time renders as "-".
func FormatRelative(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := t.Sub(now)
	if d >= 0 {
		return "in " + formatDuration(d)
	}
	return formatDuration(-d) + " ago"
}

func formatDuration(d time.Duration) string {
	switch {
	case d.Hours() >= 48:
		return fmt.Sprintf("%.0fd", d.Hours()/24)
	case d.Hours() >= 1:
		return fmt.Sprintf("%.1fh", d.Hours())
	case d.Minutes() >= 1:
		return fmt.Sprintf("%.1fm", d.Minutes())
	default:
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
}
