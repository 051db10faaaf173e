// Package units holds the pure conversion functions applied to provider values:
// distance normalization, pace derivation, duration display and activity labels.
package units

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Display sentinels.
const (
	NoActivitiesRecorded    = "No activities recorded"
	ErrorFetchingActivities = "Error fetching activities"
	PaceUnavailable         = "--"
)

// MetersToKm converts meters to kilometers.
func MetersToKm(meters float64) float64 {
	return meters / 1000
}

// Pace converts an average speed in meters per second into minutes per kilometer.
// Pace is undefined for speed <= 0 and ok is false; callers must not report zero.
func Pace(speedMetersPerSecond float64) (minPerKm float64, ok bool) {
	if !(speedMetersPerSecond > 0) {
		return 0, false
	}
	return (1000 / speedMetersPerSecond) / 60, true
}

// FormatPace renders a pace as "%.2f", or the unavailable sentinel for nil.
func FormatPace(minPerKm *float64) string {
	if minPerKm == nil {
		return PaceUnavailable
	}
	return fmt.Sprintf("%.2f", *minPerKm)
}

// FormatDuration renders a duration as zero-padded minutes and seconds ("%02d:%02d").
// Minutes are not wrapped at 60 and negative durations render as "00:00".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// FormatDurationMillis is FormatDuration for a millisecond count.
func FormatDurationMillis(ms int64) string {
	return FormatDuration(time.Duration(ms) * time.Millisecond)
}

var friendlyActivities = map[string]string{
	"walking":         "Walking",
	"running":         "Running",
	"running.jogging": "Jogging",
	"biking":          "Cycling",
	"sleep":           "Sleeping",
	"yoga":            "Yoga",
}

// FriendlyActivity maps a raw provider activity string to a display label.
// Unrecognized strings pass through unchanged.
func FriendlyActivity(raw string) string {
	if label, ok := friendlyActivities[raw]; ok {
		return label
	}
	return raw
}

// LabelSet is a deduplicated set of friendly activity labels.
type LabelSet map[string]struct{}

// Add inserts the friendly form of raw, ignoring empty strings.
func (s LabelSet) Add(raw string) {
	if raw == "" {
		return
	}
	s[FriendlyActivity(raw)] = struct{}{}
}

// Sorted returns the labels in lexical order.
func (s LabelSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for label := range s {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// SummaryText comma-joins labels for display, or returns the matching sentinel.
func SummaryText(labels []string, failed bool) string {
	if failed {
		return ErrorFetchingActivities
	}
	if len(labels) == 0 {
		return NoActivitiesRecorded
	}
	return strings.Join(labels, ", ")
}
