// internal/model/fitness.go
// Package model defines the data structures used throughout the fitproof service.
// These structures represent the metric kinds, daily buckets, merged workout records,
// streak summaries and proofs that flow between the engine components.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/units"
)

// MetricKind identifies one independently fetched metric.
// The set is closed; ParseMetricKind rejects anything else.
type MetricKind string

const (
	Steps          MetricKind = "steps"           // Step count delta
	DistanceMeters MetricKind = "distance_meters" // Distance in meters
	HeartPoints    MetricKind = "heart_points"    // Heart points (intensity minutes)
	AverageSpeed   MetricKind = "average_speed"   // Average speed in m/s
	ActiveDuration MetricKind = "active_duration" // Active time in seconds
	ActivityLabel  MetricKind = "activity_label"  // Detected activity names
)

var allMetricKinds = []MetricKind{Steps, DistanceMeters, HeartPoints, AverageSpeed, ActiveDuration, ActivityLabel}

// AllMetricKinds returns every metric kind in declaration order.
func AllMetricKinds() []MetricKind {
	out := make([]MetricKind, len(allMetricKinds))
	copy(out, allMetricKinds)
	return out
}

// ParseMetricKind converts a raw key into a MetricKind.
func ParseMetricKind(s string) (MetricKind, error) {
	for _, k := range allMetricKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown metric kind %q", s)
}

// Label returns a short human-readable name used in field-specific error messages.
func (k MetricKind) Label() string {
	switch k {
	case Steps:
		return "steps"
	case DistanceMeters:
		return "distance"
	case HeartPoints:
		return "heart points"
	case AverageSpeed:
		return "pace"
	case ActiveDuration:
		return "duration"
	case ActivityLabel:
		return "activities"
	default:
		return string(k)
	}
}

// TimeWindow is a half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"` // Inclusive lower bound
	End   time.Time `json:"end"`   // Exclusive upper bound
}

// Millis returns the window boundaries as epoch milliseconds.
func (w TimeWindow) Millis() (start, end int64) {
	return w.Start.UnixMilli(), w.End.UnixMilli()
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// DailyBucket holds the per-metric totals for one calendar day.
type DailyBucket struct {
	Day        time.Time              `json:"day"`                  // Local midnight of the bucket's day
	Values     map[MetricKind]float64 `json:"values"`               // Numeric totals keyed by metric
	Activities []string               `json:"activities,omitempty"` // Raw activity strings seen in the bucket
}

// Value returns the bucket's total for kind, zero when absent.
func (b DailyBucket) Value(kind MetricKind) float64 {
	if b.Values == nil {
		return 0
	}
	return b.Values[kind]
}

// HasData reports whether the bucket carries any value or activity.
func (b DailyBucket) HasData() bool {
	return len(b.Values) > 0 || len(b.Activities) > 0
}

// Sample is one session-level measurement.
type Sample struct {
	Kind  MetricKind `json:"kind"`
	Value float64    `json:"value"`
}

// Session is a provider-reported contiguous activity interval.
type Session struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Activity string    `json:"activity"` // Raw provider activity string
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Samples  []Sample  `json:"samples,omitempty"`
}

// Duration returns the session's span, zero when End precedes Start.
func (s Session) Duration() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}

// NoActivity is shown when neither sessions nor segments name an activity.
const NoActivity = "No Activity"

// WorkoutRecord is the merged daily record built by one sync cycle.
// It is frozen once returned by the aggregator.
type WorkoutRecord struct {
	Date                  string   `json:"date"`                  // yyyy-MM-dd of the selected day
	ActivityLabel         string   `json:"activityLabel"`         // Friendly name of the detected activity
	DurationSeconds       int64    `json:"durationSeconds"`       // Active duration
	Steps                 int64    `json:"steps"`                 // Step count
	DistanceMeters        float64  `json:"distanceMeters"`        // Distance in meters
	HeartPoints           float64  `json:"heartPoints"`           // Heart points
	PaceMinPerKm          *float64 `json:"paceMinPerKm"`          // nil when pace is unavailable
	ActivitySummary       []string `json:"activitySummary"`       // Sorted distinct friendly labels
	ActivitySummaryFailed bool     `json:"activitySummaryFailed"` // The activity fetch failed
}

// DistanceKm returns the distance in kilometers.
func (r WorkoutRecord) DistanceKm() float64 {
	return units.MetersToKm(r.DistanceMeters)
}

// SummaryText returns the display form of the activity summary.
func (r WorkoutRecord) SummaryText() string {
	return units.SummaryText(r.ActivitySummary, r.ActivitySummaryFailed)
}

// Clone returns a deep copy so later mutation of r cannot leak into the copy.
func (r WorkoutRecord) Clone() WorkoutRecord {
	cp := r
	if r.PaceMinPerKm != nil {
		p := *r.PaceMinPerKm
		cp.PaceMinPerKm = &p
	}
	if r.ActivitySummary != nil {
		cp.ActivitySummary = append([]string(nil), r.ActivitySummary...)
	}
	return cp
}

// StreakSummary is derived from seven daily buckets on every sync and never persisted.
type StreakSummary struct {
	TodaySteps           float64 `json:"todaySteps"`
	TodayHeartPoints     float64 `json:"todayHeartPoints"`
	WeeklyAvgSteps       float64 `json:"weeklyAvgSteps"`
	WeeklyAvgHeartPoints float64 `json:"weeklyAvgHeartPoints"`
	StreakDays           int     `json:"streakDays"`
	ActiveDays           int     `json:"activeDays"`
	NoData               bool    `json:"noData"` // No buckets were available
}

// HashAlgorithm is the only supported proof hash.
const HashAlgorithm = "SHA-256"

// Proof is a hash-stamped envelope around a canonical workout body.
type Proof struct {
	ProofID       string          `json:"proof_id"`       // Fresh UUID per verification attempt
	Timestamp     int64           `json:"timestamp"`      // Epoch milliseconds, repeated inside WorkoutData
	WorkoutData   json.RawMessage `json:"workout_data"`   // Canonical hashed body
	Hash          string          `json:"hash"`           // Hex SHA-256 of WorkoutData
	HashAlgorithm string          `json:"hash_algorithm"` // Always HashAlgorithm
}

// PublishResult is returned by a successful publish.
type PublishResult struct {
	RemoteURL string `json:"remoteUrl"`
	Success   bool   `json:"success"`
}

// ProofRecord is an archived proof together with its publication outcome.
// This corresponds to the proofs table in storage.
type ProofRecord struct {
	ProofID      string    `json:"proofId" db:"proof_id"`                     // Proof identifier
	Subject      string    `json:"subject" db:"subject"`                      // Caller that verified the workout
	Date         string    `json:"date" db:"date"`                            // Workout day
	Proof        Proof     `json:"proof" db:"proof"`                          // Full envelope
	Verified     bool      `json:"verified" db:"verified"`                    // Passed the plausibility check
	Published    bool      `json:"published" db:"published"`                  // Primary publish succeeded
	RemoteURL    string    `json:"remoteUrl,omitempty" db:"remote_url"`       // Durable reference
	MirrorURL    string    `json:"mirrorUrl,omitempty" db:"mirror_url"`       // Immutable mirror copy
	PublishError string    `json:"publishError,omitempty" db:"publish_error"` // Last publish failure
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`                 // When the proof was archived
}

// ListProofsQuery represents the query parameters for listing archived proofs.
type ListProofsQuery struct {
	Subject string // Owner of the proofs
	Limit   int    // Maximum number of proofs to return
	Cursor  string // Opaque pagination cursor
}

// ListProofsResult is one page of archived proofs.
type ListProofsResult struct {
	Proofs     []ProofRecord `json:"proofs"`
	NextCursor string        `json:"nextCursor,omitempty"`
}
