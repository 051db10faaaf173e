// Package streak computes today's totals, seven-day averages and the active-day streak
// from a week of daily buckets.
package streak

import (
	"errors"
	"fmt"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
)

// Days is the length of the rolling window and the fixed averaging divisor.
const Days = 7

// DefaultThreshold is the minimum step count for an active day.
const DefaultThreshold = 100

// ErrNoData is returned alongside a zero summary when no buckets were supplied.
var ErrNoData = errors.New("no fitness data available")

// Convention selects how the streak is counted.
type Convention string

const (
	// ChainFromOldest walks oldest to newest; the first inactive day breaks the chain
	// for the rest of the walk, so the streak counts active days before the first break.
	ChainFromOldest Convention = "chain_from_oldest"
	// TrailingRun counts consecutive active days backwards from today.
	TrailingRun Convention = "trailing_run"
)

// ParseConvention validates a convention name; empty selects ChainFromOldest.
func ParseConvention(s string) (Convention, error) {
	switch Convention(s) {
	case "", ChainFromOldest:
		return ChainFromOldest, nil
	case TrailingRun:
		return TrailingRun, nil
	default:
		return "", fmt.Errorf("unknown streak convention %q", s)
	}
}

// Engine computes StreakSummary values.
type Engine struct {
	Threshold  float64    // Steps needed for an active day
	Convention Convention // Streak counting rule
}

// New returns an Engine with the default threshold and convention.
func New() *Engine {
	return &Engine{Threshold: DefaultThreshold, Convention: ChainFromOldest}
}

// Compute derives a StreakSummary from buckets ordered oldest first; the last bucket is today.
// Fewer than seven buckets are allowed and missing days count as zero.
func (e *Engine) Compute(buckets []model.DailyBucket) (model.StreakSummary, error) {
	if len(buckets) == 0 {
		return model.StreakSummary{NoData: true}, ErrNoData
	}
	if len(buckets) > Days {
		return model.StreakSummary{}, errordefs.New(errordefs.FP_VALIDATION, fmt.Sprintf("expected at most %d daily buckets, got %d", Days, len(buckets)), "")
	}

	threshold := e.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	today := buckets[len(buckets)-1]
	summary := model.StreakSummary{
		TodaySteps:       today.Value(model.Steps),
		TodayHeartPoints: today.Value(model.HeartPoints),
	}

	var totalSteps, totalHeart float64
	for _, b := range buckets {
		totalSteps += b.Value(model.Steps)
		totalHeart += b.Value(model.HeartPoints)
	}
	summary.WeeklyAvgSteps = totalSteps / Days
	summary.WeeklyAvgHeartPoints = totalHeart / Days

	active := make([]bool, len(buckets))
	for i, b := range buckets {
		active[i] = b.Value(model.Steps) >= threshold
		if active[i] {
			summary.ActiveDays++
		}
	}

	switch e.Convention {
	case TrailingRun:
		summary.StreakDays = trailingRun(active)
	default:
		summary.StreakDays = chainFromOldest(active)
	}
	return summary, nil
}

func chainFromOldest(active []bool) int {
	streak := 0
	chainIntact := true
	for _, a := range active {
		if !a {
			chainIntact = false
			continue
		}
		if chainIntact {
			streak++
		}
	}
	return streak
}

func trailingRun(active []bool) int {
	streak := 0
	for i := len(active) - 1; i >= 0 && active[i]; i-- {
		streak++
	}
	return streak
}
