// Package window converts calendar days into half-open time windows anchored at local midnight.
package window

import (
	"fmt"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
)

// DayLayout is the wire format for calendar days.
const DayLayout = "2006-01-02"

// Midnight returns local midnight of t's calendar day in t's location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// addDays shifts a midnight by n calendar days; DST days are 23 or 25 hours long.
func addDays(midnight time.Time, n int) time.Time {
	y, m, d := midnight.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, midnight.Location())
}

// SingleDay returns [midnight, next midnight) for ref's day.
func SingleDay(ref time.Time) model.TimeWindow {
	start := Midnight(ref)
	return model.TimeWindow{Start: start, End: addDays(start, 1)}
}

// TrailingDays returns the n calendar days ending with ref's day:
// [midnight-(n-1) days, midnight+1 day).
func TrailingDays(ref time.Time, n int) (model.TimeWindow, error) {
	if n < 1 {
		return model.TimeWindow{}, errordefs.New(errordefs.FP_INVALID_RANGE, fmt.Sprintf("trailing window needs at least one day, got %d", n), "")
	}
	today := Midnight(ref)
	return model.TimeWindow{Start: addDays(today, -(n - 1)), End: addDays(today, 1)}, nil
}

// Selectable resolves a user-selected day, rejecting days after now's calendar day.
func Selectable(ref, now time.Time) (model.TimeWindow, error) {
	if Midnight(ref).After(Midnight(now.In(ref.Location()))) {
		return model.TimeWindow{}, errordefs.New(errordefs.FP_INVALID_RANGE, fmt.Sprintf("date %s is in the future", ref.Format(DayLayout)), "")
	}
	return SingleDay(ref), nil
}

// Days splits a window into the local midnights of each day it covers.
func Days(w model.TimeWindow) []time.Time {
	var days []time.Time
	for d := Midnight(w.Start); d.Before(w.End); d = addDays(d, 1) {
		days = append(days, d)
	}
	return days
}

// ParseDay parses a yyyy-MM-dd string as local midnight in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DayLayout, s, loc)
	if err != nil {
		return time.Time{}, errordefs.New(errordefs.FP_VALIDATION, fmt.Sprintf("invalid date %q, expected yyyy-MM-dd", s), "")
	}
	return t, nil
}
