package window

import (
	"testing"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/stretchr/testify/require"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("timezone %s unavailable: %v", name, err)
	}
	return loc
}

func TestSingleDay(t *testing.T) {
	ref := time.Date(2024, 3, 14, 15, 42, 7, 99, time.UTC)
	w := SingleDay(ref)

	require.Equal(t, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), w.Start)
	require.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), w.End)
	require.True(t, w.Start.Before(w.End))
	require.Equal(t, 24*time.Hour, w.End.Sub(w.Start))
	require.True(t, w.Contains(ref))
	require.False(t, w.Contains(w.End))
}

func TestTrailingDays(t *testing.T) {
	ref := time.Date(2024, 3, 14, 8, 0, 0, 0, time.UTC)
	for _, n := range []int{1, 3, 7, 30} {
		w, err := TrailingDays(ref, n)
		require.NoError(t, err)
		require.True(t, w.Start.Before(w.End))
		require.Equal(t, time.Duration(n)*24*time.Hour, w.End.Sub(w.Start), "n=%d", n)
		require.Equal(t, SingleDay(ref).End, w.End, "today is the last included day")
		require.Len(t, Days(w), n)
	}

	_, err := TrailingDays(ref, 0)
	require.True(t, errordefs.Is(err, errordefs.FP_INVALID_RANGE))
}

func TestSingleDayAcrossDST(t *testing.T) {
	loc := mustLoad(t, "America/New_York")
	// 2024-03-10 is 23 hours long in New York.
	w := SingleDay(time.Date(2024, 3, 10, 12, 0, 0, 0, loc))
	require.Equal(t, 23*time.Hour, w.End.Sub(w.Start))
	require.Equal(t, 0, w.End.Hour())
	require.Len(t, Days(w), 1)
}

func TestSelectable(t *testing.T) {
	now := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)

	_, err := Selectable(now.Add(2*time.Hour), now)
	require.NoError(t, err, "later the same day is still today")

	_, err = Selectable(now.AddDate(0, 0, -3), now)
	require.NoError(t, err)

	_, err = Selectable(now.AddDate(0, 0, 1), now)
	require.True(t, errordefs.Is(err, errordefs.FP_INVALID_RANGE))
}

func TestParseDay(t *testing.T) {
	d, err := ParseDay("2024-02-29", time.UTC)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDay("29/02/2024", time.UTC)
	require.True(t, errordefs.Is(err, errordefs.FP_VALIDATION))
}
