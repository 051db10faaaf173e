package aggregator

import (
	"math"
	"sort"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/units"
)

// provenance records which kind of fetch last wrote a field.
type provenance int

const (
	unset provenance = iota
	fromAggregate
	fromSession
)

// merger accumulates fetch results into one record. It is owned by a single
// goroutine and is never shared.
type merger struct {
	values map[model.MetricKind]float64
	prov   map[model.MetricKind]provenance

	label     string
	labelProv provenance
	labels    units.LabelSet

	summaryFailed bool
	sawData       bool
}

func newMerger() *merger {
	return &merger{
		values: make(map[model.MetricKind]float64),
		prov:   make(map[model.MetricKind]provenance),
		labels: units.LabelSet{},
	}
}

// write applies last-writer-wins keyed by field, except that aggregate values
// never replace a session value already written.
func (m *merger) write(kind model.MetricKind, v float64, from provenance) {
	if from == fromAggregate && m.prov[kind] == fromSession {
		return
	}
	m.values[kind] = v
	m.prov[kind] = from
}

func (m *merger) writeLabel(raw string, from provenance) {
	if raw == "" {
		return
	}
	if from == fromAggregate && m.labelProv == fromSession {
		return
	}
	m.label = units.FriendlyActivity(raw)
	m.labelProv = from
}

// applyAggregate folds day buckets for one metric kind.
func (m *merger) applyAggregate(kind model.MetricKind, buckets []model.DailyBucket) {
	sorted := sortedBuckets(buckets)
	for _, b := range sorted {
		if b.HasData() {
			m.sawData = true
		}
	}

	switch kind {
	case model.Steps, model.DistanceMeters, model.HeartPoints, model.ActiveDuration:
		var (
			sum   float64
			found bool
		)
		for _, b := range sorted {
			if v, ok := b.Values[kind]; ok {
				sum += v
				found = true
			}
		}
		if found {
			m.write(kind, sum, fromAggregate)
		}
	case model.AverageSpeed:
		for _, b := range sorted {
			if v, ok := b.Values[kind]; ok {
				m.write(kind, v, fromAggregate)
			}
		}
	case model.ActivityLabel:
		for _, b := range sorted {
			for _, raw := range b.Activities {
				m.labels.Add(raw)
				m.writeLabel(raw, fromAggregate)
			}
		}
	}
}

// applySessions folds session data. Sessions only override fields they carry samples for,
// except duration which every session contributes. The activity summary is built from
// activity segments alone; a session only names the record's activity label.
func (m *merger) applySessions(sessions []model.Session) {
	if len(sessions) == 0 {
		return
	}
	m.sawData = true

	sorted := append([]model.Session(nil), sessions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var (
		steps, distance, speed         float64
		hasSteps, hasDistance, hasPace bool
		duration                       float64
	)
	for _, s := range sorted {
		duration += s.Duration().Seconds()
		for _, sample := range s.Samples {
			switch sample.Kind {
			case model.Steps:
				steps += sample.Value
				hasSteps = true
			case model.DistanceMeters:
				distance += sample.Value
				hasDistance = true
			case model.AverageSpeed:
				if sample.Value > 0 {
					speed = sample.Value
					hasPace = true
				}
			}
		}
		m.writeLabel(s.Activity, fromSession)
	}

	if hasSteps {
		m.write(model.Steps, steps, fromSession)
	}
	if hasDistance {
		m.write(model.DistanceMeters, distance, fromSession)
	}
	if hasPace {
		m.write(model.AverageSpeed, speed, fromSession)
	}
	m.write(model.ActiveDuration, duration, fromSession)
}

// record freezes the merged state into a WorkoutRecord.
func (m *merger) record(date string) model.WorkoutRecord {
	rec := model.WorkoutRecord{
		Date:                  date,
		ActivityLabel:         model.NoActivity,
		DurationSeconds:       int64(math.Round(m.values[model.ActiveDuration])),
		Steps:                 int64(math.Round(m.values[model.Steps])),
		DistanceMeters:        m.values[model.DistanceMeters],
		HeartPoints:           m.values[model.HeartPoints],
		ActivitySummary:       m.labels.Sorted(),
		ActivitySummaryFailed: m.summaryFailed,
	}
	if m.label != "" {
		rec.ActivityLabel = m.label
	}
	if pace, ok := units.Pace(m.values[model.AverageSpeed]); ok {
		rec.PaceMinPerKm = &pace
	}
	return rec
}

func sortedBuckets(buckets []model.DailyBucket) []model.DailyBucket {
	out := append([]model.DailyBucket(nil), buckets...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}
