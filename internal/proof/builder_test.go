package proof

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/stretchr/testify/require"
)

func sampleRecord() model.WorkoutRecord {
	pace := 5.4321
	return model.WorkoutRecord{
		Date:            "2024-05-06",
		ActivityLabel:   "Running",
		DurationSeconds: 1865,
		Steps:           6120,
		DistanceMeters:  5234.9,
		HeartPoints:     23.6,
		PaceMinPerKm:    &pace,
		ActivitySummary: []string{"Running", "Walking"},
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	rec := sampleRecord()
	a, err := Canonicalize(rec)
	require.NoError(t, err)
	b, err := Canonicalize(rec)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, Hash(a), Hash(b))

	require.Equal(t,
		`{"date":"2024-05-06","workoutType":"Running","duration":"31:05","durationSeconds":1865,"activitySummary":"Running, Walking","steps":6120,"distanceKm":"5.23","heartPts":"24","pace":"5.43"}`,
		string(a))
}

func TestCanonicalizeSentinels(t *testing.T) {
	rec := model.WorkoutRecord{Date: "2024-05-06", ActivityLabel: model.NoActivity}
	b, err := Canonicalize(rec)
	require.NoError(t, err)
	require.Contains(t, string(b), `"pace":"--"`)
	require.Contains(t, string(b), `"activitySummary":"No activities recorded"`)

	rec.ActivitySummaryFailed = true
	b, err = Canonicalize(rec)
	require.NoError(t, err)
	require.Contains(t, string(b), `"activitySummary":"Error fetching activities"`)
}

func TestCanonicalizeRejectsNonFinite(t *testing.T) {
	for _, rec := range []model.WorkoutRecord{
		{DistanceMeters: math.NaN()},
		{HeartPoints: math.Inf(1)},
		{PaceMinPerKm: func() *float64 { f := math.Inf(-1); return &f }()},
	} {
		_, err := Canonicalize(rec)
		require.True(t, errordefs.Is(err, errordefs.FP_HASH_COMPUTE))

		p, err := NewBuilder().Build(context.Background(), rec)
		require.Nil(t, p, "no partial proof")
		require.True(t, errordefs.Is(err, errordefs.FP_HASH_COMPUTE))
	}
}

func TestVerify(t *testing.T) {
	require.True(t, Verify(model.WorkoutRecord{Steps: 150}))
	require.False(t, Verify(model.WorkoutRecord{Steps: 0}))
	require.False(t, Verify(model.WorkoutRecord{Steps: 100}), "threshold is exclusive")
	require.True(t, Verify(model.WorkoutRecord{DistanceMeters: 150}))
	require.False(t, Verify(model.WorkoutRecord{DistanceMeters: 100}))
	require.True(t, Verify(model.WorkoutRecord{ActivitySummary: []string{"Yoga"}}))
	require.False(t, Verify(model.WorkoutRecord{ActivitySummaryFailed: true}))
}

func TestBuildRoundTrip(t *testing.T) {
	now := time.UnixMilli(1715000000123)
	b := NewBuilder(
		WithClock(func() time.Time { return now }),
		WithIDSource(func() string { return "4f1c2b9e-8c1d-4c55-9a63-2c1c0f6b8d10" }),
	)
	p, err := b.Build(context.Background(), sampleRecord())
	require.NoError(t, err)

	require.Equal(t, model.HashAlgorithm, p.HashAlgorithm)
	require.Equal(t, int64(1715000000123), p.Timestamp)
	require.Equal(t, Hash(p.WorkoutData), p.Hash)
	require.NoError(t, Check(*p))

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(p.WorkoutData, &body))
	require.JSONEq(t, `"4f1c2b9e-8c1d-4c55-9a63-2c1c0f6b8d10"`, string(body["proof_id"]))
	require.JSONEq(t, `1715000000123`, string(body["timestamp"]))

	canonical, err := Canonicalize(sampleRecord())
	require.NoError(t, err)
	require.JSONEq(t, string(canonical), string(body["workout"]))
}

func TestEncodedProofSurvivesDecoding(t *testing.T) {
	p, err := NewBuilder().Build(context.Background(), sampleRecord())
	require.NoError(t, err)

	raw, err := Encode(*p)
	require.NoError(t, err)

	var decoded model.Proof
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, Check(decoded))
}

func TestBuildGeneratesFreshIDs(t *testing.T) {
	b := NewBuilder()
	a, err := b.Build(context.Background(), sampleRecord())
	require.NoError(t, err)
	c, err := b.Build(context.Background(), sampleRecord())
	require.NoError(t, err)
	require.NotEqual(t, a.ProofID, c.ProofID)
	require.NotEqual(t, a.Hash, c.Hash)
}

func TestProofSnapshotIsIndependent(t *testing.T) {
	rec := sampleRecord()
	p, err := NewBuilder().Build(context.Background(), rec)
	require.NoError(t, err)

	rec.Steps = 1
	*rec.PaceMinPerKm = 99
	require.NoError(t, Check(*p))
	require.NotContains(t, string(p.WorkoutData), `"steps":1,`)
}

func TestCheckDetectsTampering(t *testing.T) {
	p, err := NewBuilder().Build(context.Background(), sampleRecord())
	require.NoError(t, err)

	tampered := *p
	tampered.WorkoutData = json.RawMessage(`{"proof_id":"` + p.ProofID + `","timestamp":1,"workout":{}}`)
	require.True(t, errordefs.Is(Check(tampered), errordefs.FP_VALIDATION))

	stamped := *p
	stamped.Timestamp++
	require.True(t, errordefs.Is(Check(stamped), errordefs.FP_VALIDATION))
}
