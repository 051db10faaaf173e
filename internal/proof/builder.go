// Package proof turns a WorkoutRecord into a hash-stamped, tamper-evident Proof.
//
// The hashed body is compact JSON with a fixed field order and fixed number
// formatting, so the same record always yields the same bytes and hash.
package proof

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/units"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Plausibility thresholds for Verify.
const (
	MinSteps      = 100
	MinDistanceKm = 0.1
)

// canonicalWorkout fixes the field order of the hashed record.
type canonicalWorkout struct {
	Date            string `json:"date"`
	WorkoutType     string `json:"workoutType"`
	Duration        string `json:"duration"`
	DurationSeconds int64  `json:"durationSeconds"`
	ActivitySummary string `json:"activitySummary"`
	Steps           int64  `json:"steps"`
	DistanceKm      string `json:"distanceKm"`
	HeartPts        string `json:"heartPts"`
	Pace            string `json:"pace"`
}

// hashedBody is the exact payload covered by Proof.Hash.
type hashedBody struct {
	ProofID   string          `json:"proof_id"`
	Timestamp int64           `json:"timestamp"`
	Workout   json.RawMessage `json:"workout"`
}

// Canonicalize serializes rec deterministically. Non-finite numbers are rejected.
func Canonicalize(rec model.WorkoutRecord) ([]byte, error) {
	if !finite(rec.DistanceMeters) || !finite(rec.HeartPoints) || (rec.PaceMinPerKm != nil && !finite(*rec.PaceMinPerKm)) {
		return nil, errordefs.New(errordefs.FP_HASH_COMPUTE, "workout record contains a non-finite number", "")
	}
	b, err := json.Marshal(canonicalWorkout{
		Date:            rec.Date,
		WorkoutType:     rec.ActivityLabel,
		Duration:        units.FormatDuration(time.Duration(rec.DurationSeconds) * time.Second),
		DurationSeconds: rec.DurationSeconds,
		ActivitySummary: rec.SummaryText(),
		Steps:           rec.Steps,
		DistanceKm:      fmt.Sprintf("%.2f", rec.DistanceKm()),
		HeartPts:        fmt.Sprintf("%.0f", rec.HeartPoints),
		Pace:            units.FormatPace(rec.PaceMinPerKm),
	})
	if err != nil {
		return nil, errordefs.Wrap(errordefs.FP_HASH_COMPUTE, "failed to canonicalize workout record", err)
	}
	return b, nil
}

// Verify is the plausibility gate deciding whether a proof is built at all.
func Verify(rec model.WorkoutRecord) bool {
	hasActivity := len(rec.ActivitySummary) > 0 && !rec.ActivitySummaryFailed
	return rec.Steps > MinSteps || rec.DistanceKm() > MinDistanceKm || hasActivity
}

// Hash returns the hex SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Builder assembles proofs. The zero value is not usable; call NewBuilder.
type Builder struct {
	now     func() time.Time
	newID   func() string
	metrics *metrics.Metrics
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(b *Builder) { b.now = now } }

// WithIDSource overrides proof ID generation.
func WithIDSource(newID func() string) Option { return func(b *Builder) { b.newID = newID } }

// WithMetrics counts build outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Builder) { b.metrics = m } }

// NewBuilder returns a Builder using random UUIDs and the wall clock.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build snapshots rec into a new Proof with a fresh ID. No partial proof is returned on error.
func (b *Builder) Build(ctx context.Context, rec model.WorkoutRecord) (*model.Proof, error) {
	_, span := otel.Tracer("fitproof-service").Start(ctx, "proof.Build")
	defer span.End()

	p, err := b.build(rec)
	if b.metrics != nil {
		b.metrics.ProofBuildTotal.WithLabelValues(metrics.Status(err)).Inc()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("proof_id", p.ProofID))
	return p, nil
}

func (b *Builder) build(rec model.WorkoutRecord) (*model.Proof, error) {
	workout, err := Canonicalize(rec.Clone())
	if err != nil {
		return nil, err
	}

	id := b.newID()
	ts := b.now().UnixMilli()
	body, err := json.Marshal(hashedBody{ProofID: id, Timestamp: ts, Workout: workout})
	if err != nil {
		return nil, errordefs.Wrap(errordefs.FP_HASH_COMPUTE, "failed to encode proof body", err)
	}

	return &model.Proof{
		ProofID:       id,
		Timestamp:     ts,
		WorkoutData:   body,
		Hash:          Hash(body),
		HashAlgorithm: model.HashAlgorithm,
	}, nil
}

// Check recomputes the hash of p's body and confirms the inner and outer stamps agree.
func Check(p model.Proof) error {
	if p.HashAlgorithm != model.HashAlgorithm {
		return errordefs.New(errordefs.FP_VALIDATION, fmt.Sprintf("unsupported hash algorithm %q", p.HashAlgorithm), "")
	}
	if got := Hash(p.WorkoutData); got != p.Hash {
		return errordefs.NewWithDetails(errordefs.FP_VALIDATION, "proof hash mismatch", "", map[string]string{"expected": p.Hash, "actual": got})
	}
	var body hashedBody
	if err := json.Unmarshal(p.WorkoutData, &body); err != nil {
		return errordefs.Wrap(errordefs.FP_VALIDATION, "proof body is not valid JSON", err)
	}
	if body.ProofID != p.ProofID || body.Timestamp != p.Timestamp {
		return errordefs.New(errordefs.FP_VALIDATION, "proof envelope does not match hashed body", "")
	}
	return nil
}

// Encode renders the full proof envelope as published.
func Encode(p model.Proof) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode proof %s: %w", p.ProofID, err)
	}
	return b, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
