// Package service ties the fitproof engine together: it drives the per-subject
// lifecycle through sync, verify and publish, and reads back the proof archive.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/aggregator"
	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/event"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/lifecycle"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/proof"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/publish"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/source"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/streak"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/window"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "fitproof-service"

// Deps are the collaborators of a Service. Aggregator, Builder, Validator, Publisher
// and Store are required; the rest have defaults.
type Deps struct {
	Aggregator *aggregator.Aggregator
	Streak     *streak.Engine
	Builder    *proof.Builder
	Validator  *schema.Validator
	Publisher  publish.Publisher
	Mirror     publish.Mirror // Optional second copy
	Store      storage.Store
	Events     event.Publisher
	Tracker    *lifecycle.Tracker
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Location   *time.Location   // Where local midnight is taken
	Now        func() time.Time // Clock for day validation and archive timestamps
}

// Service implements the fitproof operations.
type Service struct {
	agg       *aggregator.Aggregator
	streak    *streak.Engine
	builder   *proof.Builder
	validator *schema.Validator
	publisher publish.Publisher
	mirror    publish.Mirror
	store     storage.Store
	events    event.Publisher
	tracker   *lifecycle.Tracker
	metrics   *metrics.Metrics
	logger    *slog.Logger
	loc       *time.Location
	now       func() time.Time
}

// New validates d and returns a Service.
func New(d Deps) (*Service, error) {
	switch {
	case d.Aggregator == nil:
		return nil, errors.New("service: aggregator is required")
	case d.Builder == nil:
		return nil, errors.New("service: proof builder is required")
	case d.Validator == nil:
		return nil, errors.New("service: schema validator is required")
	case d.Publisher == nil:
		return nil, errors.New("service: publisher is required")
	case d.Store == nil:
		return nil, errors.New("service: store is required")
	}
	s := &Service{
		agg:       d.Aggregator,
		streak:    d.Streak,
		builder:   d.Builder,
		validator: d.Validator,
		publisher: d.Publisher,
		mirror:    d.Mirror,
		store:     d.Store,
		events:    d.Events,
		tracker:   d.Tracker,
		metrics:   d.Metrics,
		logger:    d.Logger,
		loc:       d.Location,
		now:       d.Now,
	}
	if s.streak == nil {
		s.streak = streak.New()
	}
	if s.events == nil {
		s.events = event.Noop()
	}
	if s.tracker == nil {
		s.tracker = lifecycle.NewTracker()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Location returns the time zone days are resolved in.
func (s *Service) Location() *time.Location { return s.loc }

// Ping reports whether the archive is reachable.
func (s *Service) Ping(ctx context.Context) error { return s.store.Ping(ctx) }

// SyncOutcome is the result of one sync cycle.
type SyncOutcome struct {
	Day         string               `json:"day"`
	Record      *model.WorkoutRecord `json:"record,omitempty"`
	FieldErrors map[string]string    `json:"fieldErrors,omitempty"`
	Empty       bool                 `json:"empty"`
	State       lifecycle.State      `json:"state"`
}

// VerifyOutcome is the result of one verify attempt. When publishing fails the proof
// is still returned with LocallyVerified set.
type VerifyOutcome struct {
	Day             string          `json:"day"`
	Proof           *model.Proof    `json:"proof,omitempty"`
	LocallyVerified bool            `json:"locallyVerified"`
	Published       bool            `json:"published"`
	RemoteURL       string          `json:"remoteUrl,omitempty"`
	MirrorURL       string          `json:"mirrorUrl,omitempty"`
	PublishError    string          `json:"publishError,omitempty"`
	State           lifecycle.State `json:"state"`
}

// StreakOutcome is the seven-day summary plus any per-metric fetch failures.
type StreakOutcome struct {
	Summary     model.StreakSummary `json:"summary"`
	FieldErrors map[string]string   `json:"fieldErrors,omitempty"`
}

// Select resets subject's lifecycle to day. Future days are rejected.
func (s *Service) Select(subject string, day time.Time) (lifecycle.Selection, error) {
	if subject == "" {
		return lifecycle.Selection{}, errordefs.New(errordefs.FP_AUTHN, "missing subject", "")
	}
	w, err := window.Selectable(day.In(s.loc), s.now())
	if err != nil {
		return lifecycle.Selection{}, err
	}
	return s.tracker.Select(subject, w.Start), nil
}

// State returns subject's current selection.
func (s *Service) State(subject string) (lifecycle.Selection, error) {
	sel, ok := s.tracker.Current(subject)
	if !ok {
		return lifecycle.Selection{}, errordefs.New(errordefs.FP_NOT_FOUND, "no day selected", "")
	}
	return sel, nil
}

// Sync fetches and merges the provider data for day. A zero day syncs the currently
// selected day; a day other than the selected one is selected first.
func (s *Service) Sync(ctx context.Context, subject string, account source.Account, day time.Time) (*SyncOutcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "service.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject))

	if err := s.ensureSelected(subject, day); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	sel, err := s.tracker.BeginSync(subject)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	date := sel.Day.Format(window.DayLayout)
	span.SetAttributes(attribute.String("date", date))

	res, syncErr := s.agg.Aggregate(ctx, account, window.SingleDay(sel.Day))
	var rec *model.WorkoutRecord
	out := &SyncOutcome{Day: date}
	if res != nil {
		rec = &res.Record
		out.FieldErrors = res.FieldErrors()
		out.Empty = res.Empty
	}

	fin, err := s.tracker.FinishSync(subject, sel.Generation, rec, syncErr)
	if err != nil {
		// The day changed while the fetch was in flight.
		s.logger.Info("dropping stale sync result", "subject", subject, "date", date)
		return nil, errordefs.Wrap(errordefs.FP_CONFLICT, "selected day changed during sync", err)
	}
	out.State = fin.State
	out.Record = fin.Record
	if len(out.FieldErrors) == 0 {
		out.FieldErrors = nil
	}

	status := syncStatus(out, syncErr)
	if s.metrics != nil {
		s.metrics.SyncTotal.WithLabelValues(status).Inc()
	}
	evt := event.SyncCompleted{Subject: subject, Date: date, Empty: out.Empty, FieldErrors: out.FieldErrors}
	if syncErr != nil {
		evt.Error = syncErr.Error()
	}
	if err := s.events.PublishSyncCompleted(ctx, evt); err != nil {
		s.logger.Warn("failed to publish sync event", "subject", subject, "error", err)
	}

	if syncErr != nil {
		span.SetStatus(codes.Error, syncErr.Error())
		return out, syncErr
	}
	s.logger.Info("sync completed", "subject", subject, "date", date, "status", status)
	return out, nil
}

func syncStatus(out *SyncOutcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case out.Empty:
		return "empty"
	case len(out.FieldErrors) > 0:
		return "partial"
	default:
		return "ok"
	}
}

func (s *Service) ensureSelected(subject string, day time.Time) error {
	if day.IsZero() {
		return nil
	}
	cur, ok := s.tracker.Current(subject)
	if ok && cur.Day.Equal(window.Midnight(day.In(s.loc))) {
		return nil
	}
	_, err := s.Select(subject, day)
	return err
}

// Verify builds, archives and publishes a proof for the synced record. A non-zero day
// must match the selected day.
func (s *Service) Verify(ctx context.Context, subject string, day time.Time) (*VerifyOutcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "service.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject))

	if !day.IsZero() {
		cur, ok := s.tracker.Current(subject)
		if !ok || !cur.Day.Equal(window.Midnight(day.In(s.loc))) {
			return nil, errordefs.New(errordefs.FP_INVALID_TRANSITION,
				fmt.Sprintf("day %s is not the selected day", day.In(s.loc).Format(window.DayLayout)), "")
		}
	}

	sel, err := s.tracker.BeginVerify(subject)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out := &VerifyOutcome{Day: sel.Day.Format(window.DayLayout)}

	p, verifyErr := s.verify(ctx, subject, sel, out)
	fin, err := s.tracker.FinishVerify(subject, sel.Generation, p, verifyErr)
	if err != nil {
		s.logger.Info("dropping stale verify result", "subject", subject, "date", out.Day)
		return nil, errordefs.Wrap(errordefs.FP_CONFLICT, "selected day changed during verify", err)
	}
	out.State = fin.State
	out.Proof = fin.Proof

	if verifyErr != nil {
		span.SetStatus(codes.Error, verifyErr.Error())
		return out, verifyErr
	}
	return out, nil
}

// verify runs the plausibility gate, builds and archives the proof, then publishes it.
// The returned proof is non-nil whenever it was built, even if publishing failed.
func (s *Service) verify(ctx context.Context, subject string, sel lifecycle.Selection, out *VerifyOutcome) (*model.Proof, error) {
	rec := *sel.Record
	if !proof.Verify(rec) {
		return nil, errordefs.NewWithDetails(errordefs.FP_VALIDATION, "verification failed", "",
			map[string]any{"steps": rec.Steps, "distanceKm": rec.DistanceKm(), "activities": len(rec.ActivitySummary)})
	}

	p, err := s.builder.Build(ctx, rec)
	if err != nil {
		return nil, err
	}
	if err := s.validator.ValidateProof(*p); err != nil {
		return nil, err
	}

	archived := model.ProofRecord{
		ProofID:   p.ProofID,
		Subject:   subject,
		Date:      rec.Date,
		Proof:     *p,
		Verified:  true,
		CreatedAt: s.now(),
	}
	if err := s.store.SaveProof(ctx, archived); err != nil {
		return nil, errordefs.Wrap(errordefs.FP_INTERNAL, "failed to archive proof", err)
	}
	out.LocallyVerified = true

	res, pubErr := s.publisher.Publish(ctx, *p)
	if s.mirror != nil {
		url, err := s.mirror.Put(ctx, *p)
		if err != nil {
			s.logger.Warn("proof mirror failed", "proof_id", p.ProofID, "error", err)
		} else {
			archived.MirrorURL = url
			out.MirrorURL = url
		}
	}

	if pubErr != nil {
		archived.PublishError = errordefs.From(pubErr).Message
		out.PublishError = archived.PublishError
	} else {
		archived.Published = true
		archived.RemoteURL = res.RemoteURL
		out.Published = true
		out.RemoteURL = res.RemoteURL
	}
	if err := s.store.UpdateProof(ctx, archived); err != nil {
		s.logger.Warn("failed to record publish outcome", "proof_id", p.ProofID, "error", err)
	}

	if pubErr != nil {
		if err := s.events.PublishProofFailed(ctx, archived); err != nil {
			s.logger.Warn("failed to publish proof event", "proof_id", p.ProofID, "error", err)
		}
		s.logger.Warn("proof publish failed", "proof_id", p.ProofID, "error", pubErr)
		return p, pubErr
	}
	if err := s.events.PublishProofPublished(ctx, archived); err != nil {
		s.logger.Warn("failed to publish proof event", "proof_id", p.ProofID, "error", err)
	}
	s.logger.Info("proof verified", "subject", subject, "proof_id", p.ProofID, "url", res.RemoteURL)
	return p, nil
}

// Streak summarises the seven days ending with ref's day, or today when ref is zero.
// It is independent of the lifecycle and never persisted.
func (s *Service) Streak(ctx context.Context, subject string, account source.Account, ref time.Time) (*StreakOutcome, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "service.Streak")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject))

	if ref.IsZero() {
		ref = s.now()
	}

	w, err := window.TrailingDays(ref.In(s.loc), streak.Days)
	if err != nil {
		return nil, err
	}
	res, err := s.agg.Buckets(ctx, account, w, model.Steps, model.HeartPoints)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// A provider with nothing for the week reports no data rather than a zero streak.
	buckets := res.Buckets
	if res.Empty {
		buckets = nil
	}
	summary, err := s.streak.Compute(buckets)
	if err != nil && !errors.Is(err, streak.ErrNoData) {
		return nil, err
	}
	out := &StreakOutcome{Summary: summary}
	if len(res.Errors) > 0 {
		out.FieldErrors = make(map[string]string, len(res.Errors))
		for kind, ferr := range res.Errors {
			out.FieldErrors[string(kind)] = errordefs.From(ferr).Message
		}
	}
	return out, nil
}

// GetProof returns one of subject's archived proofs. Proofs owned by another
// subject are reported as not found.
func (s *Service) GetProof(ctx context.Context, subject, id string) (*model.ProofRecord, error) {
	rec, err := s.store.GetProof(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && rec.Subject != subject) {
		return nil, errordefs.New(errordefs.FP_NOT_FOUND, "proof not found", "")
	}
	if err != nil {
		return nil, errordefs.Wrap(errordefs.FP_INTERNAL, "failed to load proof", err)
	}
	return rec, nil
}

// ListProofs pages through subject's archived proofs, newest first.
func (s *Service) ListProofs(ctx context.Context, subject, cursor string, limit int) (*model.ListProofsResult, error) {
	if limit < 0 || limit > storage.MaxLimit {
		return nil, errordefs.New(errordefs.FP_VALIDATION, fmt.Sprintf("limit must be between 1 and %d", storage.MaxLimit), "")
	}
	page, err := s.store.ListProofs(ctx, model.ListProofsQuery{Subject: subject, Cursor: cursor, Limit: limit})
	if errors.Is(err, storage.ErrInvalidCursor) {
		return nil, errordefs.New(errordefs.FP_VALIDATION, "invalid cursor", "")
	}
	if err != nil {
		return nil, errordefs.Wrap(errordefs.FP_INTERNAL, "failed to list proofs", err)
	}
	return page, nil
}
