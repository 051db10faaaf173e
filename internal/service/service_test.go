package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/aggregator"
	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/event"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/lifecycle"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/proof"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/publish"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/source"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/source/sourcetest"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/storage"
	"github.com/stretchr/testify/require"
)

const account = source.Account("ya29.test-token")

var (
	monday = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	now    = monday.Add(36 * time.Hour)
)

type fakePublisher struct {
	mu    sync.Mutex
	calls []model.Proof
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, p model.Proof) (model.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p)
	if f.err != nil {
		return model.PublishResult{}, f.err
	}
	return model.PublishResult{RemoteURL: "https://gist.github.com/alice/" + p.ProofID, Success: true}, nil
}

type fakeMirror struct {
	err error
}

func (f *fakeMirror) Put(_ context.Context, p model.Proof) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "s3://proofs/" + p.ProofID + ".json", nil
}

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) add(typ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typ)
	return nil
}

func (r *recorder) PublishSyncCompleted(context.Context, event.SyncCompleted) error {
	return r.add(event.TypeSyncCompleted)
}

func (r *recorder) PublishProofPublished(context.Context, model.ProofRecord) error {
	return r.add(event.TypeProofPublished)
}

func (r *recorder) PublishProofFailed(context.Context, model.ProofRecord) error {
	return r.add(event.TypeProofPublishFailed)
}

func (r *recorder) Close() error { return nil }

type fixture struct {
	svc    *Service
	src    *sourcetest.Fake
	pub    *fakePublisher
	store  storage.Store
	events *recorder
}

func newFixture(t *testing.T, mirror publish.Mirror) *fixture {
	t.Helper()
	validator, err := schema.NewValidator()
	require.NoError(t, err)

	f := &fixture{
		src:    sourcetest.New(),
		pub:    &fakePublisher{},
		store:  storage.NewMemory(),
		events: &recorder{},
	}
	deps := Deps{
		Aggregator: aggregator.New(f.src),
		Builder:    proof.NewBuilder(proof.WithClock(func() time.Time { return now })),
		Validator:  validator,
		Publisher:  f.pub,
		Mirror:     mirror,
		Store:      f.store,
		Events:     f.events,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Location:   time.UTC,
		Now:        func() time.Time { return now },
	}
	f.svc, err = New(deps)
	require.NoError(t, err)
	return f
}

func (f *fixture) steps(n float64) *fixture {
	f.src.On(model.Steps, sourcetest.Buckets(sourcetest.Bucket(monday, model.Steps, n)))
	return f
}

func TestSyncThenVerifyPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil).steps(4200)

	synced, err := f.svc.Sync(ctx, "alice", account, monday)
	require.NoError(t, err)
	require.Equal(t, lifecycle.Synced, synced.State)
	require.Equal(t, "2024-05-06", synced.Day)
	require.EqualValues(t, 4200, synced.Record.Steps)

	out, err := f.svc.Verify(ctx, "alice", time.Time{})
	require.NoError(t, err)
	require.Equal(t, lifecycle.Verified, out.State)
	require.True(t, out.LocallyVerified)
	require.True(t, out.Published)
	require.NotNil(t, out.Proof)
	require.Equal(t, "https://gist.github.com/alice/"+out.Proof.ProofID, out.RemoteURL)
	require.NoError(t, proof.Check(*out.Proof))
	require.Len(t, f.pub.calls, 1)

	rec, err := f.svc.GetProof(ctx, "alice", out.Proof.ProofID)
	require.NoError(t, err)
	require.True(t, rec.Verified)
	require.True(t, rec.Published)
	require.Equal(t, out.RemoteURL, rec.RemoteURL)
	require.Equal(t, "alice", rec.Subject)
	require.Equal(t, "2024-05-06", rec.Date)

	_, err = f.svc.GetProof(ctx, "bob", out.Proof.ProofID)
	require.True(t, errordefs.Is(err, errordefs.FP_NOT_FOUND), "proofs are private to their subject")

	require.Equal(t, []string{event.TypeSyncCompleted, event.TypeProofPublished}, f.events.types)

	_, err = f.svc.Verify(ctx, "alice", time.Time{})
	require.True(t, errordefs.Is(err, errordefs.FP_INVALID_TRANSITION), "verified is terminal")
}

func TestVerifyRejectsImplausibleRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil).steps(50)

	_, err := f.svc.Sync(ctx, "alice", account, monday)
	require.NoError(t, err)

	out, err := f.svc.Verify(ctx, "alice", monday)
	require.True(t, errordefs.Is(err, errordefs.FP_VALIDATION))
	require.Equal(t, "verification failed", errordefs.From(err).Message)
	require.Equal(t, lifecycle.VerifyError, out.State)
	require.False(t, out.LocallyVerified)
	require.Nil(t, out.Proof)
	require.Empty(t, f.pub.calls)

	page, err := f.svc.ListProofs(ctx, "alice", "", 0)
	require.NoError(t, err)
	require.Empty(t, page.Proofs)
}

func TestPublishFailureKeepsProofAndRetryBuildsNewID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil).steps(4200)
	f.pub.err = errordefs.NewWithDetails(errordefs.FP_PUBLISH, "Bad credentials", "", map[string]any{"kind": "remote", "status": 401})

	_, err := f.svc.Sync(ctx, "alice", account, monday)
	require.NoError(t, err)

	failed, err := f.svc.Verify(ctx, "alice", time.Time{})
	require.True(t, errordefs.Is(err, errordefs.FP_PUBLISH))
	require.Equal(t, lifecycle.VerifyError, failed.State)
	require.True(t, failed.LocallyVerified)
	require.False(t, failed.Published)
	require.Equal(t, "Bad credentials", failed.PublishError)
	require.NotNil(t, failed.Proof)

	rec, err := f.svc.GetProof(ctx, "alice", failed.Proof.ProofID)
	require.NoError(t, err)
	require.True(t, rec.Verified)
	require.False(t, rec.Published)
	require.Equal(t, "Bad credentials", rec.PublishError)

	f.pub.err = nil
	retried, err := f.svc.Verify(ctx, "alice", time.Time{})
	require.NoError(t, err)
	require.NotEqual(t, failed.Proof.ProofID, retried.Proof.ProofID)
	require.Len(t, f.pub.calls, 2)

	page, err := f.svc.ListProofs(ctx, "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Proofs, 2)
	require.Equal(t, []string{event.TypeSyncCompleted, event.TypeProofPublishFailed, event.TypeProofPublished}, f.events.types)
}

func TestMirrorFailureDoesNotChangeOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeMirror{err: errors.New("bucket unavailable")}).steps(4200)

	_, err := f.svc.Sync(ctx, "alice", account, monday)
	require.NoError(t, err)
	out, err := f.svc.Verify(ctx, "alice", time.Time{})
	require.NoError(t, err)
	require.True(t, out.Published)
	require.Empty(t, out.MirrorURL)
}

func TestMirrorURLIsArchived(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeMirror{}).steps(4200)

	_, err := f.svc.Sync(ctx, "alice", account, monday)
	require.NoError(t, err)
	out, err := f.svc.Verify(ctx, "alice", time.Time{})
	require.NoError(t, err)
	require.Equal(t, "s3://proofs/"+out.Proof.ProofID+".json", out.MirrorURL)

	rec, err := f.svc.GetProof(ctx, "alice", out.Proof.ProofID)
	require.NoError(t, err)
	require.Equal(t, out.MirrorURL, rec.MirrorURL)
}

func TestSyncPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil).steps(4200)
	f.src.On(model.DistanceMeters, sourcetest.Fail(errors.New("backend unavailable")))

	out, err := f.svc.Sync(ctx, "alice", account, monday)
	require.NoError(t, err)
	require.Equal(t, lifecycle.Synced, out.State)
	require.Equal(t, "failed to fetch distance", out.FieldErrors["distance_meters"])
	require.EqualValues(t, 4200, out.Record.Steps)
}

func TestSyncWithoutAccountKeepsSyncError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	out, err := f.svc.Sync(ctx, "alice", "", monday)
	require.True(t, errordefs.Is(err, errordefs.FP_NO_ACCOUNT))
	require.Equal(t, lifecycle.SyncError, out.State)

	sel, err := f.svc.State("alice")
	require.NoError(t, err)
	require.Equal(t, lifecycle.SyncError, sel.State)

	_, err = f.svc.Verify(ctx, "alice", time.Time{})
	require.True(t, errordefs.Is(err, errordefs.FP_INVALID_TRANSITION))
}

func TestSelectRejectsFutureDay(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Sync(context.Background(), "alice", account, monday.AddDate(0, 0, 2))
	require.True(t, errordefs.Is(err, errordefs.FP_INVALID_RANGE))

	_, err = f.svc.State("alice")
	require.True(t, errordefs.Is(err, errordefs.FP_NOT_FOUND))
}

func TestVerifyRejectsOtherDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil).steps(4200)
	_, err := f.svc.Sync(ctx, "alice", account, monday)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, "alice", monday.AddDate(0, 0, -1))
	require.True(t, errordefs.Is(err, errordefs.FP_INVALID_TRANSITION))
}

func TestSelectingNewDayResetsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil).steps(4200)
	_, err := f.svc.Sync(ctx, "alice", account, monday)
	require.NoError(t, err)

	sel, err := f.svc.Select("alice", monday.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Equal(t, lifecycle.Idle, sel.State)
	require.Nil(t, sel.Record)
}

func TestStreak(t *testing.T) {
	steps := []float64{0, 150, 150, 0, 150, 150, 150}
	var buckets []model.DailyBucket
	for i, v := range steps {
		buckets = append(buckets, sourcetest.Bucket(monday.AddDate(0, 0, i-6), model.Steps, v))
	}
	f := newFixture(t, nil)
	f.src.On(model.Steps, sourcetest.Buckets(buckets...))
	f.src.On(model.HeartPoints, sourcetest.Fail(errors.New("quota exceeded")))

	out, err := f.svc.Streak(context.Background(), "alice", account, monday)
	require.NoError(t, err)
	require.Equal(t, 5, out.Summary.ActiveDays)
	require.Equal(t, 0, out.Summary.StreakDays)
	require.EqualValues(t, 150, out.Summary.TodaySteps)
	require.InDelta(t, 750.0/7, out.Summary.WeeklyAvgSteps, 1e-9)
	require.Equal(t, "failed to fetch heart points", out.FieldErrors["heart_points"])
}

func TestStreakWithoutDataReportsNoData(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.svc.Streak(context.Background(), "alice", account, monday)
	require.NoError(t, err)
	require.True(t, out.Summary.NoData)
	require.Zero(t, out.Summary.StreakDays)
	require.Zero(t, out.Summary.ActiveDays)
	require.Empty(t, out.FieldErrors)
}

func TestStreakWithZeroStepDaysIsData(t *testing.T) {
	f := newFixture(t, nil)
	f.src.On(model.Steps, sourcetest.Buckets(sourcetest.Bucket(monday, model.Steps, 0)))

	out, err := f.svc.Streak(context.Background(), "alice", account, monday)
	require.NoError(t, err)
	require.False(t, out.Summary.NoData, "a reported zero is a real result")
	require.Zero(t, out.Summary.StreakDays)
}

func TestArchiveErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.svc.GetProof(ctx, "alice", "missing")
	require.True(t, errordefs.Is(err, errordefs.FP_NOT_FOUND))

	_, err = f.svc.ListProofs(ctx, "alice", "%%%", 0)
	require.True(t, errordefs.Is(err, errordefs.FP_VALIDATION))

	_, err = f.svc.ListProofs(ctx, "alice", "", storage.MaxLimit+1)
	require.True(t, errordefs.Is(err, errordefs.FP_VALIDATION))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}
