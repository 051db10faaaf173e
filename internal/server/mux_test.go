package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/aggregator"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/auth"
	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/proof"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/service"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/source/sourcetest"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var (
	testAuth = auth.Config{Secret: "test-secret", Issuer: "fitproof", Audience: "fitproof"}
	monday   = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
)

// mockPublisher implements publish.Publisher for testing purposes.
type mockPublisher struct {
	calls int
	err   error
}

func (m *mockPublisher) Publish(_ context.Context, p model.Proof) (model.PublishResult, error) {
	m.calls++
	if m.err != nil {
		return model.PublishResult{}, m.err
	}
	return model.PublishResult{RemoteURL: "https://gist.github.com/test/" + p.ProofID, Success: true}, nil
}

type harness struct {
	handler http.Handler
	pub     *mockPublisher
	token   string
	svc     *service.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	src := sourcetest.New().
		On(model.Steps, sourcetest.Buckets(sourcetest.Bucket(monday, model.Steps, 4200)))
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	pub := &mockPublisher{}
	clock := func() time.Time { return monday.Add(30 * time.Hour) }
	svc, err := service.New(service.Deps{
		Aggregator: aggregator.New(src),
		Builder:    proof.NewBuilder(proof.WithClock(clock)),
		Validator:  validator,
		Publisher:  pub,
		Store:      storage.NewMemory(),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Location:   time.UTC,
		Now:        clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	token, err := auth.Sign(testAuth, "alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	mux := NewMux(svc, auth.NewVerifier(testAuth), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return &harness{handler: mux, pub: pub, token: token, svc: svc}
}

// envelope is the decoded response body.
type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *errordefs.Error `json:"error"`
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set(HeaderFitnessAccount, "ya29.test-token")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	var env envelope
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rr, env
}

// TestHealthzEndpoint verifies that /healthz returns 200 OK without authentication.
func TestHealthzEndpoint(t *testing.T) {
	h := newHarness(t)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("healthz: got %d %q", rr.Code, rr.Body.String())
	}
}

// TestReadyzEndpoint verifies that /readyz probes the archive and extra checks.
func TestReadyzEndpoint(t *testing.T) {
	h := newHarness(t)
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("readyz: got %d", rr.Code)
	}
}

func TestReadyzReportsFailingDependency(t *testing.T) {
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	s, err := service.New(service.Deps{
		Aggregator: aggregator.New(sourcetest.New()),
		Builder:    proof.NewBuilder(),
		Validator:  validator,
		Publisher:  &mockPublisher{},
		Store:      storage.NewMemory(),
	})
	if err != nil {
		t.Fatal(err)
	}
	down := func(context.Context) error { return errordefs.New(errordefs.FP_UNAVAILABLE, "nats down", "") }
	mux := NewMux(s, auth.NewVerifier(testAuth), WithReadinessCheck(down))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz: got %d want 503", rr.Code)
	}
}

func TestRequestLogCarriesTraceID(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	h := newHarness(t)
	var logs bytes.Buffer
	mux := NewMux(h.svc, auth.NewVerifier(testAuth), WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	mux.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(logs.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`) {
		t.Errorf("trace id missing from request log: %s", logs.String())
	}
}

func TestAuthenticationRequired(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Set(HeaderCorrelationID, "corr-1")
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("got %d want 401", rr.Code)
	}
	if got := rr.Header().Get(HeaderCorrelationID); got != "corr-1" {
		t.Errorf("correlation id not echoed: %q", got)
	}
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != errordefs.FP_AUTHN || env.Error.CorrelationID != "corr-1" {
		t.Errorf("unexpected error: %+v", env.Error)
	}
}

func TestExpiredToken(t *testing.T) {
	h := newHarness(t)
	expired, err := auth.Sign(testAuth, "alice", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	h.token = expired
	rr, env := h.do(t, http.MethodGet, "/v1/state", "")
	if rr.Code != http.StatusUnauthorized || env.Error.Code != errordefs.FP_JWT_EXPIRED {
		t.Errorf("got %d %+v", rr.Code, env.Error)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	rr, env := h.do(t, http.MethodGet, "/v1/sync", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("got %d want 405", rr.Code)
	}
	if env.Error.Code != errordefs.FP_BAD_REQUEST {
		t.Errorf("got code %s", env.Error.Code)
	}
}

func TestSelectSyncVerifyFlow(t *testing.T) {
	h := newHarness(t)

	rr, env := h.do(t, http.MethodPost, "/v1/selection", `{"date":"2024-05-06"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("select: got %d %+v", rr.Code, env.Error)
	}
	var sel selectionView
	if err := json.Unmarshal(env.Data, &sel); err != nil {
		t.Fatal(err)
	}
	if sel.State != "idle" || sel.Day != "2024-05-06" {
		t.Errorf("select: unexpected view %+v", sel)
	}

	rr, env = h.do(t, http.MethodPost, "/v1/sync", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sync: got %d %+v", rr.Code, env.Error)
	}
	var synced service.SyncOutcome
	if err := json.Unmarshal(env.Data, &synced); err != nil {
		t.Fatal(err)
	}
	if synced.State != "synced" || synced.Record == nil || synced.Record.Steps != 4200 {
		t.Errorf("sync: unexpected outcome %+v", synced)
	}

	rr, env = h.do(t, http.MethodPost, "/v1/verify", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("verify: got %d %+v", rr.Code, env.Error)
	}
	var verified service.VerifyOutcome
	if err := json.Unmarshal(env.Data, &verified); err != nil {
		t.Fatal(err)
	}
	if !verified.Published || verified.Proof == nil {
		t.Fatalf("verify: unexpected outcome %+v", verified)
	}

	rr, env = h.do(t, http.MethodGet, "/v1/proofs/"+verified.Proof.ProofID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get proof: got %d %+v", rr.Code, env.Error)
	}
	var got model.ProofRecord
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Proof.Hash != verified.Proof.Hash || got.RemoteURL != verified.RemoteURL {
		t.Errorf("get proof: archived record differs: %+v", got)
	}
	if err := proof.Check(got.Proof); err != nil {
		t.Errorf("archived proof fails hash check: %v", err)
	}

	bob, err := auth.Sign(testAuth, "bob", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/proofs/"+verified.Proof.ProofID, nil)
	req.Header.Set("Authorization", "Bearer "+bob)
	other := httptest.NewRecorder()
	h.handler.ServeHTTP(other, req)
	if other.Code != http.StatusNotFound {
		t.Errorf("get proof as another subject: got %d want 404", other.Code)
	}

	rr, env = h.do(t, http.MethodGet, "/v1/proofs?limit=10", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list: got %d", rr.Code)
	}
	var page model.ListProofsResult
	if err := json.Unmarshal(env.Data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Proofs) != 1 {
		t.Errorf("list: got %d proofs", len(page.Proofs))
	}

	rr, env = h.do(t, http.MethodGet, "/v1/state", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("state: got %d", rr.Code)
	}
	if err := json.Unmarshal(env.Data, &sel); err != nil {
		t.Fatal(err)
	}
	if sel.State != "verified" || sel.Proof == nil {
		t.Errorf("state: unexpected view %+v", sel)
	}

	rr, env = h.do(t, http.MethodPost, "/v1/verify", "")
	if rr.Code != http.StatusConflict || env.Error.Code != errordefs.FP_INVALID_TRANSITION {
		t.Errorf("second verify: got %d %+v", rr.Code, env.Error)
	}
}

func TestPublishFailureReturnsOutcome(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errordefs.NewWithDetails(errordefs.FP_PUBLISH, "Bad credentials", "", map[string]any{"kind": "remote", "status": 401})

	if rr, env := h.do(t, http.MethodPost, "/v1/sync", `{"date":"2024-05-06"}`); rr.Code != http.StatusOK {
		t.Fatalf("sync: got %d %+v", rr.Code, env.Error)
	}
	rr, env := h.do(t, http.MethodPost, "/v1/verify", "")
	if rr.Code != http.StatusBadGateway || env.Error.Code != errordefs.FP_PUBLISH {
		t.Fatalf("verify: got %d %+v", rr.Code, env.Error)
	}
	details, ok := env.Error.Details.(map[string]interface{})
	if !ok {
		t.Fatalf("details: %T", env.Error.Details)
	}
	outcome, _ := details["outcome"].(map[string]interface{})
	if outcome["locallyVerified"] != true || outcome["state"] != "verify_error" {
		t.Errorf("unexpected outcome %+v", outcome)
	}
}

func TestRequestErrors(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   errordefs.ErrorCode
	}{
		{"future day", http.MethodPost, "/v1/selection", `{"date":"2024-05-09"}`, http.StatusBadRequest, errordefs.FP_INVALID_RANGE},
		{"missing date", http.MethodPost, "/v1/selection", `{}`, http.StatusBadRequest, errordefs.FP_VALIDATION},
		{"bad date", http.MethodPost, "/v1/selection", `{"date":"06/05/2024"}`, http.StatusBadRequest, errordefs.FP_VALIDATION},
		{"bad json", http.MethodPost, "/v1/sync", `{`, http.StatusBadRequest, errordefs.FP_VALIDATION},
		{"sync without selection", http.MethodPost, "/v1/sync", "", http.StatusConflict, errordefs.FP_INVALID_TRANSITION},
		{"verify without sync", http.MethodPost, "/v1/verify", "", http.StatusConflict, errordefs.FP_INVALID_TRANSITION},
		{"no state", http.MethodGet, "/v1/state", "", http.StatusNotFound, errordefs.FP_NOT_FOUND},
		{"bad proof id", http.MethodGet, "/v1/proofs/not-a-uuid", "", http.StatusBadRequest, errordefs.FP_VALIDATION},
		{"unknown proof", http.MethodGet, "/v1/proofs/0b0e7a4c-3f55-4a3e-9f2e-1d4c5b6a7e8f", "", http.StatusNotFound, errordefs.FP_NOT_FOUND},
		{"bad limit", http.MethodGet, "/v1/proofs?limit=abc", "", http.StatusBadRequest, errordefs.FP_VALIDATION},
		{"bad cursor", http.MethodGet, "/v1/proofs?cursor=%25%25", "", http.StatusBadRequest, errordefs.FP_VALIDATION},
		{"bad streak date", http.MethodGet, "/v1/streak?date=yesterday", "", http.StatusBadRequest, errordefs.FP_VALIDATION},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			rr, env := h.do(t, tc.method, tc.path, tc.body)
			if rr.Code != tc.status {
				t.Fatalf("got status %d want %d (%+v)", rr.Code, tc.status, env.Error)
			}
			if env.Error == nil || env.Error.Code != tc.code {
				t.Errorf("got error %+v want code %s", env.Error, tc.code)
			}
			if env.Error != nil && env.Error.CorrelationID == "" {
				t.Error("missing correlation id")
			}
		})
	}
}

func TestStreakEndpoint(t *testing.T) {
	h := newHarness(t)
	rr, env := h.do(t, http.MethodGet, "/v1/streak?date=2024-05-06", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("got %d %+v", rr.Code, env.Error)
	}
	var out service.StreakOutcome
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Summary.TodaySteps != 4200 || out.Summary.ActiveDays != 1 {
		t.Errorf("unexpected summary %+v", out.Summary)
	}
}
