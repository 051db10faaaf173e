// Package conformance provides a black-box harness for checking a fitproof
// deployment against its HTTP contract.
package conformance

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/aggregator"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/auth"
	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/proof"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/publish"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/server"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/service"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/source/sourcetest"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/storage"
)

// Harness runs a complete fitproof stack behind a real HTTP listener. The
// metric provider is scripted and GitHub is replaced by a local gist sink.
type Harness struct {
	server *httptest.Server
	github *httptest.Server
	auth   auth.Config
	day    time.Time
	steps  float64
	token  string

	mu    sync.Mutex
	gists []string
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// Day is the workout day scripted into the provider (midnight UTC)
	Day time.Time

	// Steps is the step total the provider reports for Day
	Steps float64
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	h := &Harness{
		auth:  auth.Config{Secret: "conformance-secret", Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience},
		day:   cfg.Day,
		steps: cfg.Steps,
	}
	h.github = httptest.NewServer(http.HandlerFunc(h.acceptGist))

	validator, err := schema.NewValidator()
	if err != nil {
		h.github.Close()
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return cfg.Day.Add(30 * time.Hour) }
	src := sourcetest.New().
		On(model.Steps, sourcetest.Buckets(sourcetest.Bucket(cfg.Day, model.Steps, cfg.Steps)))
	svc, err := service.New(service.Deps{
		Aggregator: aggregator.New(src),
		Builder:    proof.NewBuilder(proof.WithClock(clock)),
		Validator:  validator,
		Publisher:  publish.NewGist(h.github.URL, "ghp_conformance", publish.WithGistLogger(logger)),
		Store:      storage.NewMemory(),
		Logger:     logger,
		Location:   time.UTC,
		Now:        clock,
	})
	if err != nil {
		h.github.Close()
		return nil, err
	}

	h.token, err = auth.Sign(h.auth, "conformance-user", time.Hour)
	if err != nil {
		h.github.Close()
		return nil, err
	}
	h.server = httptest.NewServer(server.NewMux(svc, auth.NewVerifier(h.auth), server.WithLogger(logger)))
	return h, nil
}

// acceptGist stands in for the GitHub gist endpoint.
func (h *Harness) acceptGist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/gists" {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Files map[string]struct {
			Content string `json:"content"`
		} `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.gists = append(h.gists, body.Files[publish.GistFileName].Content)
	n := len(h.gists)
	h.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"html_url":"https://gist.github.com/conformance/%d"}`, n)
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test servers.
func (h *Harness) Close() {
	h.server.Close()
	h.github.Close()
}

// envelope is the response wrapper every /v1 route returns.
type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *errordefs.Error `json:"error"`
}

func (h *Harness) call(t *testing.T, method, path, body string, authed bool) (*http.Response, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.URL()+path, rdr)
	if err != nil {
		t.Fatalf("build %s %s: %v", method, path, err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+h.token)
		req.Header.Set(server.HeaderFitnessAccount, "ya29.conformance")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp, env
}

// RunConformanceTests runs all conformance checks against the stack.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Envelope", h.testEnvelope)
	t.Run("Auth", h.testAuth)
	t.Run("VerifyFlow", h.testVerifyFlow)
	t.Run("Pagination", h.testPagination)
}

// testHealthEndpoints tests the health check endpoints.
func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("failed to GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode)
		}
	}
}

// testEnvelope checks error bodies and correlation IDs.
func (h *Harness) testEnvelope(t *testing.T) {
	resp, env := h.call(t, http.MethodPost, "/v1/selection", `{"date":"not-a-day"}`, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad date: got %d", resp.StatusCode)
	}
	if env.Error == nil || env.Error.Code == "" || env.Error.Message == "" {
		t.Fatalf("bad date: missing error body %+v", env)
	}
	if env.Data != nil {
		t.Errorf("error response carried data: %s", env.Data)
	}
	id := resp.Header.Get(server.HeaderCorrelationID)
	if id == "" || env.Error.CorrelationID != id {
		t.Errorf("correlation ID header %q, body %q", id, env.Error.CorrelationID)
	}
}

// testAuth checks that every /v1 route requires a valid token.
func (h *Harness) testAuth(t *testing.T) {
	routes := []struct{ method, path string }{
		{http.MethodPost, "/v1/selection"},
		{http.MethodPost, "/v1/sync"},
		{http.MethodPost, "/v1/verify"},
		{http.MethodGet, "/v1/streak"},
		{http.MethodGet, "/v1/state"},
		{http.MethodGet, "/v1/proofs"},
	}
	for _, rt := range routes {
		resp, env := h.call(t, rt.method, rt.path, "", false)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s without token: got %d", rt.method, rt.path, resp.StatusCode)
			continue
		}
		if env.Error == nil || env.Error.Code != errordefs.FP_AUTHN {
			t.Errorf("%s %s without token: error %+v", rt.method, rt.path, env.Error)
		}
	}
}

// testVerifyFlow drives select, sync and verify, then checks that the
// published gist is byte-identical to the archived proof.
func (h *Harness) testVerifyFlow(t *testing.T) {
	body := fmt.Sprintf(`{"date":%q}`, h.day.Format("2006-01-02"))
	if resp, env := h.call(t, http.MethodPost, "/v1/selection", body, true); resp.StatusCode != http.StatusOK {
		t.Fatalf("select: got %d %+v", resp.StatusCode, env.Error)
	}

	resp, env := h.call(t, http.MethodPost, "/v1/sync", "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync: got %d %+v", resp.StatusCode, env.Error)
	}
	var synced service.SyncOutcome
	if err := json.Unmarshal(env.Data, &synced); err != nil {
		t.Fatal(err)
	}
	if synced.Record == nil || synced.Record.Steps != int64(h.steps) {
		t.Fatalf("sync: record %+v", synced.Record)
	}

	resp, env = h.call(t, http.MethodPost, "/v1/verify", "", true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("verify: got %d %+v", resp.StatusCode, env.Error)
	}
	var verified service.VerifyOutcome
	if err := json.Unmarshal(env.Data, &verified); err != nil {
		t.Fatal(err)
	}
	if !verified.LocallyVerified || !verified.Published || verified.Proof == nil {
		t.Fatalf("verify: outcome %+v", verified)
	}
	p := verified.Proof
	if got := proof.Hash(p.WorkoutData); got != p.Hash {
		t.Errorf("hash mismatch: body hashes to %s, proof says %s", got, p.Hash)
	}
	if p.HashAlgorithm != model.HashAlgorithm {
		t.Errorf("hash algorithm %q", p.HashAlgorithm)
	}

	encoded, err := proof.Encode(*p)
	if err != nil {
		t.Fatal(err)
	}
	h.mu.Lock()
	gists := append([]string(nil), h.gists...)
	h.mu.Unlock()
	if len(gists) == 0 || gists[len(gists)-1] != string(encoded) {
		t.Errorf("published gist does not match proof bytes")
	}

	resp, env = h.call(t, http.MethodGet, "/v1/proofs/"+p.ProofID, "", true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get proof: got %d %+v", resp.StatusCode, env.Error)
	}
	var rec model.ProofRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.RemoteURL != verified.RemoteURL || !rec.Verified || !rec.Published {
		t.Errorf("archived record %+v", rec)
	}
}

// testPagination walks the proof archive with limit=1.
func (h *Harness) testPagination(t *testing.T) {
	seen := map[string]bool{}
	cursor := ""
	for i := 0; i < 10; i++ {
		path := "/v1/proofs?limit=1"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		resp, env := h.call(t, http.MethodGet, path, "", true)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list: got %d %+v", resp.StatusCode, env.Error)
		}
		var page model.ListProofsResult
		if err := json.Unmarshal(env.Data, &page); err != nil {
			t.Fatal(err)
		}
		if len(page.Proofs) > 1 {
			t.Fatalf("list: limit=1 returned %d proofs", len(page.Proofs))
		}
		for _, p := range page.Proofs {
			if seen[p.ProofID] {
				t.Fatalf("list: proof %s returned twice", p.ProofID)
			}
			seen[p.ProofID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) == 0 {
		t.Error("list: archive is empty after a verify")
	}

	resp, env := h.call(t, http.MethodGet, "/v1/proofs?cursor=***", "", true)
	if resp.StatusCode != http.StatusBadRequest || env.Error == nil || env.Error.Code != errordefs.FP_VALIDATION {
		t.Errorf("bad cursor: got %d %+v", resp.StatusCode, env.Error)
	}
}
