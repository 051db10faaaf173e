package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/proof"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Gist defaults.
const (
	DefaultGitHubAPI  = "https://api.github.com"
	PlaceholderToken  = "Personal Access Token"
	GistFileName      = "workout-proof.json"
	UnknownURL        = "Unknown URL"
	githubAcceptValue = "application/vnd.github.v3+json"
)

// GistPublisher creates one public gist per proof.
type GistPublisher struct {
	base    string
	token   string
	hc      *http.Client
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// GistOption configures a GistPublisher.
type GistOption func(*GistPublisher)

// WithGistHTTPClient replaces the HTTP client.
func WithGistHTTPClient(hc *http.Client) GistOption { return func(g *GistPublisher) { g.hc = hc } }

// WithGistClock overrides the clock used for the gist description.
func WithGistClock(now func() time.Time) GistOption { return func(g *GistPublisher) { g.now = now } }

// WithGistLogger sets the logger.
func WithGistLogger(l *slog.Logger) GistOption { return func(g *GistPublisher) { g.logger = l } }

// WithGistMetrics counts publish outcomes.
func WithGistMetrics(m *metrics.Metrics) GistOption { return func(g *GistPublisher) { g.metrics = m } }

// NewGist creates a publisher for the GitHub API at baseURL (DefaultGitHubAPI when empty).
func NewGist(baseURL, token string, opts ...GistOption) *GistPublisher {
	if baseURL == "" {
		baseURL = DefaultGitHubAPI
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	g := &GistPublisher{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		hc:     &http.Client{Transport: transport, Timeout: 15 * time.Second},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Configured reports whether the token looks usable.
func (g *GistPublisher) Configured() bool {
	return g.token != "" && g.token != PlaceholderToken
}

type gistFile struct {
	Content string `json:"content"`
}

type gistRequest struct {
	Description string              `json:"description"`
	Public      bool                `json:"public"`
	Files       map[string]gistFile `json:"files"`
}

type gistResponse struct {
	HTMLURL string `json:"html_url"`
}

// Publish implements Publisher. It issues exactly one request and never retries.
func (g *GistPublisher) Publish(ctx context.Context, p model.Proof) (model.PublishResult, error) {
	ctx, span := otel.Tracer("fitproof-service").Start(ctx, "publish.Gist")
	defer span.End()
	span.SetAttributes(attribute.String("proof_id", p.ProofID))

	res, err := g.publish(ctx, p)
	if g.metrics != nil {
		g.metrics.ProofPublishTotal.WithLabelValues("gist", metrics.Status(err)).Inc()
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return model.PublishResult{}, err
	}
	return res, nil
}

func (g *GistPublisher) publish(ctx context.Context, p model.Proof) (model.PublishResult, error) {
	if !g.Configured() {
		return model.PublishResult{}, errordefs.New(errordefs.FP_CONFIG,
			"GitHub token not configured. Please set your personal access token.", "")
	}

	content, err := proof.Encode(p)
	if err != nil {
		return model.PublishResult{}, errordefs.Wrap(errordefs.FP_PUBLISH, "failed to encode proof", err)
	}
	payload, err := json.Marshal(gistRequest{
		Description: "Workout Proof - " + g.now().Format("2006-01-02"),
		Public:      true,
		Files:       map[string]gistFile{GistFileName: {Content: string(content)}},
	})
	if err != nil {
		return model.PublishResult{}, errordefs.Wrap(errordefs.FP_PUBLISH, "failed to encode gist request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.base+"/gists", bytes.NewReader(payload))
	if err != nil {
		return model.PublishResult{}, fmt.Errorf("build gist request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", githubAcceptValue)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.hc.Do(req)
	if err != nil {
		return model.PublishResult{}, errordefs.NewWithDetails(errordefs.FP_PUBLISH,
			"Network error: "+err.Error(), "", map[string]any{"kind": "network"})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.PublishResult{}, errordefs.NewWithDetails(errordefs.FP_PUBLISH,
			"Network error: "+err.Error(), "", map[string]any{"kind": "network"})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		if msg == "" {
			msg = "Failed to publish to GitHub"
		}
		g.logger.Warn("gist publish rejected", "proof_id", p.ProofID, "status", resp.StatusCode)
		return model.PublishResult{}, errordefs.NewWithDetails(errordefs.FP_PUBLISH, msg, "",
			map[string]any{"kind": "remote", "status": resp.StatusCode})
	}

	var out gistResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.HTMLURL == "" {
		out.HTMLURL = UnknownURL
	}
	g.logger.Info("proof published", "proof_id", p.ProofID, "url", out.HTMLURL)
	return model.PublishResult{RemoteURL: out.HTMLURL, Success: true}, nil
}
