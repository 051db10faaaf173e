// internal/googlefit/client.go
// Package googlefit implements source.MetricSource against the Google Fit REST API.
// Each query is one dataset:aggregate call authorised with the account's access token.
package googlefit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/source"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/window"
	"golang.org/x/oauth2"
)

// DefaultBaseURL is the public Fitness API root.
const DefaultBaseURL = "https://www.googleapis.com/fitness/v1"

// Data type names used by the aggregate endpoint.
const (
	typeSteps    = "com.google.step_count.delta"
	typeDistance = "com.google.distance.delta"
	typeHeart    = "com.google.heart_minutes"
	typeSpeed    = "com.google.speed"
	typeActivity = "com.google.activity.segment"
)

var dataTypes = map[model.MetricKind]string{
	model.Steps:          typeSteps,
	model.DistanceMeters: typeDistance,
	model.HeartPoints:    typeHeart,
	model.AverageSpeed:   typeSpeed,
	model.ActiveDuration: typeActivity,
	model.ActivityLabel:  typeActivity,
}

// Activity type codes as published in the Fitness API reference.
var activityNames = map[int64]string{
	0:   "in_vehicle",
	1:   "biking",
	3:   "still",
	7:   "walking",
	8:   "running",
	56:  "running.jogging",
	72:  "sleep",
	80:  "strength_training",
	82:  "swimming",
	100: "yoga",
}

// ActivityName maps an activity code to the raw string the rest of the engine expects.
func ActivityName(code int64) string {
	if name, ok := activityNames[code]; ok {
		return name
	}
	return "unknown:" + strconv.FormatInt(code, 10)
}

// Client queries the Fitness API. It is safe for concurrent use.
type Client struct {
	base   string       // API root without trailing slash
	hc     *http.Client // Base client; the oauth2 transport wraps its transport
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds every request issued by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.hc.Timeout = d }
}

// WithHTTPClient replaces the base HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client rooted at baseURL. An empty baseURL selects DefaultBaseURL.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		hc:     &http.Client{Transport: transport, Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// authorized returns an HTTP client that stamps the account token on every request.
func (c *Client) authorized(ctx context.Context, account source.Account) *http.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: string(account), TokenType: "Bearer"})
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.hc), ts)
	hc.Timeout = c.hc.Timeout
	return hc
}

type aggregateBy struct {
	DataTypeName string `json:"dataTypeName"`
}

type bucketByTime struct {
	DurationMillis int64 `json:"durationMillis"`
}

type bucketBySession struct {
	MinDurationMillis int64 `json:"minDurationMillis"`
}

type aggregateRequest struct {
	AggregateBy     []aggregateBy    `json:"aggregateBy"`
	BucketByTime    *bucketByTime    `json:"bucketByTime,omitempty"`
	BucketBySession *bucketBySession `json:"bucketBySession,omitempty"`
	StartTimeMillis int64            `json:"startTimeMillis"`
	EndTimeMillis   int64            `json:"endTimeMillis"`
}

type value struct {
	IntVal *int64   `json:"intVal,omitempty"`
	FpVal  *float64 `json:"fpVal,omitempty"`
}

func (v value) number() float64 {
	switch {
	case v.FpVal != nil:
		return *v.FpVal
	case v.IntVal != nil:
		return float64(*v.IntVal)
	default:
		return 0
	}
}

type point struct {
	StartTimeNanos int64   `json:"startTimeNanos,string"`
	EndTimeNanos   int64   `json:"endTimeNanos,string"`
	DataTypeName   string  `json:"dataTypeName"`
	Value          []value `json:"value"`
}

type dataset struct {
	DataSourceID string  `json:"dataSourceId"`
	Point        []point `json:"point"`
}

type session struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ActivityType    int64  `json:"activityType"`
	StartTimeMillis int64  `json:"startTimeMillis,string"`
	EndTimeMillis   int64  `json:"endTimeMillis,string"`
}

type bucket struct {
	StartTimeMillis int64     `json:"startTimeMillis,string"`
	EndTimeMillis   int64     `json:"endTimeMillis,string"`
	Session         *session  `json:"session,omitempty"`
	Dataset         []dataset `json:"dataset"`
}

type aggregateResponse struct {
	Bucket []bucket `json:"bucket"`
}

// Query implements source.MetricSource. Session queries are one call over the whole
// window. Metric queries issue one call per calendar day so that 23 and 25 hour days
// are bucketed at local midnight rather than at fixed 24 hour offsets.
func (c *Client) Query(ctx context.Context, account source.Account, req source.Request) (source.Result, error) {
	if account == "" {
		return source.Result{}, errordefs.New(errordefs.FP_NO_ACCOUNT, "no fitness account", "")
	}
	loc := req.Window.Start.Location()
	if req.Session {
		start, end := req.Window.Millis()
		body := aggregateRequest{
			AggregateBy:     []aggregateBy{{typeSteps}, {typeDistance}, {typeSpeed}},
			BucketBySession: &bucketBySession{},
			StartTimeMillis: start,
			EndTimeMillis:   end,
		}
		var resp aggregateResponse
		if err := c.post(ctx, account, "/users/me/dataset:aggregate", body, &resp); err != nil {
			return source.Result{}, err
		}
		return source.Result{Sessions: sessionsOf(resp.Bucket, loc)}, nil
	}

	dt, ok := dataTypes[req.Kind]
	if !ok {
		return source.Result{}, errordefs.New(errordefs.FP_VALIDATION, fmt.Sprintf("unsupported metric kind %q", req.Kind), "")
	}
	var out []model.DailyBucket
	for _, day := range window.Days(req.Window) {
		span := window.SingleDay(day)
		if span.Start.Before(req.Window.Start) {
			span.Start = req.Window.Start
		}
		if span.End.After(req.Window.End) {
			span.End = req.Window.End
		}
		start, end := span.Millis()
		body := aggregateRequest{
			AggregateBy:     []aggregateBy{{dt}},
			BucketByTime:    &bucketByTime{DurationMillis: end - start},
			StartTimeMillis: start,
			EndTimeMillis:   end,
		}
		var resp aggregateResponse
		if err := c.post(ctx, account, "/users/me/dataset:aggregate", body, &resp); err != nil {
			return source.Result{}, err
		}
		if len(resp.Bucket) > 0 {
			out = append(out, dayBucket(req.Kind, resp.Bucket, day))
		}
	}
	return source.Result{Buckets: out}, nil
}

// Recheck implements source.PermissionChecker by listing the account's data sources.
func (c *Client) Recheck(ctx context.Context, account source.Account) error {
	if account == "" {
		return errordefs.New(errordefs.FP_NO_ACCOUNT, "no fitness account", "")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/users/me/dataSources", nil)
	if err != nil {
		return fmt.Errorf("build recheck request: %w", err)
	}
	resp, err := c.authorized(ctx, account).Do(req)
	if err != nil {
		return errordefs.Wrap(errordefs.FP_METRIC_FETCH, "permission recheck failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return statusError(resp.StatusCode, "")
}

func (c *Client) post(ctx context.Context, account source.Account, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode aggregate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build aggregate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.authorized(ctx, account).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errordefs.Wrap(errordefs.FP_METRIC_FETCH, "fitness provider unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errordefs.Wrap(errordefs.FP_METRIC_FETCH, "failed to read provider response", err)
	}
	if err := statusError(resp.StatusCode, string(raw)); err != nil {
		c.logger.Warn("fitness provider rejected request", "path", path, "status", resp.StatusCode)
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errordefs.Wrap(errordefs.FP_METRIC_FETCH, "malformed provider response", err)
	}
	return nil
}

// statusError maps a provider HTTP status onto the engine's error codes.
func statusError(status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return errordefs.New(errordefs.FP_NO_ACCOUNT, "fitness account token rejected", "")
	case status == http.StatusForbidden:
		return errordefs.New(errordefs.FP_PERMISSION_DENIED, "fitness permission denied", "")
	default:
		return errordefs.NewWithDetails(errordefs.FP_METRIC_FETCH, fmt.Sprintf("provider returned %d", status), "",
			map[string]any{"status": status, "body": body})
	}
}

// dayBucket folds every bucket returned for one calendar day into a single DailyBucket.
func dayBucket(kind model.MetricKind, in []bucket, day time.Time) model.DailyBucket {
	db := model.DailyBucket{Day: day, Values: map[model.MetricKind]float64{}}
	var found bool
	for _, b := range in {
		for _, ds := range b.Dataset {
			for _, p := range ds.Point {
				if len(p.Value) == 0 {
					continue
				}
				switch kind {
				case model.AverageSpeed:
					db.Values[kind] = p.Value[0].number()
					found = true
				case model.ActiveDuration:
					db.Values[kind] += float64(p.EndTimeNanos-p.StartTimeNanos) / float64(time.Second)
					found = true
				case model.ActivityLabel:
					db.Activities = append(db.Activities, ActivityName(int64(p.Value[0].number())))
				default:
					db.Values[kind] += p.Value[0].number()
					found = true
				}
			}
		}
	}
	if !found {
		db.Values = nil
	}
	return db
}

func sessionsOf(in []bucket, loc *time.Location) []model.Session {
	var out []model.Session
	for _, b := range in {
		if b.Session == nil {
			continue
		}
		s := model.Session{
			ID:       b.Session.ID,
			Name:     b.Session.Name,
			Activity: ActivityName(b.Session.ActivityType),
			Start:    time.UnixMilli(b.Session.StartTimeMillis).In(loc),
			End:      time.UnixMilli(b.Session.EndTimeMillis).In(loc),
		}
		for _, ds := range b.Dataset {
			for _, p := range ds.Point {
				if len(p.Value) == 0 {
					continue
				}
				switch p.DataTypeName {
				case typeSteps, typeSteps + ".aggregate":
					s.Samples = append(s.Samples, model.Sample{Kind: model.Steps, Value: p.Value[0].number()})
				case typeDistance, typeDistance + ".aggregate":
					s.Samples = append(s.Samples, model.Sample{Kind: model.DistanceMeters, Value: p.Value[0].number()})
				case typeSpeed + ".summary", typeSpeed:
					s.Samples = append(s.Samples, model.Sample{Kind: model.AverageSpeed, Value: p.Value[0].number()})
				}
			}
		}
		out = append(out, s)
	}
	return out
}
