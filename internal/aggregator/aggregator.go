// Package aggregator fans metric requests out against a MetricSource and merges the
// independent results into one WorkoutRecord.
//
// Every request runs in its own goroutine and reports exactly once on a buffered
// channel. A single owner goroutine receives the messages and applies the merge, so
// record state is never written concurrently. One request failing never prevents the
// others from contributing.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/source"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/window"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "fitproof-service"

// Aggregator merges provider data for one window into a WorkoutRecord.
type Aggregator struct {
	src         source.MetricSource      // Provider capability
	permissions source.PermissionChecker // Optional scope re-check
	kinds       []model.MetricKind       // Metric kinds fetched per Aggregate call
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPermissionChecker sets the checker invoked once per call on PermissionDenied.
func WithPermissionChecker(p source.PermissionChecker) Option {
	return func(a *Aggregator) { a.permissions = p }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMetrics records fetch counters and latencies.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithKinds restricts the metric kinds fetched by Aggregate.
func WithKinds(kinds ...model.MetricKind) Option {
	return func(a *Aggregator) { a.kinds = kinds }
}

// New creates an Aggregator over src fetching every metric kind.
func New(src source.MetricSource, opts ...Option) *Aggregator {
	a := &Aggregator{
		src:    src,
		kinds:  model.AllMetricKinds(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result is the outcome of one sync cycle.
type Result struct {
	Record       model.WorkoutRecord
	Errors       map[model.MetricKind]error // Field-specific fetch failures
	SessionError error                      // Session request failure, if any
	Empty        bool                       // Every successful fetch returned no data
	Rechecked    bool                       // A permission re-check was triggered
}

// FieldErrors renders the per-field failures as human-readable messages.
func (r *Result) FieldErrors() map[string]string {
	out := make(map[string]string, len(r.Errors)+1)
	for kind, err := range r.Errors {
		out[string(kind)] = messageOf(err)
	}
	if r.SessionError != nil {
		out["session"] = messageOf(r.SessionError)
	}
	return out
}

func messageOf(err error) string {
	if e := errordefs.From(err); e.Code != errordefs.FP_INTERNAL {
		return e.Message
	}
	return err.Error()
}

// fetchResult is the single message each request goroutine sends.
type fetchResult struct {
	req     source.Request
	res     source.Result
	err     error
	elapsed time.Duration
}

// Aggregate fetches every configured metric plus session data for w and merges them.
// It returns once every request has finished, or with ctx.Err() if ctx ends first.
func (a *Aggregator) Aggregate(ctx context.Context, account source.Account, w model.TimeWindow) (*Result, error) {
	if account == "" {
		return nil, errordefs.New(errordefs.FP_NO_ACCOUNT, "no authenticated provider session", "")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "aggregator.Aggregate")
	defer span.End()
	span.SetAttributes(
		attribute.String("window.start", w.Start.Format(time.RFC3339)),
		attribute.Int("kinds", len(a.kinds)),
	)

	reqs := make([]source.Request, 0, len(a.kinds)+1)
	for _, kind := range a.kinds {
		reqs = append(reqs, source.Request{Kind: kind, Window: w})
	}
	reqs = append(reqs, source.Request{Session: true, Window: w})

	results := a.fanOut(ctx, account, reqs)

	m := newMerger()
	out := &Result{Errors: make(map[model.MetricKind]error)}
	var (
		succeeded int
		causes    []error
	)
	for range reqs {
		var fr fetchResult
		select {
		case fr = <-results:
		case <-ctx.Done():
			span.SetStatus(codes.Error, "cancelled")
			return nil, ctx.Err()
		}

		if fr.err != nil {
			causes = append(causes, fr.err)
			a.maybeRecheck(ctx, account, fr.err, &out.Rechecked)
			if fr.req.Session {
				out.SessionError = errordefs.Wrap(errordefs.FP_METRIC_FETCH, "failed to fetch sessions", fr.err)
			} else {
				out.Errors[fr.req.Kind] = errordefs.Wrap(errordefs.FP_METRIC_FETCH, "failed to fetch "+fr.req.Kind.Label(), fr.err)
				if fr.req.Kind == model.ActivityLabel {
					m.summaryFailed = true
				}
			}
			a.logger.Warn("metric fetch failed", "metric", fr.req.Name(), "error", fr.err)
			continue
		}

		succeeded++
		if fr.req.Session {
			m.applySessions(fr.res.Sessions)
		} else {
			m.applyAggregate(fr.req.Kind, fr.res.Buckets)
		}
		a.logger.Debug("metric fetched", "metric", fr.req.Name(), "elapsed", fr.elapsed)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out.Record = m.record(w.Start.Format(window.DayLayout))
	out.Empty = succeeded > 0 && !m.sawData

	if succeeded == 0 {
		span.SetStatus(codes.Error, "all fetches failed")
		return out, allFailed(reqs, causes)
	}
	return out, nil
}

// BucketsResult is a day-by-day series for a multi-day window.
type BucketsResult struct {
	Buckets []model.DailyBucket        // One bucket per day, ascending
	Errors  map[model.MetricKind]error // Field-specific fetch failures
	Empty   bool                       // No fetched bucket in the window carried data
}

// Buckets fetches the given kinds for w and merges them into one bucket per day.
// Days the provider omits are filled with zero-value buckets.
func (a *Aggregator) Buckets(ctx context.Context, account source.Account, w model.TimeWindow, kinds ...model.MetricKind) (*BucketsResult, error) {
	if account == "" {
		return nil, errordefs.New(errordefs.FP_NO_ACCOUNT, "no authenticated provider session", "")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "aggregator.Buckets")
	defer span.End()

	reqs := make([]source.Request, 0, len(kinds))
	for _, kind := range kinds {
		reqs = append(reqs, source.Request{Kind: kind, Window: w})
	}
	results := a.fanOut(ctx, account, reqs)

	days := window.Days(w)
	index := make(map[string]int, len(days))
	out := &BucketsResult{
		Buckets: make([]model.DailyBucket, len(days)),
		Errors:  make(map[model.MetricKind]error),
	}
	for i, d := range days {
		index[d.Format(window.DayLayout)] = i
		out.Buckets[i] = model.DailyBucket{Day: d, Values: make(map[model.MetricKind]float64)}
	}

	var (
		causes    []error
		rechecked bool
		sawData   bool
	)
	for range reqs {
		var fr fetchResult
		select {
		case fr = <-results:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if fr.err != nil {
			causes = append(causes, fr.err)
			a.maybeRecheck(ctx, account, fr.err, &rechecked)
			out.Errors[fr.req.Kind] = errordefs.Wrap(errordefs.FP_METRIC_FETCH, "failed to fetch "+fr.req.Kind.Label(), fr.err)
			a.logger.Warn("bucket fetch failed", "metric", fr.req.Name(), "error", fr.err)
			continue
		}
		for _, b := range fr.res.Buckets {
			i, ok := index[b.Day.In(w.Start.Location()).Format(window.DayLayout)]
			if !ok {
				continue
			}
			if b.HasData() {
				sawData = true
			}
			if v, ok := b.Values[fr.req.Kind]; ok {
				out.Buckets[i].Values[fr.req.Kind] += v
			}
			out.Buckets[i].Activities = append(out.Buckets[i].Activities, b.Activities...)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out.Empty = !sawData
	if len(reqs) > 0 && len(causes) == len(reqs) {
		return out, allFailed(reqs, causes)
	}
	return out, nil
}

// fanOut starts one goroutine per request. The channel is buffered to len(reqs) so
// senders never block, even when the receiver has stopped listening.
func (a *Aggregator) fanOut(ctx context.Context, account source.Account, reqs []source.Request) <-chan fetchResult {
	results := make(chan fetchResult, len(reqs))
	for _, req := range reqs {
		go func(req source.Request) {
			fctx, span := otel.Tracer(tracerName).Start(ctx, "aggregator.fetch")
			span.SetAttributes(attribute.String("metric", req.Name()))
			defer span.End()

			start := time.Now()
			res, err := a.src.Query(fctx, account, req)
			elapsed := time.Since(start)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			if a.metrics != nil {
				status := metrics.Status(err)
				a.metrics.MetricFetchTotal.WithLabelValues(req.Name(), status).Inc()
				a.metrics.MetricFetchDuration.WithLabelValues(req.Name(), status).Observe(elapsed.Seconds())
			}
			results <- fetchResult{req: req, res: res, err: err, elapsed: elapsed}
		}(req)
	}
	return results
}

// maybeRecheck triggers the permission re-check the first time a scope error is seen
// within one call; done tracks whether it already ran.
func (a *Aggregator) maybeRecheck(ctx context.Context, account source.Account, err error, done *bool) {
	if a.permissions == nil || *done || !errordefs.Is(err, errordefs.FP_PERMISSION_DENIED) {
		return
	}
	*done = true
	a.logger.Warn("provider scope missing, re-checking permissions")
	if rerr := a.permissions.Recheck(ctx, account); rerr != nil {
		a.logger.Warn("permission re-check failed", "error", rerr)
	}
}

// allFailed builds the error returned when no request succeeded. A shared account or
// scope failure is surfaced with its own code so the caller can prompt accordingly.
func allFailed(reqs []source.Request, causes []error) error {
	for _, code := range []errordefs.ErrorCode{errordefs.FP_NO_ACCOUNT, errordefs.FP_PERMISSION_DENIED} {
		all := true
		for _, c := range causes {
			if !errordefs.Is(c, code) {
				all = false
				break
			}
		}
		if all && len(causes) > 0 {
			return causes[0]
		}
	}
	names := make([]string, 0, len(reqs))
	for _, r := range reqs {
		names = append(names, r.Name())
	}
	sort.Strings(names)
	return errordefs.NewWithDetails(errordefs.FP_METRIC_FETCH,
		fmt.Sprintf("all metric requests failed: %s", strings.Join(names, ", ")), "",
		map[string]int{"failed": len(causes)})
}
