// Package server implements the HTTP handlers and routing for the fitproof service.
// It exposes the select/sync/verify lifecycle, the streak summary and the proof
// archive behind service-token authentication.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/auth"
	errordefs "github.com/RegistryAccord/registryaccord-fitproof-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/lifecycle"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/service"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/source"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/window"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	// Request headers
	HeaderCorrelationID   = "X-Correlation-Id"  // Echoed on every response
	HeaderFitnessAccount  = "X-Fitness-Account" // Provider OAuth2 access token
	maxRequestBody        = 1 << 20
	tracerName            = "fitproof-service"
	readinessCheckTimeout = 5 * time.Second
)

// Mux handles HTTP requests for the fitproof service.
type Mux struct {
	mux      *http.ServeMux                // HTTP request multiplexer
	svc      *service.Service              // Lifecycle and archive operations
	verifier *auth.Verifier                // Service token verifier
	metrics  *metrics.Metrics              // Metrics for monitoring
	logger   *slog.Logger                  // Request logger
	ready    []func(context.Context) error // Dependencies probed by /readyz
}

// Option configures a Mux.
type Option func(*Mux)

// WithLogger overrides the request logger.
func WithLogger(l *slog.Logger) Option { return func(m *Mux) { m.logger = l } }

// WithReadinessCheck adds a dependency probed by /readyz.
func WithReadinessCheck(check func(context.Context) error) Option {
	return func(m *Mux) { m.ready = append(m.ready, check) }
}

// NewMux creates a new HTTP mux with all fitproof endpoints.
func NewMux(svc *service.Service, verifier *auth.Verifier, opts ...Option) *http.ServeMux {
	m := &Mux{
		mux:      http.NewServeMux(),
		svc:      svc,
		verifier: verifier,
		metrics:  metrics.NewMetrics(),
		logger:   slog.Default(),
		ready:    []func(context.Context) error{svc.Ping},
	}
	for _, opt := range opts {
		opt(m)
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/v1/selection", m.method(http.MethodPost, m.withMiddleware("/v1/selection", m.handleSelect)))
	m.mux.HandleFunc("/v1/sync", m.method(http.MethodPost, m.withMiddleware("/v1/sync", m.handleSync)))
	m.mux.HandleFunc("/v1/verify", m.method(http.MethodPost, m.withMiddleware("/v1/verify", m.handleVerify)))
	m.mux.HandleFunc("/v1/streak", m.method(http.MethodGet, m.withMiddleware("/v1/streak", m.handleStreak)))
	m.mux.HandleFunc("/v1/state", m.method(http.MethodGet, m.withMiddleware("/v1/state", m.handleState)))
	m.mux.HandleFunc("/v1/proofs", m.method(http.MethodGet, m.withMiddleware("/v1/proofs", m.handleListProofs)))
	m.mux.HandleFunc("/v1/proofs/{id}", m.method(http.MethodGet, m.withMiddleware("/v1/proofs/{id}", m.handleGetProof)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			m.writeErrorDef(w, http.StatusMethodNotAllowed,
				errordefs.New(errordefs.FP_BAD_REQUEST, "method not allowed", r.Header.Get(HeaderCorrelationID)))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies correlation IDs, authentication, logging and metrics.
// route is the registered pattern, used as the metrics path label.
func (m *Mux) withMiddleware(route string, h func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		// Add correlation ID if not present
		correlationID := r.Header.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		// Handler spans join the caller's trace when a traceparent is sent.
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
		rec.Header().Set(HeaderCorrelationID, correlationID)

		claims, err := m.verifier.ParseHeader(r.Header.Get("Authorization"))
		if err != nil {
			rec.err = err
			m.writeErr(rec, r.WithContext(ctx), err)
		} else {
			ctx = auth.WithClaims(ctx, claims)
			r = r.WithContext(ctx)
			r.Body = http.MaxBytesReader(rec, r.Body, maxRequestBody)
			rec.err = h(rec, r)
		}

		elapsed := time.Since(start)
		status := strconv.Itoa(rec.status)
		m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())
		m.logRequest(r.WithContext(ctx), rec.status, elapsed, correlationID, rec.err)
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, statusCode int, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": err})
}

// writeErr converts err to the error envelope, stamping the request's correlation ID.
func (m *Mux) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	e := errordefs.From(err).WithCorrelationID(correlationID(r.Context()))
	m.writeErrorDef(w, e.HTTPStatus, e)
}

// writeErrWithOutcome is writeErr for operations that still produced a result.
// The original details move under "cause" and the result under "outcome".
func (m *Mux) writeErrWithOutcome(w http.ResponseWriter, r *http.Request, err error, outcome interface{}) {
	e := errordefs.From(err).WithCorrelationID(correlationID(r.Context()))
	e.Details = map[string]interface{}{"cause": e.Details, "outcome": outcome}
	m.writeErrorDef(w, e.HTTPStatus, e)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string, err error) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
	}

	if correlationID != "" {
		attrs = append(attrs, slog.String("correlation_id", correlationID))
	}

	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
	}

	if claims, ok := auth.FromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("subject", claims.Subject))
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		m.logger.LogAttrs(r.Context(), level, "request completed with error", attrs...)
	} else {
		m.logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
	defer cancel()

	for _, check := range m.ready {
		if err := check(ctx); err != nil {
			m.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// dayRequest is the optional body of the lifecycle endpoints.
type dayRequest struct {
	Date string `json:"date"`
}

// decodeDay reads an optional {date} body. An empty body yields the zero time.
func (m *Mux) decodeDay(r *http.Request, required bool) (time.Time, error) {
	var req dayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return time.Time{}, errordefs.New(errordefs.FP_VALIDATION, "invalid JSON", "")
	}
	if req.Date == "" {
		if required {
			return time.Time{}, errordefs.New(errordefs.FP_VALIDATION, "date is required", "")
		}
		return time.Time{}, nil
	}
	return window.ParseDay(req.Date, m.svc.Location())
}

func subjectOf(r *http.Request) string {
	claims, _ := auth.FromContext(r.Context())
	return claims.Subject
}

// selectionView is the wire form of a lifecycle selection.
type selectionView struct {
	Day        string               `json:"day"`
	Generation uint64               `json:"generation"`
	State      lifecycle.State      `json:"state"`
	Record     *model.WorkoutRecord `json:"record,omitempty"`
	Proof      *model.Proof         `json:"proof,omitempty"`
	Error      *errordefs.Error     `json:"error,omitempty"`
}

func viewOf(sel lifecycle.Selection) selectionView {
	v := selectionView{
		Day:        sel.Day.Format(window.DayLayout),
		Generation: sel.Generation,
		State:      sel.State,
		Record:     sel.Record,
		Proof:      sel.Proof,
	}
	if sel.Err != nil {
		v.Error = errordefs.From(sel.Err)
	}
	return v
}

// handleSelect handles POST /v1/selection
func (m *Mux) handleSelect(w http.ResponseWriter, r *http.Request) error {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleSelect")
	defer span.End()
	r = r.WithContext(ctx)

	day, err := m.decodeDay(r, true)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErr(w, r, err)
		return err
	}
	span.SetAttributes(attribute.String("date", day.Format(window.DayLayout)))

	sel, err := m.svc.Select(subjectOf(r), day)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErr(w, r, err)
		return err
	}
	m.writeSuccess(w, http.StatusOK, viewOf(sel))
	return nil
}

// handleSync handles POST /v1/sync
func (m *Mux) handleSync(w http.ResponseWriter, r *http.Request) error {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleSync")
	defer span.End()
	r = r.WithContext(ctx)

	day, err := m.decodeDay(r, false)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErr(w, r, err)
		return err
	}
	account := source.Account(r.Header.Get(HeaderFitnessAccount))

	out, err := m.svc.Sync(ctx, subjectOf(r), account, day)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if out != nil {
			m.writeErrWithOutcome(w, r, err, out)
		} else {
			m.writeErr(w, r, err)
		}
		return err
	}
	span.SetAttributes(attribute.String("state", string(out.State)), attribute.Bool("empty", out.Empty))
	m.writeSuccess(w, http.StatusOK, out)
	return nil
}

// handleVerify handles POST /v1/verify
func (m *Mux) handleVerify(w http.ResponseWriter, r *http.Request) error {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleVerify")
	defer span.End()
	r = r.WithContext(ctx)

	day, err := m.decodeDay(r, false)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErr(w, r, err)
		return err
	}

	out, err := m.svc.Verify(ctx, subjectOf(r), day)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if out != nil {
			m.writeErrWithOutcome(w, r, err, out)
		} else {
			m.writeErr(w, r, err)
		}
		return err
	}
	if out.Proof != nil {
		span.SetAttributes(attribute.String("proof_id", out.Proof.ProofID))
	}
	m.writeSuccess(w, http.StatusCreated, out)
	return nil
}

// handleStreak handles GET /v1/streak
func (m *Mux) handleStreak(w http.ResponseWriter, r *http.Request) error {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleStreak")
	defer span.End()
	r = r.WithContext(ctx)

	var ref time.Time
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := window.ParseDay(s, m.svc.Location())
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			m.writeErr(w, r, err)
			return err
		}
		ref = d
	}

	out, err := m.svc.Streak(ctx, subjectOf(r), source.Account(r.Header.Get(HeaderFitnessAccount)), ref)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErr(w, r, err)
		return err
	}
	m.writeSuccess(w, http.StatusOK, out)
	return nil
}

// handleState handles GET /v1/state
func (m *Mux) handleState(w http.ResponseWriter, r *http.Request) error {
	sel, err := m.svc.State(subjectOf(r))
	if err != nil {
		m.writeErr(w, r, err)
		return err
	}
	m.writeSuccess(w, http.StatusOK, viewOf(sel))
	return nil
}

// handleGetProof handles GET /v1/proofs/{id}
func (m *Mux) handleGetProof(w http.ResponseWriter, r *http.Request) error {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleGetProof")
	defer span.End()
	r = r.WithContext(ctx)

	id := r.PathValue("id")
	span.SetAttributes(attribute.String("proof_id", id))
	if _, err := uuid.Parse(id); err != nil {
		verr := errordefs.New(errordefs.FP_VALIDATION, "proof id must be a UUID", "")
		m.writeErr(w, r, verr)
		return verr
	}

	rec, err := m.svc.GetProof(ctx, subjectOf(r), id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErr(w, r, err)
		return err
	}
	m.writeSuccess(w, http.StatusOK, rec)
	return nil
}

// handleListProofs handles GET /v1/proofs
func (m *Mux) handleListProofs(w http.ResponseWriter, r *http.Request) error {
	ctx, span := otel.Tracer(tracerName).Start(r.Context(), "handleListProofs")
	defer span.End()
	r = r.WithContext(ctx)

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			verr := errordefs.New(errordefs.FP_VALIDATION, "limit must be a positive integer", "")
			m.writeErr(w, r, verr)
			return verr
		}
		limit = v
	}
	span.SetAttributes(attribute.Int("limit", limit))

	page, err := m.svc.ListProofs(ctx, subjectOf(r), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.writeErr(w, r, err)
		return err
	}
	m.writeSuccess(w, http.StatusOK, page)
	return nil
}
