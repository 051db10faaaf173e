// internal/event/event.go
// Package event publishes sync and proof lifecycle events to NATS JetStream or Kafka.
// Events feed downstream audit trails; publishing failures never fail the request.
package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/google/uuid"
)

// Event types.
const (
	TypeSyncCompleted      = "fitproof.sync.completed"
	TypeProofPublished     = "fitproof.proof.published"
	TypeProofPublishFailed = "fitproof.proof.publish_failed"
)

const (
	envelopeVersion = "1.0.0"
	dedupWindow     = 2 * time.Minute
	dedupRetention  = 5 * time.Minute
)

// Publisher defines the event operations required by the fitproof service.
type Publisher interface {
	PublishSyncCompleted(ctx context.Context, evt SyncCompleted) error
	PublishProofPublished(ctx context.Context, rec model.ProofRecord) error
	PublishProofFailed(ctx context.Context, rec model.ProofRecord) error
	Close() error
}

// SyncCompleted is emitted after every sync, successful or not.
type SyncCompleted struct {
	Subject     string            `json:"subject"`
	Date        string            `json:"date"`
	Empty       bool              `json:"empty"`
	FieldErrors map[string]string `json:"fieldErrors,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// ProofEvent is the payload of the proof events.
type ProofEvent struct {
	ProofID   string `json:"proofId"`
	Subject   string `json:"subject"`
	Date      string `json:"date"`
	Hash      string `json:"hash"`
	RemoteURL string `json:"remoteUrl,omitempty"`
	MirrorURL string `json:"mirrorUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

func proofEvent(rec model.ProofRecord) ProofEvent {
	return ProofEvent{
		ProofID:   rec.ProofID,
		Subject:   rec.Subject,
		Date:      rec.Date,
		Hash:      rec.Proof.Hash,
		RemoteURL: rec.RemoteURL,
		MirrorURL: rec.MirrorURL,
		Error:     rec.PublishError,
	}
}

// Envelope represents the standard event envelope structure.
// All events are wrapped in this envelope for consistency.
type Envelope struct {
	ID            string      `json:"id"`            // Unique event ID, used for broker-side dedup
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

func newEnvelope(typ string, payload interface{}) Envelope {
	return Envelope{
		ID:            uuid.New().String(),
		Type:          typ,
		Version:       envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       payload,
	}
}

// sink writes one encoded envelope under a key.
type sink interface {
	send(ctx context.Context, env Envelope, key string, body []byte) error
	close() error
}

// publisher adapts a sink to Publisher with dedup, metrics and logging.
type publisher struct {
	name    string
	sink    sink
	dedup   *dedup
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (p *publisher) emit(ctx context.Context, typ, key string, payload interface{}) error {
	if key != "" && p.dedup.seen(typ+"/"+key) {
		return nil
	}
	env := newEnvelope(typ, payload)
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	err = p.sink.send(ctx, env, key, b)
	if p.metrics != nil {
		p.metrics.EventPublishTotal.WithLabelValues(p.name, typ, metrics.Status(err)).Inc()
	}
	if err != nil {
		p.logger.Warn("event publish failed", "sink", p.name, "type", typ, "error", err)
		return err
	}
	if key != "" {
		p.dedup.mark(typ + "/" + key)
	}
	return nil
}

func (p *publisher) PublishSyncCompleted(ctx context.Context, evt SyncCompleted) error {
	return p.emit(ctx, TypeSyncCompleted, "", evt)
}

func (p *publisher) PublishProofPublished(ctx context.Context, rec model.ProofRecord) error {
	return p.emit(ctx, TypeProofPublished, rec.ProofID, proofEvent(rec))
}

func (p *publisher) PublishProofFailed(ctx context.Context, rec model.ProofRecord) error {
	return p.emit(ctx, TypeProofPublishFailed, rec.ProofID, proofEvent(rec))
}

func (p *publisher) Close() error { return p.sink.close() }

// dedup suppresses repeats of the same keyed event inside a short window.
type dedup struct {
	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func newDedup() *dedup {
	return &dedup{last: make(map[string]time.Time), now: time.Now}
}

func (d *dedup) seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.last[key]
	return ok && d.now().Sub(t) < dedupWindow
}

func (d *dedup) mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-dedupRetention)
	for k, t := range d.last {
		if t.Before(cutoff) {
			delete(d.last, k)
		}
	}
	d.last[key] = d.now()
}

// noop is used when no broker is configured.
type noop struct{}

func (noop) PublishSyncCompleted(context.Context, SyncCompleted) error     { return nil }
func (noop) PublishProofPublished(context.Context, model.ProofRecord) error { return nil }
func (noop) PublishProofFailed(context.Context, model.ProofRecord) error    { return nil }
func (noop) Close() error                                                   { return nil }

// Noop returns a Publisher that discards every event.
func Noop() Publisher { return noop{} }

// multi fans an event out to several publishers. The first error is returned.
type multi []Publisher

func (m multi) each(fn func(Publisher) error) error {
	var first error
	for _, p := range m {
		if err := fn(p); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) PublishSyncCompleted(ctx context.Context, evt SyncCompleted) error {
	return m.each(func(p Publisher) error { return p.PublishSyncCompleted(ctx, evt) })
}

func (m multi) PublishProofPublished(ctx context.Context, rec model.ProofRecord) error {
	return m.each(func(p Publisher) error { return p.PublishProofPublished(ctx, rec) })
}

func (m multi) PublishProofFailed(ctx context.Context, rec model.ProofRecord) error {
	return m.each(func(p Publisher) error { return p.PublishProofFailed(ctx, rec) })
}

func (m multi) Close() error {
	return m.each(func(p Publisher) error { return p.Close() })
}

// Options selects the brokers to publish to.
type Options struct {
	NATSURL      string
	KafkaBrokers []string
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// New builds a Publisher for every configured broker. A broker that cannot be reached
// at startup is skipped with a warning; with none configured the result is Noop.
func New(opts Options) Publisher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var pubs multi
	if opts.NATSURL != "" {
		s, err := dialNATS(opts.NATSURL)
		if err != nil {
			opts.Logger.Warn("NATS unavailable, events will not be streamed there", "error", err)
		} else {
			pubs = append(pubs, wrap("nats", s, opts))
		}
	}
	if len(opts.KafkaBrokers) > 0 {
		pubs = append(pubs, wrap("kafka", newKafkaSink(opts.KafkaBrokers), opts))
	}
	switch len(pubs) {
	case 0:
		return Noop()
	case 1:
		return pubs[0]
	default:
		return pubs
	}
}

func wrap(name string, s sink, opts Options) *publisher {
	return &publisher{name: name, sink: s, dedup: newDedup(), logger: opts.Logger, metrics: opts.Metrics}
}
