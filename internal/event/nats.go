// internal/event/nats.go
package event

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Stream settings.
const (
	StreamName    = "FP_PROOFS"
	streamSubject = "fitproof.>"
)

// jetStream is the subset of nats.JetStreamContext the sink uses.
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// natsSink publishes envelopes to JetStream, using the event type as subject.
type natsSink struct {
	nc *nats.Conn // nil in tests
	js jetStream
}

func dialNATS(url string) (*natsSink, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("NATS connect failed: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("NATS JetStream context creation failed: %w", err)
	}
	if err := initStream(js); err != nil {
		nc.Close()
		return nil, err
	}
	return &natsSink{nc: nc, js: js}, nil
}

// initStream creates the FP_PROOFS stream that captures every fitproof subject.
func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{streamSubject},
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Duplicates: dedupWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", StreamName, err)
	}
	return nil
}

func (s *natsSink) send(_ context.Context, env Envelope, _ string, body []byte) error {
	// Nats-Msg-Id lets JetStream drop redelivered copies inside the duplicate window.
	_, err := s.js.Publish(env.Type, body, nats.MsgId(env.ID))
	return err
}

func (s *natsSink) close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
