// internal/event/kafka.go
package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaSink keeps one writer per topic; the topic is the event type.
type kafkaSink struct {
	brokers   []string
	newWriter func(topic string) messageWriter

	mu      sync.Mutex
	writers map[string]messageWriter
}

func newKafkaSink(brokers []string) *kafkaSink {
	s := &kafkaSink{brokers: brokers, writers: make(map[string]messageWriter)}
	s.newWriter = func(topic string) messageWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(s.brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           10 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	return s
}

func (s *kafkaSink) writer(topic string) messageWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[topic]
	if !ok {
		w = s.newWriter(topic)
		s.writers[topic] = w
	}
	return w
}

func (s *kafkaSink) send(ctx context.Context, env Envelope, key string, body []byte) error {
	if key == "" {
		key = env.ID
	}
	return s.writer(env.Type).WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.Type)},
			{Key: "event_id", Value: []byte(env.ID)},
			{Key: "correlation_id", Value: []byte(env.CorrelationID)},
		},
	})
}

func (s *kafkaSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for topic, w := range s.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.writers, topic)
	}
	return errors.Join(errs...)
}
