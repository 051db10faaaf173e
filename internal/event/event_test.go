package event

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeJS struct {
	subjects []string
	bodies   [][]byte
	err      error
}

func (f *fakeJS) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	f.subjects = append(f.subjects, subj)
	f.bodies = append(f.bodies, data)
	return &nats.PubAck{Stream: StreamName}, f.err
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func quiet() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func sampleRecord() model.ProofRecord {
	return model.ProofRecord{
		ProofID:   "p1",
		Subject:   "alice",
		Date:      "2024-05-06",
		Proof:     model.Proof{ProofID: "p1", Hash: "deadbeef"},
		RemoteURL: "https://gist.github.com/x",
	}
}

func TestNATSSubjectsAndEnvelope(t *testing.T) {
	js := &fakeJS{}
	p := wrap("nats", &natsSink{js: js}, quiet())

	require.NoError(t, p.PublishProofPublished(context.Background(), sampleRecord()))
	require.NoError(t, p.PublishSyncCompleted(context.Background(), SyncCompleted{Subject: "alice", Date: "2024-05-06"}))
	require.Equal(t, []string{TypeProofPublished, TypeSyncCompleted}, js.subjects)

	var env struct {
		Type    string     `json:"type"`
		Version string     `json:"version"`
		Payload ProofEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(js.bodies[0], &env))
	require.Equal(t, TypeProofPublished, env.Type)
	require.Equal(t, "1.0.0", env.Version)
	require.Equal(t, "deadbeef", env.Payload.Hash)
	require.Equal(t, "https://gist.github.com/x", env.Payload.RemoteURL)
}

func TestProofEventsAreDeduplicated(t *testing.T) {
	js := &fakeJS{}
	p := wrap("nats", &natsSink{js: js}, quiet())

	for i := 0; i < 3; i++ {
		require.NoError(t, p.PublishProofFailed(context.Background(), sampleRecord()))
	}
	require.Len(t, js.subjects, 1)

	// Sync events carry no key and are never suppressed.
	for i := 0; i < 2; i++ {
		require.NoError(t, p.PublishSyncCompleted(context.Background(), SyncCompleted{}))
	}
	require.Len(t, js.subjects, 3)
}

func TestDedupWindowExpires(t *testing.T) {
	now := time.Unix(0, 0)
	d := newDedup()
	d.now = func() time.Time { return now }

	d.mark("k")
	require.True(t, d.seen("k"))
	now = now.Add(dedupWindow)
	require.False(t, d.seen("k"))
}

func TestFailedSendIsNotMarked(t *testing.T) {
	js := &fakeJS{err: errors.New("no responders")}
	p := wrap("nats", &natsSink{js: js}, quiet())

	require.Error(t, p.PublishProofPublished(context.Background(), sampleRecord()))
	require.Error(t, p.PublishProofPublished(context.Background(), sampleRecord()))
	require.Len(t, js.subjects, 2)
}

func TestKafkaWriterPerTopic(t *testing.T) {
	writers := map[string]*fakeWriter{}
	s := newKafkaSink([]string{"localhost:9092"})
	s.newWriter = func(topic string) messageWriter {
		w := &fakeWriter{}
		writers[topic] = w
		return w
	}
	p := wrap("kafka", s, quiet())

	require.NoError(t, p.PublishProofPublished(context.Background(), sampleRecord()))
	require.NoError(t, p.PublishSyncCompleted(context.Background(), SyncCompleted{Subject: "alice"}))
	require.NoError(t, p.PublishSyncCompleted(context.Background(), SyncCompleted{Subject: "alice"}))
	require.Len(t, writers, 2)
	require.Len(t, writers[TypeSyncCompleted].msgs, 2)

	msg := writers[TypeProofPublished].msgs[0]
	require.Equal(t, "p1", string(msg.Key))
	require.Equal(t, "event_type", msg.Headers[0].Key)
	require.Equal(t, TypeProofPublished, string(msg.Headers[0].Value))

	require.NoError(t, p.Close())
	require.True(t, writers[TypeProofPublished].closed)
}

func TestNewWithoutBrokersIsNoop(t *testing.T) {
	p := New(quiet())
	require.Equal(t, Noop(), p)
	require.NoError(t, p.PublishProofPublished(context.Background(), sampleRecord()))
	require.NoError(t, p.Close())
}

func TestMultiReturnsFirstError(t *testing.T) {
	bad := wrap("nats", &natsSink{js: &fakeJS{err: errors.New("down")}}, quiet())
	good := &fakeJS{}
	m := multi{bad, wrap("nats", &natsSink{js: good}, quiet())}

	require.Error(t, m.PublishSyncCompleted(context.Background(), SyncCompleted{}))
	require.Len(t, good.subjects, 1, "later publishers still run")
}
