package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/infra/config"
)

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, 1),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func newTestProducer(t *testing.T, asyncProducer sarama.AsyncProducer) *Producer {
	t.Helper()
	return &Producer{
		producer: asyncProducer,
		logger:   zaptest.NewLogger(t),
		cfg: config.KafkaSettings{
			TopicPrefix: "sso",
		},
		errChan: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func TestPublishReplicationCommand(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	publisher := NewCommandPublisher(newTestProducer(t, asyncProducer), config.AppSettings{
		Name: "sso-ticket-registry",
		Env:  "test",
	}, zaptest.NewLogger(t))

	issuedAt := time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC)
	cmd := domain.ReplicationCommand{
		ID:        "cmd-123",
		Publisher: "node-a",
		Op:        domain.CommandUpdate,
		TicketKey: "abcdef0123",
		Kind:      domain.KindService,
		Payload:   []byte{0x01, 0x02, 0x03, 0xff},
		IssuedAt:  issuedAt,
	}

	if err := publisher.Publish(context.Background(), cmd); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	select {
	case msg := <-asyncProducer.input:
		if msg.Topic != "sso.ticket.registry" {
			t.Fatalf("unexpected topic: %s", msg.Topic)
		}

		key, err := msg.Key.Encode()
		if err != nil {
			t.Fatalf("Key.Encode returned error: %v", err)
		}
		if string(key) != cmd.TicketKey {
			t.Fatalf("expected message key %s, got %s", cmd.TicketKey, key)
		}

		bytes, err := msg.Value.Encode()
		if err != nil {
			t.Fatalf("Value.Encode returned error: %v", err)
		}

		var envelope map[string]any
		if err := json.Unmarshal(bytes, &envelope); err != nil {
			t.Fatalf("failed to unmarshal envelope: %v", err)
		}
		if got := envelope["op"]; got != "update" {
			t.Fatalf("unexpected op: %v", got)
		}
		if got := envelope["timestamp"]; got != issuedAt.Format(time.RFC3339Nano) {
			t.Fatalf("unexpected timestamp: %v", got)
		}
		metadata, ok := envelope["metadata"].(map[string]any)
		if !ok {
			t.Fatalf("envelope metadata not a map: %T", envelope["metadata"])
		}
		if metadata["service"] != "sso-ticket-registry" || metadata["environment"] != "test" {
			t.Fatalf("unexpected metadata: %v", metadata)
		}

		decoded, err := decodeCommand(bytes)
		if err != nil {
			t.Fatalf("decodeCommand returned error: %v", err)
		}
		if decoded.ID != cmd.ID || decoded.Publisher != cmd.Publisher || decoded.Op != cmd.Op ||
			decoded.TicketKey != cmd.TicketKey || decoded.Kind != cmd.Kind || !decoded.IssuedAt.Equal(issuedAt) {
			t.Fatalf("command did not round-trip: %+v", decoded)
		}
		if string(decoded.Payload) != string(cmd.Payload) {
			t.Fatalf("payload did not round-trip: %v", decoded.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on async producer input channel")
	}
}

func TestPublishRejectsInvalidCommand(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	publisher := NewCommandPublisher(newTestProducer(t, asyncProducer), config.AppSettings{}, nil)

	err := publisher.Publish(context.Background(), domain.ReplicationCommand{ID: "cmd", Publisher: "node-a", Op: domain.CommandAdd})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if len(asyncProducer.input) != 0 {
		t.Fatalf("expected nothing enqueued")
	}
}

func TestPublishHonoursContext(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	asyncProducer.input <- &sarama.ProducerMessage{}
	publisher := NewCommandPublisher(newTestProducer(t, asyncProducer), config.AppSettings{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := publisher.Publish(ctx, domain.ReplicationCommand{ID: "cmd", Publisher: "node-a", Op: domain.CommandDelete, TicketKey: "k"})
	if err == nil {
		t.Fatalf("expected context error when the producer input is full")
	}
}

func TestStubPublisher(t *testing.T) {
	publisher := NewStubPublisher(zaptest.NewLogger(t))
	if err := publisher.Publish(context.Background(), domain.ReplicationCommand{Op: domain.CommandDelete}); err != nil {
		t.Fatalf("stub publish returned error: %v", err)
	}
}

func TestTopicName(t *testing.T) {
	cases := map[string]string{
		"":         "ticket.registry",
		"sso":      "sso.ticket.registry",
		"sso.prod": "sso.prod.ticket.registry",
	}
	for prefix, want := range cases {
		if got := topicName(prefix, RegistryTopic); got != want {
			t.Fatalf("topicName(%q) = %s, want %s", prefix, got, want)
		}
	}
	if got := topicName("sso", "sso.ticket.registry"); got != "sso.ticket.registry" {
		t.Fatalf("expected prefixed name to be kept, got %s", got)
	}
}
