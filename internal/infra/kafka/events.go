package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/infra/config"
)

const (
	schemaVersion = "1.0"

	// RegistryTopic carries every ticket registry replication command.
	RegistryTopic = "ticket.registry"
)

// CommandPublisher implements port.CommandPublisher using Kafka.
type CommandPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewCommandPublisher constructs a Kafka-backed replication publisher.
func NewCommandPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *CommandPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

// commandEnvelope is the wire form of a replication command. Payload is the encrypted
// ticket and is base64 encoded by encoding/json.
type commandEnvelope struct {
	CommandID string           `json:"command_id"`
	Op        domain.CommandOp `json:"op"`
	Publisher string           `json:"publisher"`
	TicketKey string           `json:"ticket_key"`
	Kind      domain.Kind      `json:"kind,omitempty"`
	Payload   []byte           `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

func encodeCommand(ctx context.Context, cmd domain.ReplicationCommand, appCfg config.AppSettings) ([]byte, error) {
	ts := cmd.IssuedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := cmd.ID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     appCfg.Name,
		"environment": appCfg.Env,
	}

	if span := trace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			metadata["trace_id"] = sc.TraceID().String()
		}
	}

	envelope := commandEnvelope{
		CommandID: id,
		Op:        cmd.Op,
		Publisher: cmd.Publisher,
		TicketKey: cmd.TicketKey,
		Kind:      cmd.Kind,
		Payload:   cmd.Payload,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal command envelope: %w", err)
	}
	return bytes, nil
}

func decodeCommand(data []byte) (domain.ReplicationCommand, error) {
	var envelope commandEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return domain.ReplicationCommand{}, fmt.Errorf("decode command envelope: %w", err)
	}
	if envelope.Version != schemaVersion {
		return domain.ReplicationCommand{}, fmt.Errorf("unsupported command envelope version %q", envelope.Version)
	}
	return domain.ReplicationCommand{
		ID:        envelope.CommandID,
		Publisher: envelope.Publisher,
		Op:        envelope.Op,
		TicketKey: envelope.TicketKey,
		Kind:      envelope.Kind,
		Payload:   envelope.Payload,
		IssuedAt:  envelope.Timestamp,
	}, nil
}

// Publish enqueues the command on the registry topic keyed by ticket key so that all
// commands for one ticket land on the same partition.
func (p *CommandPublisher) Publish(ctx context.Context, cmd domain.ReplicationCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	bytes, err := encodeCommand(ctx, cmd, p.appCfg)
	if err != nil {
		return err
	}

	message := &sarama.ProducerMessage{
		Topic: p.producer.TopicName(RegistryTopic),
		Key:   sarama.StringEncoder(cmd.TicketKey),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ port.CommandPublisher = (*CommandPublisher)(nil)
