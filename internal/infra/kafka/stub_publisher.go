package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
)

// StubPublisher logs commands instead of sending them to Kafka. Useful for single-node
// development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly command publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubPublisher{logger: logger}
}

// Publish logs the command metadata. The encrypted payload is never logged.
func (p *StubPublisher) Publish(_ context.Context, cmd domain.ReplicationCommand) error {
	at := cmd.IssuedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Debug("Stub replication command published",
		zap.String("command_id", cmd.ID),
		zap.String("op", string(cmd.Op)),
		zap.String("kind", string(cmd.Kind)),
		zap.String("publisher", cmd.Publisher),
		zap.Int("payload_bytes", len(cmd.Payload)),
		zap.Time("timestamp", at.UTC()),
	)
	return nil
}

var _ port.CommandPublisher = (*StubPublisher)(nil)
