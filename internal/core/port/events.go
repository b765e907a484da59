package port

import (
	"context"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
)

// CommandPublisher broadcasts registry replication commands to the cluster bus.
type CommandPublisher interface {
	Publish(ctx context.Context, cmd domain.ReplicationCommand) error
}

// CommandReceiver applies replication commands received from the bus.
type CommandReceiver interface {
	Receive(ctx context.Context, cmd domain.ReplicationCommand) error
}
