package domain

import (
	"fmt"
	"time"
)

// CommandOp is the replication operation discriminant.
type CommandOp string

const (
	CommandAdd    CommandOp = "add"
	CommandUpdate CommandOp = "update"
	CommandDelete CommandOp = "delete"
)

// Valid reports whether op is a known replication operation.
func (op CommandOp) Valid() bool {
	switch op {
	case CommandAdd, CommandUpdate, CommandDelete:
		return true
	default:
		return false
	}
}

// ReplicationCommand is broadcast to every node after a local registry mutation.
// TicketKey is the storage digest; raw ticket identifiers never travel on the bus.
// Payload is the encrypted ticket and is empty for deletes.
type ReplicationCommand struct {
	ID        string
	Publisher string
	Op        CommandOp
	TicketKey string
	Kind      Kind
	Payload   []byte
	IssuedAt  time.Time
}

// Validate checks the command carries what its operation needs.
func (c ReplicationCommand) Validate() error {
	if c.ID == "" || c.Publisher == "" {
		return fmt.Errorf("%w: command id and publisher are required", ErrInvalidTicket)
	}
	if !c.Op.Valid() {
		return fmt.Errorf("%w: unknown command op %q", ErrInvalidTicket, c.Op)
	}
	if c.TicketKey == "" {
		return fmt.Errorf("%w: command ticket key is required", ErrInvalidTicket)
	}
	if c.Op != CommandDelete && (len(c.Payload) == 0 || c.Kind == "") {
		return fmt.Errorf("%w: %s command requires kind and payload", ErrInvalidTicket, c.Op)
	}
	return nil
}

// Encoded returns the payload view of an add/update command.
func (c ReplicationCommand) Encoded() EncodedTicket {
	return EncodedTicket{Key: c.TicketKey, Kind: c.Kind, Payload: c.Payload}
}
