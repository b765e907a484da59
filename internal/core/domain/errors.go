package domain

import "errors"

var (
	// ErrTicketNotFound indicates the ticket is absent, rejected by a predicate or unreadable.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTicketExpired indicates the ticket exists but its policy or an ancestor reports expiry.
	ErrTicketExpired = errors.New("ticket expired")
	// ErrDuplicateTicket indicates a ticket with the same id already exists.
	ErrDuplicateTicket = errors.New("ticket already exists")
	// ErrStorageFailure wraps backend failures and exhausted update retries.
	ErrStorageFailure = errors.New("ticket storage failure")
	// ErrReplicationFailure signals the replication bus rejected a command.
	ErrReplicationFailure = errors.New("ticket replication failure")
	// ErrLockUnavailable is returned when another node holds the cleaner lock.
	ErrLockUnavailable = errors.New("lock unavailable")
	// ErrDecodeFailed indicates a payload failed authentication or decoding.
	ErrDecodeFailed = errors.New("ticket decode failed")
	// ErrKeyMismatch indicates a decoded ticket does not belong to the storage key it was read from.
	ErrKeyMismatch = errors.New("ticket key mismatch")
	// ErrUnknownKind indicates the ticket kind or prefix is not registered in the catalog.
	ErrUnknownKind = errors.New("unknown ticket kind")
	// ErrInvalidTicket indicates the ticket is structurally invalid.
	ErrInvalidTicket = errors.New("invalid ticket")
	// ErrInvalidPolicy indicates an expiration policy spec cannot be built.
	ErrInvalidPolicy = errors.New("invalid expiration policy")
)
