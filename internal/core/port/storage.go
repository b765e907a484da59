package port

import (
	"context"
	"time"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
)

// TicketRecord is the persisted representation of an encoded ticket. Revision is an
// opaque optimistic-concurrency token owned by the backend; zero means unset.
type TicketRecord struct {
	Key       string
	Kind      domain.Kind
	Payload   []byte
	Revision  int64
	ExpiresAt time.Time
}

// TicketStorage is the narrow storage strategy behind the registry. Implementations
// normalise backend errors to repository.ErrNotFound, repository.ErrDuplicate and
// repository.ErrConflict.
type TicketStorage interface {
	// Create inserts a new record and returns its revision.
	Create(ctx context.Context, record TicketRecord) (int64, error)
	Get(ctx context.Context, key string) (*TicketRecord, error)
	// Update replaces the record when its stored revision equals record.Revision.
	Update(ctx context.Context, record TicketRecord) (int64, error)
	// Put unconditionally upserts the record; used when applying replicated state.
	Put(ctx context.Context, record TicketRecord) (int64, error)
	// Delete removes the record and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Scan visits every record; returning an error from fn stops the scan.
	Scan(ctx context.Context, fn func(TicketRecord) error) error
	DeleteAll(ctx context.Context) (int64, error)
	// PurgeExpired physically removes records whose ExpiresAt is at or before now. Scan and
	// Get already hide such records; backends with native key expiry may report 0.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	Ping(ctx context.Context) error
}
