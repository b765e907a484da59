package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arklim/sso-ticket-registry/internal/core/port"
)

// acquireLockSQL claims the row when it is free or its lease has lapsed. A live lease,
// including one held by the caller, leaves the row untouched and returns nothing.
const acquireLockSQL = `
INSERT INTO sso.locks (application_id, unique_id, expiration_date)
VALUES ($1, $2, $3)
ON CONFLICT (application_id) DO UPDATE
   SET unique_id = EXCLUDED.unique_id,
       expiration_date = EXCLUDED.expiration_date
 WHERE locks.unique_id IS NULL
    OR locks.expiration_date IS NULL
    OR locks.expiration_date < $4
RETURNING unique_id`

const releaseLockSQL = `
UPDATE sso.locks
   SET unique_id = NULL,
       expiration_date = NULL
 WHERE application_id = $1
   AND unique_id = $2`

// LockingStrategy implements the cleaner lock on a shared LOCKS table.
type LockingStrategy struct {
	exec pgExecutor
	now  func() time.Time
}

// NewLockingStrategy constructs the Postgres lock from any executor.
func NewLockingStrategy(exec pgExecutor) *LockingStrategy {
	return &LockingStrategy{exec: exec, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the lease clock.
func (l *LockingStrategy) WithClock(now func() time.Time) *LockingStrategy {
	if now != nil {
		l.now = now
	}
	return l
}

var _ port.LockingStrategy = (*LockingStrategy)(nil)

func (l *LockingStrategy) Acquire(ctx context.Context, applicationID, holderID string, lease time.Duration) (bool, error) {
	if applicationID == "" || holderID == "" {
		return false, fmt.Errorf("application id and holder id are required")
	}
	if lease <= 0 {
		return false, fmt.Errorf("lease must be positive")
	}

	now := l.now()
	var owner string
	err := l.exec.QueryRow(ctx, acquireLockSQL, applicationID, holderID, now.Add(lease), now).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return owner == holderID, nil
}

func (l *LockingStrategy) Release(ctx context.Context, applicationID, holderID string) error {
	if _, err := l.exec.Exec(ctx, releaseLockSQL, applicationID, holderID); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
