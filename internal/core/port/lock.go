package port

import (
	"context"
	"time"
)

// LockingStrategy is a non-blocking, non-reentrant, lease-based lock shared by the cluster.
type LockingStrategy interface {
	// Acquire returns true when holderID now owns the lock for applicationID until lease elapses.
	Acquire(ctx context.Context, applicationID, holderID string, lease time.Duration) (bool, error)
	// Release frees the lock if it is still held by holderID.
	Release(ctx context.Context, applicationID, holderID string) error
}
