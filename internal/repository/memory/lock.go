package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arklim/sso-ticket-registry/internal/core/port"
)

type lease struct {
	holder    string
	expiresAt time.Time
}

// LockingStrategy is a process-local lease lock for single-node deployments.
type LockingStrategy struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

// NewLockingStrategy constructs an empty in-process lock table.
func NewLockingStrategy() *LockingStrategy {
	return &LockingStrategy{
		leases: make(map[string]lease),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the lease clock.
func (l *LockingStrategy) WithClock(now func() time.Time) *LockingStrategy {
	if now != nil {
		l.now = now
	}
	return l
}

var _ port.LockingStrategy = (*LockingStrategy)(nil)

// Acquire grants the lock when it is free or its lease has lapsed. A holder that already
// owns a live lease is refused like any other contender.
func (l *LockingStrategy) Acquire(ctx context.Context, applicationID, holderID string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if applicationID == "" || holderID == "" {
		return false, fmt.Errorf("application id and holder id are required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lease must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.leases[applicationID]; ok && now.Before(current.expiresAt) {
		return false, nil
	}
	l.leases[applicationID] = lease{holder: holderID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *LockingStrategy) Release(ctx context.Context, applicationID, holderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.leases[applicationID]; ok && current.holder == holderID {
		delete(l.leases, applicationID)
	}
	return nil
}
