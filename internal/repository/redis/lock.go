package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/sso-ticket-registry/internal/core/port"
)

// releaseLockScript deletes the lock only when it is still owned by the caller.
var releaseLockScript = red.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockingStrategy implements the cleaner lock with SET NX PX leases.
type LockingStrategy struct {
	client *red.Client
	prefix string
}

// NewLockingStrategy constructs the Redis lease lock. Keys take the form {prefix}:lock:{applicationID}.
func NewLockingStrategy(client *red.Client, prefix string) *LockingStrategy {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = defaultTicketKeyPrefix
	}
	return &LockingStrategy{client: client, prefix: trimmed}
}

var _ port.LockingStrategy = (*LockingStrategy)(nil)

func (l *LockingStrategy) Acquire(ctx context.Context, applicationID, holderID string, lease time.Duration) (bool, error) {
	if applicationID == "" || holderID == "" {
		return false, fmt.Errorf("application id and holder id are required")
	}
	if lease <= 0 {
		return false, fmt.Errorf("lease must be positive")
	}
	acquired, err := l.client.SetNX(ctx, l.key(applicationID), holderID, lease).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire lock: %w", err)
	}
	return acquired, nil
}

func (l *LockingStrategy) Release(ctx context.Context, applicationID, holderID string) error {
	if err := releaseLockScript.Run(ctx, l.client, []string{l.key(applicationID)}, holderID).Err(); err != nil {
		return fmt.Errorf("redis release lock: %w", err)
	}
	return nil
}

func (l *LockingStrategy) key(applicationID string) string {
	return fmt.Sprintf("%s:lock:%s", l.prefix, applicationID)
}
