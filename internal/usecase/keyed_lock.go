package usecase

import (
	"hash/fnv"
	"sync"
)

const keyLockStripes = 256

// KeyLocks serialises work on the same storage key within one node. Distinct keys may
// share a stripe; callers must never hold two stripes at once.
type KeyLocks struct {
	stripes [keyLockStripes]sync.Mutex
}

// NewKeyLocks returns an unlocked stripe set.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{}
}

// Lock acquires the stripe for key and returns its unlock function.
func (l *KeyLocks) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%keyLockStripes]
	mu.Lock()
	return mu.Unlock
}
