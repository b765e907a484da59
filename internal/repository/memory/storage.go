package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/repository"
)

const shardCount = 64

type shard struct {
	mu      sync.RWMutex
	records map[string]port.TicketRecord
}

// TicketStorage keeps encoded tickets in process memory, split across shards so
// unrelated keys do not contend on one mutex.
type TicketStorage struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewTicketStorage constructs an empty in-memory storage strategy.
func NewTicketStorage() *TicketStorage {
	s := &TicketStorage{now: func() time.Time { return time.Now().UTC() }}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]port.TicketRecord)}
	}
	return s
}

// WithClock overrides the clock used to honour record expiry.
func (s *TicketStorage) WithClock(now func() time.Time) *TicketStorage {
	if now != nil {
		s.now = now
	}
	return s
}

var _ port.TicketStorage = (*TicketStorage)(nil)

func (s *TicketStorage) Create(ctx context.Context, record port.TicketRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if record.Key == "" {
		return 0, fmt.Errorf("ticket key is required")
	}
	sh := s.shardFor(record.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.records[record.Key]; ok && !s.expired(existing) {
		return 0, repository.ErrDuplicate
	}
	record.Revision = 1
	sh.records[record.Key] = cloneRecord(record)
	return record.Revision, nil
}

func (s *TicketStorage) Get(ctx context.Context, key string) (*port.TicketRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shardFor(key)
	sh.mu.RLock()
	record, ok := sh.records[key]
	sh.mu.RUnlock()
	if !ok || s.expired(record) {
		return nil, repository.ErrNotFound
	}
	clone := cloneRecord(record)
	return &clone, nil
}

func (s *TicketStorage) Update(ctx context.Context, record port.TicketRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sh := s.shardFor(record.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, ok := sh.records[record.Key]
	if !ok || s.expired(existing) {
		return 0, repository.ErrNotFound
	}
	if existing.Revision != record.Revision {
		return 0, repository.ErrConflict
	}
	record.Revision = existing.Revision + 1
	sh.records[record.Key] = cloneRecord(record)
	return record.Revision, nil
}

func (s *TicketStorage) Put(ctx context.Context, record port.TicketRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	sh := s.shardFor(record.Key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	record.Revision = 1
	if existing, ok := sh.records[record.Key]; ok {
		record.Revision = existing.Revision + 1
	}
	sh.records[record.Key] = cloneRecord(record)
	return record.Revision, nil
}

func (s *TicketStorage) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	record, ok := sh.records[key]
	if !ok {
		return false, nil
	}
	delete(sh.records, key)
	return !s.expired(record), nil
}

// Scan visits a snapshot of each shard so fn may call back into the storage.
func (s *TicketStorage) Scan(ctx context.Context, fn func(port.TicketRecord) error) error {
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		sh.mu.RLock()
		snapshot := make([]port.TicketRecord, 0, len(sh.records))
		for _, record := range sh.records {
			if s.expired(record) {
				continue
			}
			snapshot = append(snapshot, cloneRecord(record))
		}
		sh.mu.RUnlock()

		for _, record := range snapshot {
			if err := fn(record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *TicketStorage) DeleteAll(ctx context.Context) (int64, error) {
	var removed int64
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		removed += int64(len(sh.records))
		sh.records = make(map[string]port.TicketRecord)
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *TicketStorage) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var removed int64
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		sh.mu.Lock()
		for key, record := range sh.records {
			if expiredAt(record, now) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Size returns the number of stored records, including expired ones not yet purged.
func (s *TicketStorage) Size() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.records)
		sh.mu.RUnlock()
	}
	return total
}

func (s *TicketStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of live records.
func (s *TicketStorage) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, record := range sh.records {
			if !s.expired(record) {
				total++
			}
		}
		sh.mu.RUnlock()
	}
	return total
}

func (s *TicketStorage) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

func (s *TicketStorage) expired(record port.TicketRecord) bool {
	return expiredAt(record, s.now())
}

func expiredAt(record port.TicketRecord, now time.Time) bool {
	return !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)
}

func cloneRecord(record port.TicketRecord) port.TicketRecord {
	clone := record
	if record.Payload != nil {
		clone.Payload = append([]byte(nil), record.Payload...)
	}
	return clone
}
