package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/repository"
)

const (
	defaultTicketKeyPrefix = "sso"
	fieldKind              = "kind"
	fieldPayload           = "payload"
	fieldRevision          = "revision"
	scanBatchSize          = 200
)

// createTicketScript inserts the ticket hash only when the key is absent.
var createTicketScript = red.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "kind", ARGV[1], "payload", ARGV[2], "revision", 1)
local expireAt = tonumber(ARGV[3])
if expireAt > 0 then
  redis.call("PEXPIREAT", KEYS[1], expireAt)
end
return 1
`)

// TicketStorage stores each encoded ticket as a Redis hash carrying kind, payload and revision.
type TicketStorage struct {
	client *red.Client
	prefix string
}

// NewTicketStorage constructs a Redis storage strategy. Keys take the form {prefix}:ticket:{key}.
func NewTicketStorage(client *red.Client, prefix string) *TicketStorage {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		trimmed = defaultTicketKeyPrefix
	}
	return &TicketStorage{client: client, prefix: trimmed}
}

var _ port.TicketStorage = (*TicketStorage)(nil)

func (s *TicketStorage) Create(ctx context.Context, record port.TicketRecord) (int64, error) {
	if record.Key == "" {
		return 0, fmt.Errorf("ticket key is required")
	}
	created, err := createTicketScript.Run(ctx, s.client,
		[]string{s.key(record.Key)},
		string(record.Kind), record.Payload, expireAtMillis(record.ExpiresAt),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis create ticket: %w", err)
	}
	if created == 0 {
		return 0, repository.ErrDuplicate
	}
	return 1, nil
}

func (s *TicketStorage) Get(ctx context.Context, key string) (*port.TicketRecord, error) {
	values, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get ticket: %w", err)
	}
	if len(values) == 0 {
		return nil, repository.ErrNotFound
	}
	record, err := recordFromHash(key, values)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Update applies an optimistic WATCH/MULTI transaction guarded by the stored revision.
func (s *TicketStorage) Update(ctx context.Context, record port.TicketRecord) (int64, error) {
	key := s.key(record.Key)
	next := record.Revision + 1

	err := s.client.Watch(ctx, func(tx *red.Tx) error {
		current, err := tx.HGet(ctx, key, fieldRevision).Int64()
		if err != nil {
			if errors.Is(err, red.Nil) {
				return repository.ErrNotFound
			}
			return fmt.Errorf("redis read revision: %w", err)
		}
		if current != record.Revision {
			return repository.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe red.Pipeliner) error {
			pipe.HSet(ctx, key, fieldKind, string(record.Kind), fieldPayload, record.Payload, fieldRevision, next)
			applyExpiry(ctx, pipe, key, record.ExpiresAt)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, red.TxFailedErr):
		return 0, repository.ErrConflict
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, repository.ErrConflict):
		return 0, err
	default:
		return 0, fmt.Errorf("redis update ticket: %w", err)
	}
}

func (s *TicketStorage) Put(ctx context.Context, record port.TicketRecord) (int64, error) {
	key := s.key(record.Key)

	var revision *red.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe red.Pipeliner) error {
		revision = pipe.HIncrBy(ctx, key, fieldRevision, 1)
		pipe.HSet(ctx, key, fieldKind, string(record.Kind), fieldPayload, record.Payload)
		applyExpiry(ctx, pipe, key, record.ExpiresAt)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis put ticket: %w", err)
	}
	return revision.Val(), nil
}

func (s *TicketStorage) Delete(ctx context.Context, key string) (bool, error) {
	removed, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete ticket: %w", err)
	}
	return removed > 0, nil
}

func (s *TicketStorage) Scan(ctx context.Context, fn func(port.TicketRecord) error) error {
	return s.scanKeys(ctx, func(keys []string) error {
		for _, key := range keys {
			values, err := s.client.HGetAll(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("redis scan ticket: %w", err)
			}
			if len(values) == 0 {
				// Expired or deleted between SCAN and HGETALL.
				continue
			}
			record, err := recordFromHash(strings.TrimPrefix(key, s.key("")), values)
			if err != nil {
				return err
			}
			if err := fn(record); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *TicketStorage) DeleteAll(ctx context.Context) (int64, error) {
	var removed int64
	err := s.scanKeys(ctx, func(keys []string) error {
		if len(keys) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis delete tickets: %w", err)
		}
		removed += n
		return nil
	})
	return removed, err
}

// PurgeExpired is a no-op: every ticket hash carries a PEXPIREAT deadline and Redis evicts it.
func (s *TicketStorage) PurgeExpired(ctx context.Context, _ time.Time) (int64, error) {
	return 0, ctx.Err()
}

func (s *TicketStorage) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *TicketStorage) scanKeys(ctx context.Context, fn func([]string) error) error {
	var cursor uint64
	pattern := s.key("*")
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if err := fn(keys); err != nil {
			return err
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *TicketStorage) key(ticketKey string) string {
	return fmt.Sprintf("%s:ticket:%s", s.prefix, ticketKey)
}

func recordFromHash(key string, values map[string]string) (port.TicketRecord, error) {
	revision, err := strconv.ParseInt(values[fieldRevision], 10, 64)
	if err != nil {
		return port.TicketRecord{}, fmt.Errorf("parse ticket revision: %w", err)
	}
	return port.TicketRecord{
		Key:      key,
		Kind:     domain.Kind(values[fieldKind]),
		Payload:  []byte(values[fieldPayload]),
		Revision: revision,
	}, nil
}

func applyExpiry(ctx context.Context, pipe red.Pipeliner, key string, expiresAt time.Time) {
	if expiresAt.IsZero() {
		pipe.Persist(ctx, key)
		return
	}
	pipe.PExpireAt(ctx, key, expiresAt)
}

func expireAtMillis(expiresAt time.Time) int64 {
	if expiresAt.IsZero() {
		return 0
	}
	return expiresAt.UnixMilli()
}
