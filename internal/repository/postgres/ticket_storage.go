package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/repository"
)

const defaultScanPageSize = 500

// TicketStorage persists encoded tickets in the sso.tickets table guarded by a revision column.
type TicketStorage struct {
	exec     pgExecutor
	builder  squirrel.StatementBuilderType
	now      func() time.Time
	pageSize uint64
}

// NewTicketStorage constructs the storage strategy from any executor that satisfies pgExecutor.
func NewTicketStorage(exec pgExecutor) *TicketStorage {
	return &TicketStorage{
		exec:     exec,
		builder:  squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:      func() time.Time { return time.Now().UTC() },
		pageSize: defaultScanPageSize,
	}
}

// WithClock overrides the clock used for expiry filtering and updated_at stamps.
func (s *TicketStorage) WithClock(now func() time.Time) *TicketStorage {
	if now != nil {
		s.now = now
	}
	return s
}

// WithPageSize sets how many rows Scan fetches per round trip.
func (s *TicketStorage) WithPageSize(size uint64) *TicketStorage {
	if size > 0 {
		s.pageSize = size
	}
	return s
}

var _ port.TicketStorage = (*TicketStorage)(nil)

func (s *TicketStorage) Create(ctx context.Context, record port.TicketRecord) (int64, error) {
	stmt, args, err := s.builder.Insert(ticketsTable).
		Columns("ticket_key", "kind", "payload", "revision", "expires_at", "updated_at").
		Values(record.Key, string(record.Kind), record.Payload, 1, optionalTime(record.ExpiresAt), s.now()).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert ticket sql: %w", err)
	}

	if _, err := s.exec.Exec(ctx, stmt, args...); err != nil {
		if isUniqueViolation(err) {
			return 0, repository.ErrDuplicate
		}
		return 0, fmt.Errorf("insert ticket: %w", err)
	}
	return 1, nil
}

func (s *TicketStorage) Get(ctx context.Context, key string) (*port.TicketRecord, error) {
	stmt, args, err := s.builder.
		Select("ticket_key", "kind", "payload", "revision", "expires_at").
		From(ticketsTable).
		Where(squirrel.Eq{"ticket_key": key}).
		Where(s.liveCondition()).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select ticket sql: %w", err)
	}

	record, err := scanRecord(s.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	return record, nil
}

// Update writes the record when the stored revision still equals record.Revision.
func (s *TicketStorage) Update(ctx context.Context, record port.TicketRecord) (int64, error) {
	stmt, args, err := s.builder.Update(ticketsTable).
		Set("kind", string(record.Kind)).
		Set("payload", record.Payload).
		Set("revision", squirrel.Expr("revision + 1")).
		Set("expires_at", optionalTime(record.ExpiresAt)).
		Set("updated_at", s.now()).
		Where(squirrel.Eq{"ticket_key": record.Key}).
		Where(squirrel.Eq{"revision": record.Revision}).
		Suffix("RETURNING revision").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build update ticket sql: %w", err)
	}

	var revision int64
	if err := s.exec.QueryRow(ctx, stmt, args...).Scan(&revision); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("update ticket: %w", err)
		}
		exists, existsErr := s.exists(ctx, record.Key)
		if existsErr != nil {
			return 0, existsErr
		}
		if !exists {
			return 0, repository.ErrNotFound
		}
		return 0, repository.ErrConflict
	}
	return revision, nil
}

func (s *TicketStorage) Put(ctx context.Context, record port.TicketRecord) (int64, error) {
	stmt, args, err := s.builder.Insert(ticketsTable).
		Columns("ticket_key", "kind", "payload", "revision", "expires_at", "updated_at").
		Values(record.Key, string(record.Kind), record.Payload, 1, optionalTime(record.ExpiresAt), s.now()).
		Suffix(`ON CONFLICT (ticket_key) DO UPDATE SET
            kind = EXCLUDED.kind,
            payload = EXCLUDED.payload,
            revision = tickets.revision + 1,
            expires_at = EXCLUDED.expires_at,
            updated_at = EXCLUDED.updated_at
        RETURNING revision`).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build upsert ticket sql: %w", err)
	}

	var revision int64
	if err := s.exec.QueryRow(ctx, stmt, args...).Scan(&revision); err != nil {
		return 0, fmt.Errorf("upsert ticket: %w", err)
	}
	return revision, nil
}

func (s *TicketStorage) Delete(ctx context.Context, key string) (bool, error) {
	stmt, args, err := s.builder.Delete(ticketsTable).
		Where(squirrel.Eq{"ticket_key": key}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build delete ticket sql: %w", err)
	}

	tag, err := s.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return false, fmt.Errorf("delete ticket: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Scan pages through live rows by key so fn can safely issue its own statements.
func (s *TicketStorage) Scan(ctx context.Context, fn func(port.TicketRecord) error) error {
	after := ""
	for {
		page, err := s.page(ctx, after)
		if err != nil {
			return err
		}
		for _, record := range page {
			if err := fn(record); err != nil {
				return err
			}
		}
		if uint64(len(page)) < s.pageSize {
			return nil
		}
		after = page[len(page)-1].Key
	}
}

func (s *TicketStorage) DeleteAll(ctx context.Context) (int64, error) {
	stmt, args, err := s.builder.Delete(ticketsTable).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete tickets sql: %w", err)
	}
	tag, err := s.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("delete tickets: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeExpired deletes rows whose deadline has passed. Rows without a deadline are kept.
func (s *TicketStorage) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	stmt, args, err := s.builder.Delete(ticketsTable).
		Where(squirrel.LtOrEq{"expires_at": now}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge tickets sql: %w", err)
	}
	tag, err := s.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("purge expired tickets: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *TicketStorage) Ping(ctx context.Context) error {
	if p, ok := s.exec.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		return nil
	}
	if _, err := s.exec.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (s *TicketStorage) page(ctx context.Context, after string) ([]port.TicketRecord, error) {
	query := s.builder.
		Select("ticket_key", "kind", "payload", "revision", "expires_at").
		From(ticketsTable).
		Where(s.liveCondition()).
		OrderBy("ticket_key").
		Limit(s.pageSize)
	if after != "" {
		query = query.Where(squirrel.Gt{"ticket_key": after})
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build scan tickets sql: %w", err)
	}

	rows, err := s.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("scan tickets: %w", err)
	}
	defer rows.Close()

	var records []port.TicketRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}
	return records, nil
}

func (s *TicketStorage) exists(ctx context.Context, key string) (bool, error) {
	stmt, args, err := s.builder.Select("1").
		From(ticketsTable).
		Where(squirrel.Eq{"ticket_key": key}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build ticket exists sql: %w", err)
	}
	var one int
	if err := s.exec.QueryRow(ctx, stmt, args...).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ticket exists: %w", err)
	}
	return true, nil
}

func (s *TicketStorage) liveCondition() squirrel.Sqlizer {
	return squirrel.Or{
		squirrel.Eq{"expires_at": nil},
		squirrel.Gt{"expires_at": s.now()},
	}
}

func scanRecord(row pgx.Row) (*port.TicketRecord, error) {
	var (
		record    port.TicketRecord
		kind      string
		expiresAt sql.NullTime
	)
	if err := row.Scan(&record.Key, &kind, &record.Payload, &record.Revision, &expiresAt); err != nil {
		return nil, err
	}
	record.Kind = domain.Kind(kind)
	if expiresAt.Valid {
		record.ExpiresAt = expiresAt.Time
	}
	return &record, nil
}
