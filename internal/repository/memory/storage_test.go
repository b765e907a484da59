package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/repository"
)

func TestTicketStorage_CreateRejectsDuplicate(t *testing.T) {
	store := NewTicketStorage()
	ctx := context.Background()

	record := port.TicketRecord{Key: "k1", Kind: domain.KindService, Payload: []byte("p")}
	rev, err := store.Create(ctx, record)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if rev != 1 {
		t.Fatalf("expected revision 1, got %d", rev)
	}

	if _, err := store.Create(ctx, record); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestTicketStorage_UpdateComparesRevision(t *testing.T) {
	store := NewTicketStorage()
	ctx := context.Background()

	if _, err := store.Create(ctx, port.TicketRecord{Key: "k1", Payload: []byte("a")}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	rev, err := store.Update(ctx, port.TicketRecord{Key: "k1", Payload: []byte("b"), Revision: 1})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if rev != 2 {
		t.Fatalf("expected revision 2, got %d", rev)
	}

	if _, err := store.Update(ctx, port.TicketRecord{Key: "k1", Payload: []byte("c"), Revision: 1}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale revision, got %v", err)
	}
	if _, err := store.Update(ctx, port.TicketRecord{Key: "missing", Revision: 1}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(got.Payload) != "b" || got.Revision != 2 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestTicketStorage_GetReturnsCopy(t *testing.T) {
	store := NewTicketStorage()
	ctx := context.Background()

	if _, err := store.Create(ctx, port.TicketRecord{Key: "k1", Payload: []byte("abc")}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	got, _ := store.Get(ctx, "k1")
	got.Payload[0] = 'z'

	again, _ := store.Get(ctx, "k1")
	if string(again.Payload) != "abc" {
		t.Fatalf("stored payload was mutated through returned record")
	}
}

func TestTicketStorage_ExpiredRecordsAreInvisible(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewTicketStorage().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := store.Create(ctx, port.TicketRecord{Key: "k1", ExpiresAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	now = now.Add(2 * time.Minute)

	if _, err := store.Get(ctx, "k1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired record, got %v", err)
	}
	if _, err := store.Create(ctx, port.TicketRecord{Key: "k1"}); err != nil {
		t.Fatalf("expected expired key to be reusable, got %v", err)
	}
}

func TestTicketStorage_DeleteIsIdempotent(t *testing.T) {
	store := NewTicketStorage()
	ctx := context.Background()

	if _, err := store.Put(ctx, port.TicketRecord{Key: "k1"}); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	removed, err := store.Delete(ctx, "k1")
	if err != nil || !removed {
		t.Fatalf("expected first delete to remove record, removed=%v err=%v", removed, err)
	}
	removed, err = store.Delete(ctx, "k1")
	if err != nil || removed {
		t.Fatalf("expected second delete to be a no-op, removed=%v err=%v", removed, err)
	}
}

func TestTicketStorage_ScanAndDeleteAll(t *testing.T) {
	store := NewTicketStorage()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Put(ctx, port.TicketRecord{Key: key}); err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
	}

	seen := map[string]bool{}
	err := store.Scan(ctx, func(record port.TicketRecord) error {
		seen[record.Key] = true
		// Callbacks may mutate the store.
		_, err := store.Delete(ctx, record.Key)
		return err
	})
	if err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 records scanned, got %d", len(seen))
	}
	if store.Len() != 0 {
		t.Fatalf("expected store to be empty after deleting during scan")
	}

	_, _ = store.Put(ctx, port.TicketRecord{Key: "d"})
	removed, err := store.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("DeleteAll returned error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 record removed, got %d", removed)
	}
}

func TestLockingStrategy_LeaseSemantics(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	locks := NewLockingStrategy().WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := locks.Acquire(ctx, "cas", "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected node-a to acquire, ok=%v err=%v", ok, err)
	}
	if ok, _ := locks.Acquire(ctx, "cas", "node-b", time.Minute); ok {
		t.Fatalf("expected node-b to be refused while lease is live")
	}
	if ok, _ := locks.Acquire(ctx, "cas", "node-a", time.Minute); ok {
		t.Fatalf("expected lock to be non-reentrant")
	}

	if err := locks.Release(ctx, "cas", "node-b"); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if ok, _ := locks.Acquire(ctx, "cas", "node-b", time.Minute); ok {
		t.Fatalf("release by non-holder must not free the lock")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := locks.Acquire(ctx, "cas", "node-b", time.Minute); !ok {
		t.Fatalf("expected node-b to take over an expired lease")
	}
}

func TestTicketStorage_PurgeExpiredRemovesRecords(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewTicketStorage().WithClock(func() time.Time { return now })
	ctx := context.Background()

	for _, record := range []port.TicketRecord{
		{Key: "gone", Kind: domain.KindService, ExpiresAt: now.Add(time.Second)},
		{Key: "edge", Kind: domain.KindService, ExpiresAt: now.Add(time.Minute)},
		{Key: "kept", Kind: domain.KindService, ExpiresAt: now.Add(time.Hour)},
		{Key: "forever", Kind: domain.KindTicketGranting},
	} {
		if _, err := store.Create(ctx, record); err != nil {
			t.Fatalf("Create(%s) returned error: %v", record.Key, err)
		}
	}

	removed, err := store.PurgeExpired(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeExpired returned error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 records purged, got %d", removed)
	}
	if store.Size() != 2 {
		t.Fatalf("expected 2 records left, got %d", store.Size())
	}
	if _, err := store.Get(ctx, "kept"); err != nil {
		t.Fatalf("expected kept record, got %v", err)
	}
}
