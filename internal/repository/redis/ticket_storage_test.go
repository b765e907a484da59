package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/repository"
)

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := red.NewClient(&red.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func TestTicketStorage_CreateAndGet(t *testing.T) {
	client, server := newTestRedis(t)
	store := NewTicketStorage(client, "sso")
	ctx := context.Background()

	expiresAt := time.Now().Add(10 * time.Minute)
	record := port.TicketRecord{Key: "abc", Kind: domain.KindTicketGranting, Payload: []byte{0x01, 0x00, 0xff}, ExpiresAt: expiresAt}

	rev, err := store.Create(ctx, record)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if rev != 1 {
		t.Fatalf("expected revision 1, got %d", rev)
	}

	got, err := store.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Kind != domain.KindTicketGranting || string(got.Payload) != string(record.Payload) || got.Revision != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	ttl := server.TTL("sso:ticket:abc")
	if ttl <= 0 || ttl > 10*time.Minute {
		t.Fatalf("expected ttl within (0, 10m], got %v", ttl)
	}

	if _, err := store.Create(ctx, record); !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestTicketStorage_GetMissing(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewTicketStorage(client, "sso")

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTicketStorage_UpdateRevisionCheck(t *testing.T) {
	client, _ := newTestRedis(t)
	store := NewTicketStorage(client, "sso")
	ctx := context.Background()

	if _, err := store.Create(ctx, port.TicketRecord{Key: "abc", Kind: domain.KindService, Payload: []byte("v1")}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	rev, err := store.Update(ctx, port.TicketRecord{Key: "abc", Kind: domain.KindService, Payload: []byte("v2"), Revision: 1})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if rev != 2 {
		t.Fatalf("expected revision 2, got %d", rev)
	}

	if _, err := store.Update(ctx, port.TicketRecord{Key: "abc", Payload: []byte("v3"), Revision: 1}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.Update(ctx, port.TicketRecord{Key: "nope", Revision: 1}); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if string(got.Payload) != "v2" {
		t.Fatalf("expected payload v2, got %s", got.Payload)
	}
}

func TestTicketStorage_PutUpsertsAndBumpsRevision(t *testing.T) {
	client, server := newTestRedis(t)
	store := NewTicketStorage(client, "sso")
	ctx := context.Background()

	rev, err := store.Put(ctx, port.TicketRecord{Key: "abc", Kind: domain.KindProxy, Payload: []byte("a"), ExpiresAt: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if rev != 1 {
		t.Fatalf("expected revision 1, got %d", rev)
	}

	rev, err = store.Put(ctx, port.TicketRecord{Key: "abc", Kind: domain.KindProxy, Payload: []byte("b")})
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if rev != 2 {
		t.Fatalf("expected revision 2, got %d", rev)
	}
	if ttl := server.TTL("sso:ticket:abc"); ttl != 0 {
		t.Fatalf("expected ttl to be cleared, got %v", ttl)
	}
}

func TestTicketStorage_ScanDeleteAll(t *testing.T) {
	client, server := newTestRedis(t)
	store := NewTicketStorage(client, "sso")
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Put(ctx, port.TicketRecord{Key: key, Kind: domain.KindService, Payload: []byte(key)}); err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
	}
	if err := server.Set("sso:lock:cleaner", "node"); err != nil {
		t.Fatalf("seed lock key: %v", err)
	}

	seen := map[string]string{}
	if err := store.Scan(ctx, func(record port.TicketRecord) error {
		seen[record.Key] = string(record.Payload)
		return nil
	}); err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if len(seen) != 3 || seen["b"] != "b" {
		t.Fatalf("unexpected scan result: %v", seen)
	}

	removed, err := store.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("DeleteAll returned error: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if !server.Exists("sso:lock:cleaner") {
		t.Fatalf("DeleteAll must not touch non-ticket keys")
	}

	deleted, err := store.Delete(ctx, "a")
	if err != nil || deleted {
		t.Fatalf("expected delete of missing key to be a no-op, deleted=%v err=%v", deleted, err)
	}
}

func TestTicketStorage_ExpiredRecordsEvictedByRedis(t *testing.T) {
	client, server := newTestRedis(t)
	store := NewTicketStorage(client, "sso")
	ctx := context.Background()

	record := port.TicketRecord{Key: "st", Kind: domain.KindService, Payload: []byte("p"), ExpiresAt: time.Now().Add(time.Second)}
	if _, err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	server.FastForward(2 * time.Second)

	purged, err := store.PurgeExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("PurgeExpired returned error: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected redis to own eviction, got %d purged", purged)
	}
	if server.Exists("sso:ticket:st") {
		t.Fatalf("expected expired ticket key evicted")
	}
}

func TestLockingStrategy_AcquireRelease(t *testing.T) {
	client, server := newTestRedis(t)
	locks := NewLockingStrategy(client, "sso")
	ctx := context.Background()

	ok, err := locks.Acquire(ctx, "cas", "node-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire, ok=%v err=%v", ok, err)
	}
	if ok, _ := locks.Acquire(ctx, "cas", "node-b", time.Minute); ok {
		t.Fatalf("expected node-b to be refused")
	}
	if ok, _ := locks.Acquire(ctx, "cas", "node-a", time.Minute); ok {
		t.Fatalf("expected lock to be non-reentrant")
	}

	if err := locks.Release(ctx, "cas", "node-b"); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if !server.Exists("sso:lock:cas") {
		t.Fatalf("release by non-holder must keep the lock")
	}

	server.FastForward(2 * time.Minute)
	ok, err = locks.Acquire(ctx, "cas", "node-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected node-b to acquire after lease lapse, ok=%v err=%v", ok, err)
	}
	if err := locks.Release(ctx, "cas", "node-b"); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if server.Exists("sso:lock:cas") {
		t.Fatalf("expected holder release to delete the lock")
	}
}
