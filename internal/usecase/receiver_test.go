package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/repository/memory"
)

func TestReplication_AddUseDeleteAcrossNodes(t *testing.T) {
	cluster := newTestCluster(t)
	nodeA := cluster.node(t, "node-a")
	nodeB := cluster.node(t, "node-b")
	connect(nodeA, nodeB)
	ctx := context.Background()

	tgt := cluster.addSession(t, nodeA, "alice")
	st := cluster.addChild(t, nodeA, domain.KindService, tgt.ID, domain.MultiUseOrTimeoutSpec(2, time.Minute))

	replicated, err := nodeB.registry.GetTicket(ctx, tgt.ID, nil)
	if err != nil {
		t.Fatalf("expected session on node-b, got %v", err)
	}
	if len(replicated.ChildIDs) != 1 || replicated.ChildIDs[0] != st.ID {
		t.Fatalf("expected child link to replicate, got %v", replicated.ChildIDs)
	}

	if _, err := nodeA.registry.UseTicket(ctx, st.ID, domain.KindService); err != nil {
		t.Fatalf("UseTicket returned error: %v", err)
	}
	// The consumption is visible on the peer, so the last use can only be spent once.
	if _, err := nodeB.registry.UseTicket(ctx, st.ID, domain.KindService); err != nil {
		t.Fatalf("second use on node-b returned error: %v", err)
	}
	if _, err := nodeA.registry.UseTicket(ctx, st.ID, domain.KindService); !errors.Is(err, domain.ErrTicketNotFound) {
		t.Fatalf("expected exhausted ticket to be gone on node-a, got %v", err)
	}

	if _, err := nodeA.registry.DeleteTicket(ctx, tgt.ID); err != nil {
		t.Fatalf("DeleteTicket returned error: %v", err)
	}
	if _, err := nodeB.registry.GetTicket(ctx, tgt.ID, nil); !errors.Is(err, domain.ErrTicketNotFound) {
		t.Fatalf("expected session removed on node-b, got %v", err)
	}
	if nodeB.storage.Len() != 0 {
		t.Fatalf("expected node-b storage to be empty, got %d", nodeB.storage.Len())
	}
}

func TestReplicationReceiver_DiscardsOwnCommands(t *testing.T) {
	cluster := newTestCluster(t)
	node := cluster.node(t, "node-a")

	tgt := cluster.newTicket(t, domain.KindTicketGranting, domain.TicketRequest{Principal: "alice"})
	encoded, err := cluster.codec.Encode(tgt)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	cmd := domain.ReplicationCommand{
		ID:        "cmd-1",
		Publisher: "node-a",
		Op:        domain.CommandAdd,
		TicketKey: encoded.Key,
		Kind:      encoded.Kind,
		Payload:   encoded.Payload,
		IssuedAt:  registryEpoch,
	}
	if err := node.receiver.Receive(context.Background(), cmd); err != nil {
		t.Fatalf("Receive returned error: %v", err)
	}
	if node.storage.Len() != 0 {
		t.Fatalf("expected echo to be discarded")
	}
	if got := node.metrics.replicationCount("receive/add/echo"); got != 1 {
		t.Fatalf("expected echo metric, got %d", got)
	}
}

func TestReplicationReceiver_RejectsMismatchedKey(t *testing.T) {
	cluster := newTestCluster(t)
	node := cluster.node(t, "node-b")

	tgt := cluster.newTicket(t, domain.KindTicketGranting, domain.TicketRequest{Principal: "alice"})
	encoded, err := cluster.codec.Encode(tgt)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	cmd := domain.ReplicationCommand{
		ID:        "cmd-1",
		Publisher: "node-a",
		Op:        domain.CommandUpdate,
		TicketKey: cluster.codec.Digest("TGT-someone-else"),
		Kind:      encoded.Kind,
		Payload:   encoded.Payload,
	}
	if err := node.receiver.Receive(context.Background(), cmd); !errors.Is(err, domain.ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}

	cmd.TicketKey = encoded.Key
	cmd.Kind = "XYZ"
	if err := node.receiver.Receive(context.Background(), cmd); !errors.Is(err, domain.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}

	cmd.Kind = encoded.Kind
	cmd.Payload = nil
	if err := node.receiver.Receive(context.Background(), cmd); !errors.Is(err, domain.ErrInvalidTicket) {
		t.Fatalf("expected ErrInvalidTicket for empty payload, got %v", err)
	}
	if node.storage.Len() != 0 {
		t.Fatalf("expected rejected commands to leave storage untouched")
	}
}

func TestReplicationReceiver_TombstoneBlocksLateWrite(t *testing.T) {
	cluster := newTestCluster(t)
	node := cluster.node(t, "node-b")
	ctx := context.Background()

	tgt := cluster.newTicket(t, domain.KindTicketGranting, domain.TicketRequest{Principal: "alice"})
	encoded, err := cluster.codec.Encode(tgt)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	del := domain.ReplicationCommand{ID: "cmd-del", Publisher: "node-a", Op: domain.CommandDelete, TicketKey: encoded.Key}
	if err := node.receiver.Receive(ctx, del); err != nil {
		t.Fatalf("Receive(delete) returned error: %v", err)
	}

	add := domain.ReplicationCommand{
		ID:        "cmd-add",
		Publisher: "node-a",
		Op:        domain.CommandAdd,
		TicketKey: encoded.Key,
		Kind:      encoded.Kind,
		Payload:   encoded.Payload,
	}
	if err := node.receiver.Receive(ctx, add); err != nil {
		t.Fatalf("Receive(add) returned error: %v", err)
	}
	if node.storage.Len() != 0 {
		t.Fatalf("expected late add for a deleted ticket to be dropped")
	}
	if got := node.metrics.replicationCount("receive/add/tombstoned"); got != 1 {
		t.Fatalf("expected tombstone metric, got %d", got)
	}

	// Deleting an absent key is a no-op but still succeeds.
	if err := node.receiver.Receive(ctx, del); err != nil {
		t.Fatalf("repeated delete returned error: %v", err)
	}
}

func TestReplicationReceiver_OwnUpdateDoesNotDoubleCount(t *testing.T) {
	cluster := newTestCluster(t)
	node := cluster.node(t, "node-a")
	node.publisher.peers = append(node.publisher.peers, node.receiver)
	ctx := context.Background()

	tgt := cluster.addSession(t, node, "alice")
	st := cluster.addChild(t, node, domain.KindService, tgt.ID, domain.MultiUseOrTimeoutSpec(3, time.Minute))

	if _, err := node.registry.UseTicket(ctx, st.ID, domain.KindService); err != nil {
		t.Fatalf("UseTicket returned error: %v", err)
	}

	stored, err := node.registry.GetTicket(ctx, st.ID, nil)
	if err != nil {
		t.Fatalf("GetTicket returned error: %v", err)
	}
	if stored.UseCount != 1 {
		t.Fatalf("expected use count 1 after looping back own update, got %d", stored.UseCount)
	}

	updates := 0
	for _, op := range node.publisher.ops() {
		if op == domain.CommandUpdate {
			updates++
		}
	}
	if updates == 0 {
		t.Fatalf("expected the consumption to be published as an update")
	}
	if got := node.metrics.replicationCount("receive/update/echo"); got != updates {
		t.Fatalf("expected every own update discarded as echo, got %d of %d", got, updates)
	}
}

type stalledStorage struct {
	*memory.TicketStorage
}

func (s stalledStorage) Put(ctx context.Context, _ port.TicketRecord) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (s stalledStorage) Delete(ctx context.Context, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func TestReplicationReceiver_StorageCallsAreBounded(t *testing.T) {
	cluster := newTestCluster(t)
	locks := NewKeyLocks()
	storage := stalledStorage{TicketStorage: memory.NewTicketStorage()}
	receiver := NewReplicationReceiver("node-b", storage, cluster.codec, cluster.catalog, locks, NewTombstoneSet(time.Minute)).
		WithStorageTimeout(20 * time.Millisecond)

	tgt := cluster.newTicket(t, domain.KindTicketGranting, domain.TicketRequest{Principal: "alice"})
	encoded, err := cluster.codec.Encode(tgt)
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}

	commands := []domain.ReplicationCommand{
		{ID: "cmd-add", Publisher: "node-a", Op: domain.CommandAdd, TicketKey: encoded.Key, Kind: encoded.Kind, Payload: encoded.Payload},
		{ID: "cmd-del", Publisher: "node-a", Op: domain.CommandDelete, TicketKey: encoded.Key},
	}
	for _, cmd := range commands {
		done := make(chan error, 1)
		go func() { done <- receiver.Receive(context.Background(), cmd) }()

		select {
		case err := <-done:
			if !errors.Is(err, domain.ErrStorageFailure) {
				t.Fatalf("%s: expected ErrStorageFailure, got %v", cmd.ID, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s: receive did not return while storage was stalled", cmd.ID)
		}
	}

	// The key lock was released, so local writers are not blocked behind the stalled call.
	unlocked := make(chan struct{})
	go func() {
		locks.Lock(encoded.Key)()
		close(unlocked)
	}()
	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatalf("expected key lock to be free after timed-out writes")
	}
}
