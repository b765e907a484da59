package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
)

// ReplicationReceiver applies commands published by peer nodes to local storage. It never
// republishes, and it discards commands that originated on this node.
type ReplicationReceiver struct {
	nodeID     string
	storage    port.TicketStorage
	codec      port.TicketCodec
	catalog    *domain.TicketCatalog
	locks      *KeyLocks
	tombstones *TombstoneSet
	metrics    RegistryMetrics
	logger     *zap.Logger
	now        func() time.Time

	storageTimeout time.Duration
}

var _ port.CommandReceiver = (*ReplicationReceiver)(nil)

// NewReplicationReceiver constructs a receiver. locks and tombstones should be shared with
// the local TicketRegistry so local and replicated writes to one key are serialised.
func NewReplicationReceiver(nodeID string, storage port.TicketStorage, codec port.TicketCodec, catalog *domain.TicketCatalog, locks *KeyLocks, tombstones *TombstoneSet) *ReplicationReceiver {
	if locks == nil {
		locks = NewKeyLocks()
	}
	if tombstones == nil {
		tombstones = NewTombstoneSet(0)
	}
	return &ReplicationReceiver{
		nodeID:     nodeID,
		storage:    storage,
		codec:      codec,
		catalog:    catalog,
		locks:      locks,
		tombstones: tombstones,
		metrics:    nopMetrics{},
		logger:     zap.NewNop(),
		now:        func() time.Time { return time.Now().UTC() },

		storageTimeout: defaultStorageTimeout,
	}
}

func (r *ReplicationReceiver) WithLogger(log *zap.Logger) *ReplicationReceiver {
	if log != nil {
		r.logger = log
	}
	return r
}

func (r *ReplicationReceiver) WithMetrics(metrics RegistryMetrics) *ReplicationReceiver {
	if metrics != nil {
		r.metrics = metrics
	}
	return r
}

// WithStorageTimeout bounds each replicated storage write, which runs while the key lock is held.
func (r *ReplicationReceiver) WithStorageTimeout(timeout time.Duration) *ReplicationReceiver {
	if timeout > 0 {
		r.storageTimeout = timeout
	}
	return r
}

func (r *ReplicationReceiver) WithClock(now func() time.Time) *ReplicationReceiver {
	if now != nil {
		r.now = now
	}
	return r
}

// Receive applies one command. Malformed or tampered commands are rejected with an error the
// transport can log and skip; they never reach storage.
func (r *ReplicationReceiver) Receive(ctx context.Context, cmd domain.ReplicationCommand) error {
	if cmd.Publisher == r.nodeID {
		r.metrics.IncReplication("receive", cmd.Op, resultEcho)
		return nil
	}
	if err := cmd.Validate(); err != nil {
		r.metrics.IncReplication("receive", cmd.Op, resultError)
		return err
	}

	var err error
	switch cmd.Op {
	case domain.CommandDelete:
		err = r.applyDelete(ctx, cmd)
	default:
		err = r.applyPut(ctx, cmd)
	}
	if err != nil {
		r.metrics.IncReplication("receive", cmd.Op, resultError)
		r.logger.Warn("replication command rejected",
			zap.String("command_id", cmd.ID),
			zap.String("publisher", cmd.Publisher),
			zap.String("op", string(cmd.Op)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (r *ReplicationReceiver) applyPut(ctx context.Context, cmd domain.ReplicationCommand) error {
	if _, ok := r.catalog.FindByKind(cmd.Kind); !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownKind, cmd.Kind)
	}

	ticket, err := r.codec.Decode(cmd.Encoded())
	if err != nil {
		if errors.Is(err, domain.ErrKeyMismatch) {
			r.logger.Warn("replicated ticket key does not match payload",
				zap.String("component", "security"),
				zap.String("command_id", cmd.ID),
				zap.String("publisher", cmd.Publisher),
			)
		}
		return err
	}

	unlock := r.locks.Lock(cmd.TicketKey)
	defer unlock()

	if r.tombstones.Contains(cmd.TicketKey, r.now()) {
		r.metrics.IncReplication("receive", cmd.Op, resultStale)
		r.logger.Debug("ignoring replicated write for deleted ticket",
			zap.String("command_id", cmd.ID),
			zap.String("kind", string(cmd.Kind)),
		)
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, r.storageTimeout)
	_, err = r.storage.Put(sctx, port.TicketRecord{
		Key:       cmd.TicketKey,
		Kind:      cmd.Kind,
		Payload:   cmd.Payload,
		ExpiresAt: ticket.StorageDeadline(),
	})
	cancel()
	if err != nil {
		return storageError("apply replicated ticket", err)
	}
	r.metrics.IncReplication("receive", cmd.Op, resultOK)
	return nil
}

func (r *ReplicationReceiver) applyDelete(ctx context.Context, cmd domain.ReplicationCommand) error {
	unlock := r.locks.Lock(cmd.TicketKey)
	defer unlock()

	r.tombstones.Add(cmd.TicketKey, r.now())
	sctx, cancel := context.WithTimeout(ctx, r.storageTimeout)
	removed, err := r.storage.Delete(sctx, cmd.TicketKey)
	cancel()
	if err != nil {
		return storageError("apply replicated delete", err)
	}
	result := resultOK
	if !removed {
		result = resultSkipped
	}
	r.metrics.IncReplication("receive", cmd.Op, result)
	return nil
}
