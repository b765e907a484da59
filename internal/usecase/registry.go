package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/infra/logger"
	"github.com/arklim/sso-ticket-registry/internal/repository"
)

const (
	tracerName = "github.com/arklim/sso-ticket-registry/internal/usecase"

	defaultMaxUpdateRetries = 5
	defaultStorageTimeout   = 3 * time.Second
	defaultPublishTimeout   = 2 * time.Second
	maxChainDepth           = 16
)

// TicketPredicate lets callers add their own acceptance rule on top of the registry checks.
type TicketPredicate func(*domain.Ticket) bool

// RegistryOptions configures the ticket registry.
type RegistryOptions struct {
	NodeID           string
	MaxUpdateRetries int
	StorageTimeout   time.Duration
	PublishTimeout   time.Duration
}

// TicketStats summarises the registry contents by kind.
type TicketStats struct {
	Total     int                 `json:"total"`
	Expired   int                 `json:"expired"`
	Undecoded int                 `json:"undecoded"`
	ByKind    map[domain.Kind]int `json:"by_kind"`
}

// TicketRegistry is the storage-agnostic ticket registry. It encodes every ticket before it
// reaches storage, enforces kind/expiry/ancestry on reads, serialises same-key mutations
// on this node and broadcasts every local mutation for replication.
type TicketRegistry struct {
	storage    port.TicketStorage
	codec      port.TicketCodec
	catalog    *domain.TicketCatalog
	publisher  port.CommandPublisher
	locks      *KeyLocks
	tombstones *TombstoneSet
	metrics    RegistryMetrics
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time

	nodeID         string
	maxRetries     int
	storageTimeout time.Duration
	publishTimeout time.Duration
}

// NewTicketRegistry constructs the registry. publisher may be nil for a standalone node.
func NewTicketRegistry(storage port.TicketStorage, codec port.TicketCodec, catalog *domain.TicketCatalog, publisher port.CommandPublisher, opts RegistryOptions) *TicketRegistry {
	r := &TicketRegistry{
		storage:        storage,
		codec:          codec,
		catalog:        catalog,
		publisher:      publisher,
		locks:          NewKeyLocks(),
		tombstones:     NewTombstoneSet(0),
		metrics:        nopMetrics{},
		logger:         zap.NewNop(),
		tracer:         otel.Tracer(tracerName),
		now:            func() time.Time { return time.Now().UTC() },
		nodeID:         strings.TrimSpace(opts.NodeID),
		maxRetries:     opts.MaxUpdateRetries,
		storageTimeout: opts.StorageTimeout,
		publishTimeout: opts.PublishTimeout,
	}
	if r.nodeID == "" {
		r.nodeID = uuid.NewString()
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxUpdateRetries
	}
	if r.storageTimeout <= 0 {
		r.storageTimeout = defaultStorageTimeout
	}
	if r.publishTimeout <= 0 {
		r.publishTimeout = defaultPublishTimeout
	}
	return r
}

// WithLogger attaches a structured logger.
func (r *TicketRegistry) WithLogger(log *zap.Logger) *TicketRegistry {
	if log != nil {
		r.logger = log
	}
	return r
}

// WithClock overrides the clock, primarily for deterministic testing.
func (r *TicketRegistry) WithClock(now func() time.Time) *TicketRegistry {
	if now != nil {
		r.now = now
	}
	return r
}

// WithMetrics wires telemetry observers.
func (r *TicketRegistry) WithMetrics(metrics RegistryMetrics) *TicketRegistry {
	if metrics != nil {
		r.metrics = metrics
	}
	return r
}

// WithKeyLocks shares the per-key lock set, typically with the replication receiver.
func (r *TicketRegistry) WithKeyLocks(locks *KeyLocks) *TicketRegistry {
	if locks != nil {
		r.locks = locks
	}
	return r
}

// WithTombstones shares the deleted-key set with the replication receiver.
func (r *TicketRegistry) WithTombstones(tombstones *TombstoneSet) *TicketRegistry {
	if tombstones != nil {
		r.tombstones = tombstones
	}
	return r
}

// WithTracer overrides the tracer.
func (r *TicketRegistry) WithTracer(tracer trace.Tracer) *TicketRegistry {
	if tracer != nil {
		r.tracer = tracer
	}
	return r
}

// NodeID returns the publisher identity stamped on outgoing commands.
func (r *TicketRegistry) NodeID() string {
	return r.nodeID
}

// Catalog exposes the ticket catalog used by the registry.
func (r *TicketRegistry) Catalog() *domain.TicketCatalog {
	return r.catalog
}

// AddTicket stores a new ticket, links it into its parent and replicates it.
func (r *TicketRegistry) AddTicket(ctx context.Context, ticket *domain.Ticket) (err error) {
	ctx, span := r.startSpan(ctx, "TicketRegistry.AddTicket", ticket)
	defer func() { r.finish(span, "add", ticketKind(ticket), err) }()

	if err := r.catalog.ValidateTicket(ticket); err != nil {
		return err
	}
	if !ticket.IsRoot() {
		if _, err := r.loadValid(ctx, ticket.ParentID); err != nil {
			return fmt.Errorf("parent ticket: %w", err)
		}
	}

	encoded, err := r.codec.Encode(ticket)
	if err != nil {
		return fmt.Errorf("%w: encode ticket: %v", domain.ErrStorageFailure, err)
	}

	record := port.TicketRecord{
		Key:       encoded.Key,
		Kind:      encoded.Kind,
		Payload:   encoded.Payload,
		ExpiresAt: ticket.StorageDeadline(),
	}

	unlock := r.locks.Lock(record.Key)
	sctx, cancel := r.storageContext(ctx)
	_, err = r.storage.Create(sctx, record)
	cancel()
	unlock()
	if err != nil {
		return storageError("create ticket", err)
	}

	r.publish(ctx, domain.CommandAdd, encoded.Key, encoded.Kind, encoded.Payload)

	if !ticket.IsRoot() {
		r.linkChild(ctx, ticket.ParentID, ticket.ID)
	}

	r.logger.Debug("ticket added",
		zap.String("ticket_id", logger.MaskTicketID(ticket.ID)),
		zap.String("kind", string(ticket.Kind)),
		zap.String("principal", logger.MaskPrincipal(ticket.Principal)),
	)
	return nil
}

// GetTicket returns a valid ticket. Absent, undecodable and predicate-rejected tickets all
// yield ErrTicketNotFound; expired tickets and tickets with a dead ancestor yield ErrTicketExpired.
func (r *TicketRegistry) GetTicket(ctx context.Context, ticketID string, predicate TicketPredicate) (ticket *domain.Ticket, err error) {
	ctx, span := r.startSpan(ctx, "TicketRegistry.GetTicket", nil)
	kind, _ := domain.KindOf(ticketID)
	defer func() { r.finish(span, "get", kind, err) }()

	ticket, err = r.loadValid(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if predicate != nil && !predicate(ticket) {
		return nil, domain.ErrTicketNotFound
	}
	return ticket, nil
}

// UpdateTicket overwrites the stored ticket, retrying on revision conflicts. Kind and parent
// are immutable. Children recorded concurrently by other writers are preserved.
func (r *TicketRegistry) UpdateTicket(ctx context.Context, ticket *domain.Ticket) (updated *domain.Ticket, err error) {
	ctx, span := r.startSpan(ctx, "TicketRegistry.UpdateTicket", ticket)
	defer func() { r.finish(span, "update", ticketKind(ticket), err) }()

	if err := r.catalog.ValidateTicket(ticket); err != nil {
		return nil, err
	}

	key := r.codec.Digest(ticket.ID)
	unlock := r.locks.Lock(key)
	defer unlock()

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		current, record, err := r.load(ctx, ticket.ID)
		if err != nil {
			return nil, err
		}
		if current.Kind != ticket.Kind || current.ParentID != ticket.ParentID {
			return nil, fmt.Errorf("%w: kind and parent are immutable", domain.ErrInvalidTicket)
		}

		next := ticket.Clone()
		for _, child := range current.ChildIDs {
			next.AddChild(child)
		}

		encoded, err := r.write(ctx, next, record.Revision)
		if errors.Is(err, repository.ErrConflict) {
			r.logger.Debug("ticket update conflict, retrying",
				zap.String("ticket_id", logger.MaskTicketID(ticket.ID)),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, storageError("update ticket", err)
		}

		r.publish(ctx, domain.CommandUpdate, encoded.Key, encoded.Kind, encoded.Payload)
		return next, nil
	}

	return nil, fmt.Errorf("%w: update ticket: revision conflict after %d attempts", domain.ErrStorageFailure, r.maxRetries)
}

// UseTicket validates and consumes a ticket as one step: the consumption is written with a
// revision check so two validators cannot both spend the last use. A service or proxy
// ticket whose policy reports expiry after consumption is deleted.
func (r *TicketRegistry) UseTicket(ctx context.Context, ticketID string, kind domain.Kind) (used *domain.Ticket, err error) {
	ctx, span := r.startSpan(ctx, "TicketRegistry.UseTicket", nil)
	defer func() { r.finish(span, "use", kind, err) }()

	if def, ok := r.catalog.Find(ticketID); !ok || (kind != "" && def.Kind != kind) {
		return nil, domain.ErrTicketNotFound
	}

	key := r.codec.Digest(ticketID)
	unlock := r.locks.Lock(key)
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		ticket, record, err := r.load(ctx, ticketID)
		if err != nil {
			return nil, err
		}
		now := r.now()
		if err := r.checkValid(ctx, ticket, now); err != nil {
			return nil, err
		}

		ticket.Use(now)
		// Granting tickets age out by time; only consumable tickets are spent by use.
		exhausted := !ticket.Kind.Granting() && ticket.IsExpired(now)

		encoded, err := r.write(ctx, ticket, record.Revision)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, storageError("consume ticket", err)
		}

		if !exhausted {
			r.publish(ctx, domain.CommandUpdate, encoded.Key, encoded.Kind, encoded.Payload)
			return ticket, nil
		}

		unlock()
		locked = false
		if _, err := r.DeleteTicket(ctx, ticketID); err != nil {
			r.logger.Warn("failed to delete exhausted ticket",
				zap.String("ticket_id", logger.MaskTicketID(ticketID)),
				zap.Error(err),
			)
		}
		return ticket, nil
	}

	return nil, fmt.Errorf("%w: consume ticket: revision conflict after %d attempts", domain.ErrStorageFailure, r.maxRetries)
}

// DeleteTicket revokes a ticket and every ticket issued from it. Returns the number removed.
func (r *TicketRegistry) DeleteTicket(ctx context.Context, ticketID string) (count int, err error) {
	ctx, span := r.startSpan(ctx, "TicketRegistry.DeleteTicket", nil)
	kind, _ := domain.KindOf(ticketID)
	defer func() { r.finish(span, "delete", kind, err) }()

	return r.deleteCascade(ctx, ticketID, 0)
}

// DeleteSingleTicket removes exactly one ticket. Deleting an absent ticket returns 0.
func (r *TicketRegistry) DeleteSingleTicket(ctx context.Context, ticketID string) (int, error) {
	key := r.codec.Digest(ticketID)
	unlock := r.locks.Lock(key)
	defer unlock()

	sctx, cancel := r.storageContext(ctx)
	removed, err := r.storage.Delete(sctx, key)
	cancel()
	if err != nil {
		return 0, storageError("delete ticket", err)
	}

	r.tombstones.Add(key, r.now())
	kind, _ := domain.KindOf(ticketID)
	r.publish(ctx, domain.CommandDelete, key, kind, nil)

	if !removed {
		return 0, nil
	}
	r.logger.Debug("ticket deleted", zap.String("ticket_id", logger.MaskTicketID(ticketID)))
	return 1, nil
}

// DeleteAll purges every ticket from local storage without replication.
func (r *TicketRegistry) DeleteAll(ctx context.Context) (int64, error) {
	removed, err := r.storage.DeleteAll(ctx)
	if err != nil {
		return removed, storageError("delete all tickets", err)
	}
	r.logger.Info("ticket registry purged", zap.Int64("removed", removed))
	return removed, nil
}

// PurgeExpired physically drops records whose storage deadline has passed. Nothing is
// replicated: every copy of a record carries the same deadline.
func (r *TicketRegistry) PurgeExpired(ctx context.Context) (int64, error) {
	removed, err := r.storage.PurgeExpired(ctx, r.now())
	if err != nil {
		return removed, storageError("purge expired tickets", err)
	}
	return removed, nil
}

// GetTickets returns every decodable ticket, expired ones included.
func (r *TicketRegistry) GetTickets(ctx context.Context) ([]*domain.Ticket, error) {
	var tickets []*domain.Ticket
	err := r.scan(ctx, func(ticket *domain.Ticket) error {
		tickets = append(tickets, ticket)
		return nil
	})
	return tickets, err
}

// SessionCount counts unexpired ticket-granting tickets.
func (r *TicketRegistry) SessionCount(ctx context.Context) (int, error) {
	return r.countValid(ctx, func(t *domain.Ticket) bool { return t.Kind == domain.KindTicketGranting })
}

// ServiceTicketCount counts unexpired service tickets.
func (r *TicketRegistry) ServiceTicketCount(ctx context.Context) (int, error) {
	return r.countValid(ctx, func(t *domain.Ticket) bool { return t.Kind == domain.KindService })
}

// CountSessionsFor counts unexpired ticket-granting tickets of a principal.
func (r *TicketRegistry) CountSessionsFor(ctx context.Context, principal string) (int, error) {
	sessions, err := r.GetSessionsFor(ctx, principal)
	return len(sessions), err
}

// GetSessionsFor returns the unexpired ticket-granting tickets of a principal.
func (r *TicketRegistry) GetSessionsFor(ctx context.Context, principal string) ([]*domain.Ticket, error) {
	now := r.now()
	var sessions []*domain.Ticket
	err := r.scan(ctx, func(t *domain.Ticket) error {
		if t.Kind == domain.KindTicketGranting && t.Principal == principal && !t.IsExpired(now) {
			sessions = append(sessions, t)
		}
		return nil
	})
	return sessions, err
}

// Stats counts stored tickets by kind.
func (r *TicketRegistry) Stats(ctx context.Context) (TicketStats, error) {
	stats := TicketStats{ByKind: make(map[domain.Kind]int)}
	now := r.now()
	err := r.storage.Scan(ctx, func(record port.TicketRecord) error {
		stats.Total++
		ticket, err := r.codec.Decode(domain.EncodedTicket{Key: record.Key, Kind: record.Kind, Payload: record.Payload})
		if err != nil {
			stats.Undecoded++
			return nil
		}
		stats.ByKind[ticket.Kind]++
		if ticket.IsExpired(now) {
			stats.Expired++
		}
		return nil
	})
	if err != nil {
		return stats, storageError("scan tickets", err)
	}
	return stats, nil
}

// Ping checks the storage backend.
func (r *TicketRegistry) Ping(ctx context.Context) error {
	sctx, cancel := r.storageContext(ctx)
	defer cancel()
	return r.storage.Ping(sctx)
}

func (r *TicketRegistry) deleteCascade(ctx context.Context, ticketID string, depth int) (int, error) {
	if depth > maxChainDepth {
		return 0, fmt.Errorf("%w: ticket chain deeper than %d", domain.ErrInvalidTicket, maxChainDepth)
	}

	removed := 0
	ticket, _, err := r.load(ctx, ticketID)
	switch {
	case err == nil:
		if ticket.Kind.Granting() {
			for _, childID := range ticket.ChildIDs {
				n, err := r.deleteCascade(ctx, childID, depth+1)
				if err != nil {
					return removed, err
				}
				removed += n
			}
		}
	case errors.Is(err, domain.ErrTicketNotFound):
		// Absent or unreadable; still issue the delete so peers converge.
	default:
		return removed, err
	}

	n, err := r.DeleteSingleTicket(ctx, ticketID)
	if err != nil {
		return removed, err
	}
	return removed + n, nil
}

// linkChild records childID on the parent so revocation can cascade eagerly.
func (r *TicketRegistry) linkChild(ctx context.Context, parentID, childID string) {
	key := r.codec.Digest(parentID)
	unlock := r.locks.Lock(key)
	defer unlock()

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		parent, record, err := r.load(ctx, parentID)
		if err != nil {
			r.logger.Warn("unable to link child ticket",
				zap.String("parent_id", logger.MaskTicketID(parentID)),
				zap.String("child_id", logger.MaskTicketID(childID)),
				zap.Error(err),
			)
			return
		}
		if !parent.AddChild(childID) {
			return
		}
		encoded, err := r.write(ctx, parent, record.Revision)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			r.logger.Warn("unable to link child ticket",
				zap.String("parent_id", logger.MaskTicketID(parentID)),
				zap.Error(err),
			)
			return
		}
		r.publish(ctx, domain.CommandUpdate, encoded.Key, encoded.Kind, encoded.Payload)
		return
	}
	r.logger.Warn("unable to link child ticket after retries",
		zap.String("parent_id", logger.MaskTicketID(parentID)),
		zap.Int("attempts", r.maxRetries),
	)
}

// load fetches and decodes a ticket by id. Decode failures are logged for security
// monitoring and reported as ErrTicketNotFound.
func (r *TicketRegistry) load(ctx context.Context, ticketID string) (*domain.Ticket, *port.TicketRecord, error) {
	def, ok := r.catalog.Find(ticketID)
	if !ok {
		return nil, nil, domain.ErrTicketNotFound
	}

	key := r.codec.Digest(ticketID)
	sctx, cancel := r.storageContext(ctx)
	record, err := r.storage.Get(sctx, key)
	cancel()
	if err != nil {
		return nil, nil, storageError("get ticket", err)
	}
	if record.Kind != def.Kind {
		return nil, nil, domain.ErrTicketNotFound
	}

	ticket, err := r.codec.Decode(domain.EncodedTicket{Key: record.Key, Kind: record.Kind, Payload: record.Payload})
	if err != nil {
		logger.FromContext(ctx, r.logger).Warn("ticket payload rejected",
			zap.String("component", "security"),
			zap.String("ticket_id", logger.MaskTicketID(ticketID)),
			zap.Bool("key_mismatch", errors.Is(err, domain.ErrKeyMismatch)),
			zap.Error(err),
		)
		return nil, nil, domain.ErrTicketNotFound
	}
	if ticket.ID != ticketID {
		return nil, nil, domain.ErrTicketNotFound
	}
	return ticket, record, nil
}

func (r *TicketRegistry) loadValid(ctx context.Context, ticketID string) (*domain.Ticket, error) {
	ticket, _, err := r.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := r.checkValid(ctx, ticket, r.now()); err != nil {
		return nil, err
	}
	return ticket, nil
}

// checkValid applies the policy to the ticket and every ancestor.
func (r *TicketRegistry) checkValid(ctx context.Context, ticket *domain.Ticket, now time.Time) error {
	if ticket.IsExpired(now) {
		if ticket.Throttled(now) {
			logger.FromContext(ctx, r.logger).Warn("ticket used too soon after previous use",
				zap.String("ticket_id", logger.MaskTicketID(ticket.ID)),
				zap.String("kind", string(ticket.Kind)),
				zap.Duration("since_last_use", now.Sub(ticket.LastUsedAt)),
			)
		}
		return domain.ErrTicketExpired
	}

	parentID := ticket.ParentID
	for depth := 0; parentID != ""; depth++ {
		if depth >= maxChainDepth {
			return fmt.Errorf("%w: ticket chain deeper than %d", domain.ErrInvalidTicket, maxChainDepth)
		}
		parent, _, err := r.load(ctx, parentID)
		if err != nil {
			if errors.Is(err, domain.ErrTicketNotFound) {
				return domain.ErrTicketExpired
			}
			return err
		}
		if parent.IsExpired(now) {
			return domain.ErrTicketExpired
		}
		parentID = parent.ParentID
	}
	return nil
}

// deadInChain reloads the ticket and reports whether it or one of its ancestors is
// expired or gone. A ticket that has itself disappeared is not reported.
func (r *TicketRegistry) deadInChain(ctx context.Context, ticketID string, now time.Time) (bool, error) {
	ticket, _, err := r.load(ctx, ticketID)
	if err != nil {
		if errors.Is(err, domain.ErrTicketNotFound) {
			return false, nil
		}
		return false, err
	}
	err = r.checkValid(ctx, ticket, now)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, domain.ErrTicketExpired), errors.Is(err, domain.ErrInvalidTicket):
		return true, nil
	default:
		return false, err
	}
}

// write encodes ticket and stores it if the stored revision still equals revision.
func (r *TicketRegistry) write(ctx context.Context, ticket *domain.Ticket, revision int64) (*domain.EncodedTicket, error) {
	encoded, err := r.codec.Encode(ticket)
	if err != nil {
		return nil, fmt.Errorf("%w: encode ticket: %v", domain.ErrStorageFailure, err)
	}
	sctx, cancel := r.storageContext(ctx)
	defer cancel()
	_, err = r.storage.Update(sctx, port.TicketRecord{
		Key:       encoded.Key,
		Kind:      encoded.Kind,
		Payload:   encoded.Payload,
		Revision:  revision,
		ExpiresAt: ticket.StorageDeadline(),
	})
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func (r *TicketRegistry) scan(ctx context.Context, fn func(*domain.Ticket) error) error {
	err := r.storage.Scan(ctx, func(record port.TicketRecord) error {
		ticket, err := r.codec.Decode(domain.EncodedTicket{Key: record.Key, Kind: record.Kind, Payload: record.Payload})
		if err != nil {
			r.logger.Warn("skipping undecodable ticket record",
				zap.String("component", "security"),
				zap.String("kind", string(record.Kind)),
				zap.Error(err),
			)
			return nil
		}
		return fn(ticket)
	})
	if err != nil {
		return storageError("scan tickets", err)
	}
	return nil
}

func (r *TicketRegistry) countValid(ctx context.Context, match func(*domain.Ticket) bool) (int, error) {
	now := r.now()
	count := 0
	err := r.scan(ctx, func(t *domain.Ticket) error {
		if match(t) && !t.IsExpired(now) {
			count++
		}
		return nil
	})
	return count, err
}

// publish broadcasts a command. Failures are logged and never returned: the local
// mutation already happened and stays authoritative for this node.
func (r *TicketRegistry) publish(ctx context.Context, op domain.CommandOp, key string, kind domain.Kind, payload []byte) {
	if r.publisher == nil {
		return
	}

	cmd := domain.ReplicationCommand{
		ID:        uuid.NewString(),
		Publisher: r.nodeID,
		Op:        op,
		TicketKey: key,
		Kind:      kind,
		Payload:   payload,
		IssuedAt:  r.now(),
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.publishTimeout)
	defer cancel()

	if err := r.publisher.Publish(pctx, cmd); err != nil {
		r.metrics.IncReplication("publish", op, resultError)
		logger.FromContext(ctx, r.logger).Warn("replication publish failed",
			zap.String("command_id", cmd.ID),
			zap.String("op", string(op)),
			zap.String("kind", string(kind)),
			zap.Error(fmt.Errorf("%w: %v", domain.ErrReplicationFailure, err)),
		)
		return
	}
	r.metrics.IncReplication("publish", op, resultOK)
}

func (r *TicketRegistry) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.storageTimeout)
}

func (r *TicketRegistry) startSpan(ctx context.Context, name string, ticket *domain.Ticket) (context.Context, spanHandle) {
	ctx, span := r.tracer.Start(ctx, name)
	if ticket != nil {
		span.SetAttributes(attribute.String("ticket.kind", string(ticket.Kind)))
	}
	return ctx, spanHandle{span: span, start: r.now()}
}

func (r *TicketRegistry) finish(h spanHandle, op string, kind domain.Kind, err error) {
	result := resultFor(err)
	if err != nil && result == resultError {
		h.span.RecordError(err)
		h.span.SetStatus(codes.Error, err.Error())
	}
	h.span.SetAttributes(attribute.String("result", result))
	h.span.End()
	r.metrics.ObserveOperation(op, kind, result, r.now().Sub(h.start))
}

type spanHandle struct {
	span  trace.Span
	start time.Time
}

func resultFor(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, domain.ErrTicketNotFound):
		return resultNotFound
	case errors.Is(err, domain.ErrTicketExpired):
		return resultExpired
	default:
		return resultError
	}
}

func ticketKind(ticket *domain.Ticket) domain.Kind {
	if ticket == nil {
		return ""
	}
	return ticket.Kind
}

// storageError normalises repository errors into the registry taxonomy.
func storageError(op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return domain.ErrTicketNotFound
	case errors.Is(err, repository.ErrDuplicate):
		return domain.ErrDuplicateTicket
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrStorageFailure, op, err)
	}
}
