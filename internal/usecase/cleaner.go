package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/sso-ticket-registry/internal/core/domain"
	"github.com/arklim/sso-ticket-registry/internal/core/port"
	"github.com/arklim/sso-ticket-registry/internal/infra/logger"
)

const (
	defaultCleanerApplicationID = "sso-ticket-registry-cleaner"
	defaultCleanerInterval      = 2 * time.Minute
	defaultCleanerLease         = 5 * time.Minute
)

// CleanerOptions configures the periodic expired-ticket sweep.
type CleanerOptions struct {
	ApplicationID string
	HolderID      string
	StartDelay    time.Duration
	Interval      time.Duration
	LockLease     time.Duration
}

// TicketCleaner periodically removes expired tickets. At most one node in the cluster
// runs a sweep at a time, coordinated through the locking strategy.
type TicketCleaner struct {
	registry   *TicketRegistry
	lock       port.LockingStrategy
	tombstones *TombstoneSet
	metrics    RegistryMetrics
	logger     *zap.Logger
	now        func() time.Time

	applicationID string
	holderID      string
	startDelay    time.Duration
	interval      time.Duration
	lease         time.Duration
}

// NewTicketCleaner constructs a cleaner over the registry.
func NewTicketCleaner(registry *TicketRegistry, lock port.LockingStrategy, opts CleanerOptions) *TicketCleaner {
	c := &TicketCleaner{
		registry:      registry,
		lock:          lock,
		metrics:       nopMetrics{},
		logger:        zap.NewNop(),
		now:           func() time.Time { return time.Now().UTC() },
		applicationID: opts.ApplicationID,
		holderID:      opts.HolderID,
		startDelay:    opts.StartDelay,
		interval:      opts.Interval,
		lease:         opts.LockLease,
	}
	if c.applicationID == "" {
		c.applicationID = defaultCleanerApplicationID
	}
	if c.holderID == "" {
		c.holderID = registry.NodeID() + "-" + uuid.NewString()
	}
	if c.interval <= 0 {
		c.interval = defaultCleanerInterval
	}
	if c.lease <= 0 {
		c.lease = defaultCleanerLease
	}
	return c
}

func (c *TicketCleaner) WithLogger(log *zap.Logger) *TicketCleaner {
	if log != nil {
		c.logger = log
	}
	return c
}

func (c *TicketCleaner) WithMetrics(metrics RegistryMetrics) *TicketCleaner {
	if metrics != nil {
		c.metrics = metrics
	}
	return c
}

// WithTombstones lets the cleaner sweep the tombstone set shared with the receiver.
func (c *TicketCleaner) WithTombstones(tombstones *TombstoneSet) *TicketCleaner {
	c.tombstones = tombstones
	return c
}

func (c *TicketCleaner) WithClock(now func() time.Time) *TicketCleaner {
	if now != nil {
		c.now = now
	}
	return c
}

// Run sweeps on every interval until ctx is cancelled.
func (c *TicketCleaner) Run(ctx context.Context) {
	if c.startDelay > 0 {
		timer := time.NewTimer(c.startDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	c.runOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *TicketCleaner) runOnce(ctx context.Context) {
	if _, err := c.Clean(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error("ticket cleaner run failed", zap.Error(err))
	}
}

// Clean removes every expired ticket, cascading to descendants, and returns how many
// tickets were removed. When another node holds the cleaner lock it returns 0 and no error.
func (c *TicketCleaner) Clean(ctx context.Context) (int, error) {
	start := c.now()

	acquired, err := c.lock.Acquire(ctx, c.applicationID, c.holderID, c.lease)
	if err != nil {
		c.metrics.IncLockAttempt(resultError)
		c.metrics.ObserveCleanerRun(resultError, 0, c.now().Sub(start))
		return 0, fmt.Errorf("%w: %v", domain.ErrLockUnavailable, err)
	}
	if !acquired {
		c.metrics.IncLockAttempt(resultSkipped)
		c.metrics.ObserveCleanerRun(resultSkipped, 0, c.now().Sub(start))
		c.logger.Debug("ticket cleaner lock held elsewhere, skipping run",
			zap.String("application_id", c.applicationID),
		)
		return 0, nil
	}
	c.metrics.IncLockAttempt(resultOK)

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.lock.Release(releaseCtx, c.applicationID, c.holderID); err != nil {
			c.logger.Warn("failed to release ticket cleaner lock", zap.Error(err))
		}
	}()

	removed, err := c.sweep(ctx)
	result := resultOK
	if err != nil {
		result = resultError
	}
	c.metrics.ObserveCleanerRun(result, removed, c.now().Sub(start))

	if removed > 0 {
		c.logger.Info("expired tickets removed", zap.Int("removed", removed))
	}
	return removed, err
}

// sweep first drops records past their storage deadline, which Scan no longer returns, then
// revokes tickets that are expired by policy or whose ancestor chain is dead.
func (c *TicketCleaner) sweep(ctx context.Context) (int, error) {
	purged, err := c.registry.PurgeExpired(ctx)
	if err != nil {
		return 0, err
	}
	removed := int(purged)
	if purged > 0 {
		c.logger.Debug("records past their deadline purged", zap.Int64("count", purged))
	}

	tickets, err := c.registry.GetTickets(ctx)
	if err != nil {
		return removed, err
	}

	now := c.now()
	for _, ticket := range tickets {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !ticket.IsExpired(now) {
			if ticket.IsRoot() {
				continue
			}
			dead, err := c.registry.deadInChain(ctx, ticket.ID, now)
			if err != nil {
				c.logger.Warn("failed to check ticket ancestry",
					zap.String("ticket_id", logger.MaskTicketID(ticket.ID)),
					zap.Error(err),
				)
				continue
			}
			if !dead {
				continue
			}
		}
		n, err := c.registry.DeleteTicket(ctx, ticket.ID)
		if err != nil {
			if errors.Is(err, domain.ErrTicketNotFound) {
				continue
			}
			c.logger.Warn("failed to remove expired ticket",
				zap.String("ticket_id", logger.MaskTicketID(ticket.ID)),
				zap.Error(err),
			)
			continue
		}
		removed += n
	}

	if c.tombstones != nil {
		if swept := c.tombstones.Sweep(now); swept > 0 {
			c.logger.Debug("tombstones swept", zap.Int("count", swept))
		}
	}
	return removed, nil
}
