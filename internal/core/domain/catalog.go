package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TicketDefinition describes how tickets of one kind are minted and stored.
type TicketDefinition struct {
	Kind        Kind
	Prefix      string
	StorageName string
	Policy      PolicySpec
	Order       int
}

// TicketPolicies carries the per-kind policy configuration used by NewCatalog.
type TicketPolicies struct {
	TicketGranting PolicySpec
	Service        PolicySpec
	ProxyGranting  PolicySpec
	Proxy          PolicySpec
}

// DefaultTicketPolicies mirrors common SSO defaults: 8h sessions with a 2h idle window,
// single-use service and proxy tickets valid for 10s.
func DefaultTicketPolicies() TicketPolicies {
	return TicketPolicies{
		TicketGranting: SlidingSpec(8*time.Hour, 2*time.Hour),
		Service:        MultiUseOrTimeoutSpec(1, 10*time.Second),
		ProxyGranting:  SlidingSpec(8*time.Hour, 2*time.Hour),
		Proxy:          MultiUseOrTimeoutSpec(1, 10*time.Second),
	}
}

// IDGenerator mints globally unique ticket identifiers for a prefix.
type IDGenerator interface {
	NewTicketID(prefix string) string
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func(prefix string) string

func (f IDGeneratorFunc) NewTicketID(prefix string) string { return f(prefix) }

// TicketRequest carries the issuing collaborator's input for a new ticket.
type TicketRequest struct {
	ParentID   string
	Principal  string
	Service    string
	ProxiedBy  string
	Attributes Attributes
	// Policy overrides the catalog policy when Name is set.
	Policy PolicySpec
}

// TicketCatalog maps ticket kinds to their prefix, storage name and expiration policy.
type TicketCatalog struct {
	mu          sync.RWMutex
	definitions map[Kind]TicketDefinition
	ids         IDGenerator
	now         func() time.Time
}

// NewTicketCatalog returns an empty catalog.
func NewTicketCatalog() *TicketCatalog {
	return &TicketCatalog{
		definitions: make(map[Kind]TicketDefinition),
		ids: IDGeneratorFunc(func(prefix string) string {
			return prefix + uuid.NewString()
		}),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// NewCatalog registers the four ticket kinds with the supplied policies.
func NewCatalog(policies TicketPolicies) (*TicketCatalog, error) {
	catalog := NewTicketCatalog()
	definitions := []TicketDefinition{
		{Kind: KindTicketGranting, StorageName: "ticketGrantingTickets", Policy: policies.TicketGranting, Order: 0},
		{Kind: KindProxyGranting, StorageName: "proxyGrantingTickets", Policy: policies.ProxyGranting, Order: 1},
		{Kind: KindService, StorageName: "serviceTickets", Policy: policies.Service, Order: 2},
		{Kind: KindProxy, StorageName: "proxyTickets", Policy: policies.Proxy, Order: 3},
	}
	for _, def := range definitions {
		if err := catalog.Register(def); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// WithIDGenerator swaps the identifier source.
func (c *TicketCatalog) WithIDGenerator(ids IDGenerator) *TicketCatalog {
	if ids != nil {
		c.ids = ids
	}
	return c
}

// WithClock overrides the clock used for ticket creation timestamps.
func (c *TicketCatalog) WithClock(now func() time.Time) *TicketCatalog {
	if now != nil {
		c.now = now
	}
	return c
}

// Register adds or replaces a definition.
func (c *TicketCatalog) Register(def TicketDefinition) error {
	if !def.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, def.Kind)
	}
	if def.Prefix == "" {
		def.Prefix = def.Kind.Prefix()
	}
	if def.StorageName == "" {
		def.StorageName = strings.ToLower(string(def.Kind))
	}
	if _, err := BuildPolicy(def.Policy); err != nil {
		return fmt.Errorf("register %s: %w", def.Kind, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions[def.Kind] = def
	return nil
}

// Find resolves the definition for a ticket identifier by its prefix.
func (c *TicketCatalog) Find(ticketID string) (TicketDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		best  TicketDefinition
		found bool
	)
	for _, def := range c.definitions {
		if !strings.HasPrefix(ticketID, def.Prefix) {
			continue
		}
		if !found || len(def.Prefix) > len(best.Prefix) {
			best = def
			found = true
		}
	}
	return best, found
}

// FindByKind returns the definition registered for kind.
func (c *TicketCatalog) FindByKind(kind Kind) (TicketDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.definitions[kind]
	return def, ok
}

// FindAll returns every definition ordered by Order.
func (c *TicketCatalog) FindAll() []TicketDefinition {
	c.mu.RLock()
	defs := make([]TicketDefinition, 0, len(c.definitions))
	for _, def := range c.definitions {
		defs = append(defs, def)
	}
	c.mu.RUnlock()

	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Order == defs[j].Order {
			return defs[i].Kind < defs[j].Kind
		}
		return defs[i].Order < defs[j].Order
	})
	return defs
}

// NewTicket mints an unsaved ticket of kind using the catalog policy.
func (c *TicketCatalog) NewTicket(kind Kind, req TicketRequest) (*Ticket, error) {
	def, ok := c.FindByKind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := validateParent(kind, req.ParentID); err != nil {
		return nil, err
	}
	if kind == KindTicketGranting && req.Principal == "" {
		return nil, fmt.Errorf("%w: ticket-granting ticket requires a principal", ErrInvalidTicket)
	}
	if (kind == KindService || kind == KindProxy) && req.Service == "" {
		return nil, fmt.Errorf("%w: %s requires a service", ErrInvalidTicket, kind)
	}

	policy := def.Policy
	if req.Policy.Name != "" {
		if _, err := BuildPolicy(req.Policy); err != nil {
			return nil, err
		}
		policy = req.Policy
	}

	now := c.now()
	ticket := &Ticket{
		ID:         c.ids.NewTicketID(def.Prefix),
		Kind:       kind,
		CreatedAt:  now,
		LastUsedAt: now,
		ParentID:   req.ParentID,
		Service:    req.Service,
		Principal:  req.Principal,
		ProxiedBy:  req.ProxiedBy,
		Policy:     policy.clone(),
	}
	if len(req.Attributes) > 0 {
		ticket.Attributes = req.Attributes.Clone()
	}
	return ticket, nil
}

// ValidateTicket checks structural invariants of a ticket against the catalog.
func (c *TicketCatalog) ValidateTicket(t *Ticket) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: missing identifier", ErrInvalidTicket)
	}
	def, ok := c.Find(t.ID)
	if !ok {
		return fmt.Errorf("%w: no definition for ticket prefix", ErrUnknownKind)
	}
	if t.Kind != def.Kind {
		return fmt.Errorf("%w: kind %q does not match prefix %q", ErrInvalidTicket, t.Kind, def.Prefix)
	}
	if err := validateParent(t.Kind, t.ParentID); err != nil {
		return err
	}
	if _, err := BuildPolicy(t.Policy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	return nil
}

func validateParent(kind Kind, parentID string) error {
	if kind == KindTicketGranting {
		if parentID != "" {
			return fmt.Errorf("%w: ticket-granting ticket cannot have a parent", ErrInvalidTicket)
		}
		return nil
	}
	if parentID == "" {
		return fmt.Errorf("%w: %s requires a parent ticket", ErrInvalidTicket, kind)
	}
	parentKind, ok := KindOf(parentID)
	if !ok {
		return fmt.Errorf("%w: parent %s has unknown kind", ErrInvalidTicket, kind)
	}
	allowed := false
	switch kind {
	case KindService, KindProxyGranting:
		allowed = parentKind == KindTicketGranting || (kind == KindProxyGranting && parentKind == KindProxyGranting)
	case KindProxy:
		allowed = parentKind == KindProxyGranting
	}
	if !allowed {
		return fmt.Errorf("%w: %s cannot be issued from %s", ErrInvalidTicket, kind, parentKind)
	}
	return nil
}
