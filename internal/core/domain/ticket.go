package domain

import (
	"strings"
	"time"
)

// Kind identifies the ticket family. The value doubles as the identifier prefix.
type Kind string

const (
	KindTicketGranting Kind = "TGT"
	KindService        Kind = "ST"
	KindProxyGranting  Kind = "PGT"
	KindProxy          Kind = "PT"
)

const (
	// AttributeRememberMe marks a session established with long-term remember-me.
	AttributeRememberMe = "rememberMe"

	attributeKindSeparator = "-"
)

// Kinds lists the ticket kinds known to the registry in dependency order (roots first).
func Kinds() []Kind {
	return []Kind{KindTicketGranting, KindProxyGranting, KindService, KindProxy}
}

// Prefix returns the identifier prefix (including separator) for the kind.
func (k Kind) Prefix() string {
	return string(k) + attributeKindSeparator
}

// Valid reports whether the kind is one of the supported ticket families.
func (k Kind) Valid() bool {
	switch k {
	case KindTicketGranting, KindService, KindProxyGranting, KindProxy:
		return true
	default:
		return false
	}
}

// Granting reports whether tickets of this kind can mint children.
func (k Kind) Granting() bool {
	return k == KindTicketGranting || k == KindProxyGranting
}

// KindOf infers the kind from the ticket identifier prefix.
func KindOf(ticketID string) (Kind, bool) {
	idx := strings.Index(ticketID, attributeKindSeparator)
	if idx <= 0 {
		return "", false
	}
	kind := Kind(ticketID[:idx])
	return kind, kind.Valid()
}

// Ticket is the single data carrier for every ticket kind. Ownership is expressed through
// identifiers only: ParentID points at the granting ticket and ChildIDs lists tickets minted
// from a granting ticket. The registry resolves identifiers on demand.
type Ticket struct {
	ID             string         `cbor:"1,keyasint"`
	Kind           Kind           `cbor:"2,keyasint"`
	CreatedAt      time.Time      `cbor:"3,keyasint"`
	LastUsedAt     time.Time      `cbor:"4,keyasint"`
	PreviousUsedAt time.Time      `cbor:"5,keyasint"`
	UseCount       int            `cbor:"6,keyasint"`
	ParentID       string         `cbor:"7,keyasint,omitempty"`
	Service        string         `cbor:"8,keyasint,omitempty"`
	Principal      string         `cbor:"9,keyasint,omitempty"`
	Attributes     Attributes     `cbor:"10,keyasint,omitempty"`
	Policy         PolicySpec     `cbor:"11,keyasint"`
	ChildIDs       []string       `cbor:"12,keyasint,omitempty"`
	ProxiedBy      string         `cbor:"13,keyasint,omitempty"`
	ExpiredAt      *time.Time     `cbor:"14,keyasint,omitempty"`
}

// Usage captures the policy-relevant state of the ticket.
func (t Ticket) Usage() UsageState {
	return UsageState{
		CreatedAt:      t.CreatedAt,
		LastUsedAt:     t.LastUsedAt,
		PreviousUsedAt: t.PreviousUsedAt,
		UseCount:       t.UseCount,
		RememberMe:     t.rememberMe(),
	}
}

// IsExpired reports whether the ticket was explicitly expired or its policy reports expiry.
func (t Ticket) IsExpired(at time.Time) bool {
	if t.ExpiredAt != nil {
		return true
	}
	policy, err := BuildPolicy(t.Policy)
	if err != nil {
		// A ticket whose policy cannot be rebuilt is unusable.
		return true
	}
	return policy.IsExpired(t.Usage(), at)
}

// Use records a consumption of the ticket.
func (t *Ticket) Use(at time.Time) {
	t.PreviousUsedAt = t.LastUsedAt
	t.LastUsedAt = at
	t.UseCount++
}

// MarkExpired flags the ticket as logically expired. Returns true when the state changed.
func (t *Ticket) MarkExpired(at time.Time) bool {
	if t.ExpiredAt != nil {
		return false
	}
	timeCopy := at
	t.ExpiredAt = &timeCopy
	return true
}

// AddChild records a descendant ticket id. Returns false when it was already present.
func (t *Ticket) AddChild(childID string) bool {
	for _, existing := range t.ChildIDs {
		if existing == childID {
			return false
		}
	}
	t.ChildIDs = append(t.ChildIDs, childID)
	return true
}

// Throttled reports whether a use at the given instant is refused by a throttled policy
// because it came too soon after the previous one.
func (t Ticket) Throttled(at time.Time) bool {
	policy, err := BuildPolicy(t.Policy)
	if err != nil {
		return false
	}
	return ThrottleRejects(policy, t.Usage(), at)
}

// IsRoot reports whether the ticket has no parent.
func (t Ticket) IsRoot() bool {
	return t.ParentID == ""
}

// Clone returns a deep copy safe to mutate independently.
func (t Ticket) Clone() *Ticket {
	clone := t
	clone.Attributes = t.Attributes.Clone()
	if t.ChildIDs != nil {
		clone.ChildIDs = append([]string(nil), t.ChildIDs...)
	}
	if t.ExpiredAt != nil {
		expiredAt := *t.ExpiredAt
		clone.ExpiredAt = &expiredAt
	}
	clone.Policy = t.Policy.clone()
	return &clone
}

func (t Ticket) rememberMe() bool {
	return strings.EqualFold(t.Attributes.First(AttributeRememberMe), "true")
}

// Attributes is the principal attribute bag. Values are multi-valued strings so the bag
// survives encoding unchanged.
type Attributes map[string][]string

// First returns the first value of name, or "" when absent.
func (a Attributes) First(name string) string {
	if values := a[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Clone deep-copies the bag. A nil bag stays nil.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	clone := make(Attributes, len(a))
	for k, v := range a {
		if v != nil {
			v = append([]string(nil), v...)
		}
		clone[k] = v
	}
	return clone
}

// EncodedTicket is the opaque, encrypted-at-rest representation produced by the codec.
type EncodedTicket struct {
	Key     string
	Kind    Kind
	Payload []byte
}

// StorageDeadline is the instant after which the ticket can no longer be valid, measured from
// its most recent activity. A zero value means the policy is unbounded.
func (t Ticket) StorageDeadline() time.Time {
	policy, err := BuildPolicy(t.Policy)
	if err != nil {
		return time.Time{}
	}
	ttl := policy.TimeToLive()
	if ttl <= 0 {
		return time.Time{}
	}
	anchor := t.CreatedAt
	if t.LastUsedAt.After(anchor) {
		anchor = t.LastUsedAt
	}
	return anchor.Add(ttl)
}
