package domain

import (
	"fmt"
	"time"
)

// Policy identifiers carried inside PolicySpec.
const (
	PolicyNever              = "never"
	PolicyAlways             = "always"
	PolicyHardTimeout        = "hard-timeout"
	PolicyTimeout            = "timeout"
	PolicySliding            = "sliding"
	PolicyMultiUseOrTimeout  = "multi-use-or-timeout"
	PolicyThrottled          = "throttled"
	PolicyRememberMe         = "remember-me"
	PolicyComposite          = "composite"
	rememberMeSessionIndex   = 0
	rememberMeLongTermIndex  = 1
	rememberMeRequiredPolicy = 2
)

// UsageState is the policy input derived from a ticket.
type UsageState struct {
	CreatedAt      time.Time
	LastUsedAt     time.Time
	PreviousUsedAt time.Time
	UseCount       int
	RememberMe     bool
}

// ExpirationPolicy decides whether a ticket is still usable. Implementations are pure.
type ExpirationPolicy interface {
	IsExpired(state UsageState, at time.Time) bool
	// TimeToLive bounds how long a ticket can stay valid after its most recent activity.
	// Zero means unbounded. Storage backends use it as a physical expiry hint.
	TimeToLive() time.Duration
	Name() string
}

// PolicySpec is the serialisable description of a policy. Tickets carry the spec, never the
// strategy, so the policy window travels with the encoded payload.
type PolicySpec struct {
	Name        string        `cbor:"1,keyasint"`
	TimeToLive  time.Duration `cbor:"2,keyasint,omitempty"`
	TimeToIdle  time.Duration `cbor:"3,keyasint,omitempty"`
	MaxUses     int           `cbor:"4,keyasint,omitempty"`
	MinInterval time.Duration `cbor:"5,keyasint,omitempty"`
	Policies    []PolicySpec  `cbor:"6,keyasint,omitempty"`
	TimeToKill  time.Duration `cbor:"7,keyasint,omitempty"`
	Description string        `cbor:"8,keyasint,omitempty"`
}

func (s PolicySpec) clone() PolicySpec {
	clone := s
	if s.Policies != nil {
		clone.Policies = make([]PolicySpec, len(s.Policies))
		for i, sub := range s.Policies {
			clone.Policies[i] = sub.clone()
		}
	}
	return clone
}

// NeverExpiresSpec builds a spec for tickets that never expire.
func NeverExpiresSpec() PolicySpec { return PolicySpec{Name: PolicyNever} }

// AlwaysExpiresSpec builds a spec for tickets that are expired from birth.
func AlwaysExpiresSpec() PolicySpec { return PolicySpec{Name: PolicyAlways} }

// HardTimeoutSpec expires tickets a fixed duration after creation.
func HardTimeoutSpec(ttl time.Duration) PolicySpec {
	return PolicySpec{Name: PolicyHardTimeout, TimeToLive: ttl}
}

// TimeoutSpec expires tickets after a period of inactivity.
func TimeoutSpec(idle time.Duration) PolicySpec {
	return PolicySpec{Name: PolicyTimeout, TimeToIdle: idle}
}

// SlidingSpec expires tickets after inactivity, capped by an absolute lifetime.
func SlidingSpec(maxTTL, idle time.Duration) PolicySpec {
	return PolicySpec{Name: PolicySliding, TimeToLive: maxTTL, TimeToIdle: idle}
}

// MultiUseOrTimeoutSpec expires tickets after maxUses consumptions or timeToKill since creation.
func MultiUseOrTimeoutSpec(maxUses int, timeToKill time.Duration) PolicySpec {
	return PolicySpec{Name: PolicyMultiUseOrTimeout, MaxUses: maxUses, TimeToKill: timeToKill}
}

// ThrottledSpec rejects reuse within minInterval and expires after timeToKill of inactivity.
func ThrottledSpec(timeToKill, minInterval time.Duration) PolicySpec {
	return PolicySpec{Name: PolicyThrottled, TimeToKill: timeToKill, MinInterval: minInterval}
}

// RememberMeSpec delegates to longTerm for remember-me sessions and to session otherwise.
func RememberMeSpec(session, longTerm PolicySpec) PolicySpec {
	return PolicySpec{Name: PolicyRememberMe, Policies: []PolicySpec{session, longTerm}}
}

// CompositeSpec expires when any sub-policy expires.
func CompositeSpec(policies ...PolicySpec) PolicySpec {
	return PolicySpec{Name: PolicyComposite, Policies: policies}
}

// BuildPolicy turns a spec into its strategy.
func BuildPolicy(spec PolicySpec) (ExpirationPolicy, error) {
	switch spec.Name {
	case PolicyNever:
		return NeverExpires{}, nil
	case PolicyAlways:
		return AlwaysExpires{}, nil
	case PolicyHardTimeout:
		if spec.TimeToLive <= 0 {
			return nil, fmt.Errorf("%w: hard timeout requires positive ttl", ErrInvalidPolicy)
		}
		return HardTimeout{TTL: spec.TimeToLive}, nil
	case PolicyTimeout:
		if spec.TimeToIdle <= 0 {
			return nil, fmt.Errorf("%w: timeout requires positive idle window", ErrInvalidPolicy)
		}
		return Timeout{Idle: spec.TimeToIdle}, nil
	case PolicySliding:
		if spec.TimeToLive <= 0 || spec.TimeToIdle <= 0 {
			return nil, fmt.Errorf("%w: sliding policy requires positive ttl and idle window", ErrInvalidPolicy)
		}
		return Sliding{MaxTTL: spec.TimeToLive, Idle: spec.TimeToIdle}, nil
	case PolicyMultiUseOrTimeout:
		if spec.MaxUses <= 0 || spec.TimeToKill <= 0 {
			return nil, fmt.Errorf("%w: multi-use policy requires positive uses and time to kill", ErrInvalidPolicy)
		}
		return MultiUseOrTimeout{MaxUses: spec.MaxUses, TimeToKill: spec.TimeToKill}, nil
	case PolicyThrottled:
		if spec.TimeToKill <= 0 || spec.MinInterval < 0 {
			return nil, fmt.Errorf("%w: throttled policy requires positive time to kill", ErrInvalidPolicy)
		}
		return Throttled{TimeToKill: spec.TimeToKill, MinInterval: spec.MinInterval}, nil
	case PolicyRememberMe:
		if len(spec.Policies) != rememberMeRequiredPolicy {
			return nil, fmt.Errorf("%w: remember-me policy requires session and long-term policies", ErrInvalidPolicy)
		}
		session, err := BuildPolicy(spec.Policies[rememberMeSessionIndex])
		if err != nil {
			return nil, err
		}
		longTerm, err := BuildPolicy(spec.Policies[rememberMeLongTermIndex])
		if err != nil {
			return nil, err
		}
		return RememberMe{Session: session, LongTerm: longTerm}, nil
	case PolicyComposite:
		if len(spec.Policies) == 0 {
			return nil, fmt.Errorf("%w: composite policy requires sub-policies", ErrInvalidPolicy)
		}
		composite := make(Composite, 0, len(spec.Policies))
		for _, sub := range spec.Policies {
			policy, err := BuildPolicy(sub)
			if err != nil {
				return nil, err
			}
			composite = append(composite, policy)
		}
		return composite, nil
	default:
		return nil, fmt.Errorf("%w: unknown policy %q", ErrInvalidPolicy, spec.Name)
	}
}

// NeverExpires keeps tickets alive forever.
type NeverExpires struct{}

func (NeverExpires) IsExpired(UsageState, time.Time) bool { return false }
func (NeverExpires) TimeToLive() time.Duration             { return 0 }
func (NeverExpires) Name() string                          { return PolicyNever }

// AlwaysExpires reports every ticket as expired.
type AlwaysExpires struct{}

func (AlwaysExpires) IsExpired(UsageState, time.Time) bool { return true }
func (AlwaysExpires) TimeToLive() time.Duration             { return 0 }
func (AlwaysExpires) Name() string                          { return PolicyAlways }

// HardTimeout expires a ticket TTL after its creation regardless of use.
type HardTimeout struct {
	TTL time.Duration
}

func (p HardTimeout) IsExpired(state UsageState, at time.Time) bool {
	return at.Sub(state.CreatedAt) >= p.TTL
}

func (p HardTimeout) TimeToLive() time.Duration { return p.TTL }
func (p HardTimeout) Name() string              { return PolicyHardTimeout }

// Timeout expires a ticket after Idle without use.
type Timeout struct {
	Idle time.Duration
}

func (p Timeout) IsExpired(state UsageState, at time.Time) bool {
	return at.Sub(lastUse(state)) >= p.Idle
}

func (p Timeout) TimeToLive() time.Duration { return p.Idle }
func (p Timeout) Name() string              { return PolicyTimeout }

// Sliding is the session policy: an idle window that slides with every use, capped by MaxTTL.
type Sliding struct {
	MaxTTL time.Duration
	Idle   time.Duration
}

func (p Sliding) IsExpired(state UsageState, at time.Time) bool {
	if at.Sub(state.CreatedAt) >= p.MaxTTL {
		return true
	}
	return at.Sub(lastUse(state)) >= p.Idle
}

func (p Sliding) TimeToLive() time.Duration { return p.MaxTTL }
func (p Sliding) Name() string              { return PolicySliding }

// MultiUseOrTimeout expires after MaxUses consumptions or TimeToKill since creation,
// whichever comes first.
type MultiUseOrTimeout struct {
	MaxUses    int
	TimeToKill time.Duration
}

func (p MultiUseOrTimeout) IsExpired(state UsageState, at time.Time) bool {
	if state.UseCount >= p.MaxUses {
		return true
	}
	return at.Sub(state.CreatedAt) >= p.TimeToKill
}

func (p MultiUseOrTimeout) TimeToLive() time.Duration { return p.TimeToKill }
func (p MultiUseOrTimeout) Name() string              { return PolicyMultiUseOrTimeout }

// Throttled slows down replay: a use arriving within MinInterval of the previous one is
// treated as expired. The first use inside the kill window is always allowed.
type Throttled struct {
	TimeToKill  time.Duration
	MinInterval time.Duration
}

func (p Throttled) IsExpired(state UsageState, at time.Time) bool {
	sinceLastUse := at.Sub(lastUse(state))
	if state.UseCount == 0 && sinceLastUse < p.TimeToKill {
		return false
	}
	if sinceLastUse >= p.TimeToKill {
		return true
	}
	// Too soon after the previous use.
	return sinceLastUse <= p.MinInterval
}

// TooSoon reports whether a use at the given instant is rejected only because it follows
// the previous use within MinInterval.
func (p Throttled) TooSoon(state UsageState, at time.Time) bool {
	sinceLastUse := at.Sub(lastUse(state))
	return state.UseCount > 0 && sinceLastUse < p.TimeToKill && sinceLastUse <= p.MinInterval
}

func (p Throttled) TimeToLive() time.Duration { return p.TimeToKill }
func (p Throttled) Name() string              { return PolicyThrottled }

// RememberMe delegates to LongTerm for remember-me sessions.
type RememberMe struct {
	Session  ExpirationPolicy
	LongTerm ExpirationPolicy
}

func (p RememberMe) IsExpired(state UsageState, at time.Time) bool {
	if state.RememberMe {
		return p.LongTerm.IsExpired(state, at)
	}
	return p.Session.IsExpired(state, at)
}

func (p RememberMe) TimeToLive() time.Duration {
	return maxDuration(p.Session.TimeToLive(), p.LongTerm.TimeToLive())
}

func (p RememberMe) Name() string { return PolicyRememberMe }

// Composite expires when any member expires.
type Composite []ExpirationPolicy

func (c Composite) IsExpired(state UsageState, at time.Time) bool {
	for _, policy := range c {
		if policy.IsExpired(state, at) {
			return true
		}
	}
	return false
}

// TimeToLive is the shortest bounded lifetime of the members; unbounded members are ignored.
func (c Composite) TimeToLive() time.Duration {
	var ttl time.Duration
	for _, policy := range c {
		candidate := policy.TimeToLive()
		if candidate <= 0 {
			continue
		}
		if ttl == 0 || candidate < ttl {
			ttl = candidate
		}
	}
	return ttl
}

func (c Composite) Name() string { return PolicyComposite }

// ThrottleRejects reports whether a throttled member of policy rejects the use as too soon.
// Remember-me policies are followed down the branch that applies to state.
func ThrottleRejects(policy ExpirationPolicy, state UsageState, at time.Time) bool {
	switch p := policy.(type) {
	case Throttled:
		return p.TooSoon(state, at)
	case RememberMe:
		if state.RememberMe {
			return ThrottleRejects(p.LongTerm, state, at)
		}
		return ThrottleRejects(p.Session, state, at)
	case Composite:
		for _, member := range p {
			if ThrottleRejects(member, state, at) {
				return true
			}
		}
	}
	return false
}

func lastUse(state UsageState) time.Time {
	if state.LastUsedAt.IsZero() {
		return state.CreatedAt
	}
	return state.LastUsedAt
}

func maxDuration(values ...time.Duration) time.Duration {
	var max time.Duration
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}
