// Package iptmgr implements the Introduction Point Manager: the control
// plane that chooses relays to host a hidden service's introduction
// points, supervises their establisher tasks, and decides which of them
// are offered to the Publisher for descriptor publication.
package iptmgr

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/opd-ai/go-hs-iptmgr/pkg/directory"
)

// HsNickname is the service's identity and storage namespace: non-empty,
// ASCII alphanumeric plus '-'/'_', at most 32 bytes.
type HsNickname string

// Validate checks the nickname against the rule above.
func (n HsNickname) Validate() error {
	if len(n) == 0 {
		return fmt.Errorf("nickname must not be empty")
	}
	if len(n) > 32 {
		return fmt.Errorf("nickname %q exceeds 32 bytes", string(n))
	}
	for _, r := range string(n) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("nickname %q contains invalid character %q", string(n), r)
		}
	}
	return nil
}

// Anonymity selects whether the service is reached only over onion
// circuits, or whether the introduction points may be contacted directly
// ("single onion service"). Immutable across reconfiguration.
type Anonymity int

const (
	// Anonymous is the default, fully anonymized mode.
	Anonymous Anonymity = iota
	// SingleOnion trades the service side's anonymity for lower latency.
	SingleOnion
)

func (a Anonymity) String() string {
	if a == SingleOnion {
		return "single_onion"
	}
	return "anonymous"
}

// TimeRange is an inclusive [Min, Max] duration range, used for
// ipt_relay_rotation_time.
type TimeRange struct {
	Min time.Duration
	Max time.Duration
}

// Sample draws a uniformly random duration from the range using rng,
// which must produce a value in [0,1). A degenerate (Min==Max) range
// always returns Min.
func (r TimeRange) Sample(rngFloat func() float64) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	span := r.Max - r.Min
	return r.Min + time.Duration(rngFloat()*float64(span))
}

// Validate checks that the range is well-formed.
func (r TimeRange) Validate() error {
	if r.Min < 0 || r.Max < r.Min {
		return fmt.Errorf("invalid rotation time range [%s,%s]", r.Min, r.Max)
	}
	return nil
}

// DefaultRotationRange is the default 4..7 day IPT relay rotation window.
var DefaultRotationRange = TimeRange{Min: 4 * 24 * time.Hour, Max: 7 * 24 * time.Hour}

// TokenBucketConfig configures the EST_INTRO DoS-resistance extension
// rate limiter offered to establishers.
type TokenBucketConfig struct {
	Rate  int32
	Burst int32
}

// Validate checks both fields are within the documented i32 bound.
func (t *TokenBucketConfig) Validate() error {
	if t == nil {
		return nil
	}
	const maxI32 = 1<<31 - 1
	if t.Rate < 0 || t.Rate > maxI32 {
		return fmt.Errorf("invalid rate_limit_at_intro.rate: %d", t.Rate)
	}
	if t.Burst < 0 || t.Burst > maxI32 {
		return fmt.Errorf("invalid rate_limit_at_intro.burst: %d", t.Burst)
	}
	return nil
}

// OnionServiceConfig is the configuration surface recognized by the
// manager and publisher: a plain struct with Validate and Clone, loaded
// and hot-reloaded through ConfigWatcher.
type OnionServiceConfig struct {
	Nickname                       HsNickname
	Anonymity                      Anonymity
	NumIntroPoints                 uint8
	RateLimitAtIntro                *TokenBucketConfig
	MaxConcurrentStreamsPerCircuit uint32
	IptRelayRotationTime           TimeRange
}

// DefaultOnionServiceConfig returns the documented defaults: 3 intro
// points, 65535 max streams per circuit, 4..7 day rotation.
func DefaultOnionServiceConfig(nickname HsNickname) *OnionServiceConfig {
	return &OnionServiceConfig{
		Nickname:                       nickname,
		Anonymity:                      Anonymous,
		NumIntroPoints:                 3,
		MaxConcurrentStreamsPerCircuit: 65535,
		IptRelayRotationTime:           DefaultRotationRange,
	}
}

// Validate checks the documented bounds on every field.
func (c *OnionServiceConfig) Validate() error {
	if err := c.Nickname.Validate(); err != nil {
		return err
	}
	if c.NumIntroPoints < 1 || c.NumIntroPoints > 20 {
		return fmt.Errorf("num_intro_points must be in 1..=20, got %d", c.NumIntroPoints)
	}
	if err := c.RateLimitAtIntro.Validate(); err != nil {
		return err
	}
	if err := c.IptRelayRotationTime.Validate(); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy.
func (c *OnionServiceConfig) Clone() *OnionServiceConfig {
	clone := *c
	if c.RateLimitAtIntro != nil {
		rl := *c.RateLimitAtIntro
		clone.RateLimitAtIntro = &rl
	}
	return &clone
}

// ValidateTransitionTo enforces that nickname and anonymity never change
// across a reconfiguration.
func (c *OnionServiceConfig) ValidateTransitionTo(next *OnionServiceConfig) error {
	if c.Nickname != next.Nickname {
		return fmt.Errorf("cannot change nickname from %q to %q", c.Nickname, next.Nickname)
	}
	if c.Anonymity != next.Anonymity {
		return fmt.Errorf("cannot change anonymity from %s to %s", c.Anonymity, next.Anonymity)
	}
	return next.Validate()
}

// IptLocalId is the 32-byte random local identifier ("lid") naming one
// IPT incarnation, stable across restart and used as its replay-log
// filename.
type IptLocalId [32]byte

// NewIptLocalId draws a fresh random lid.
func NewIptLocalId() (IptLocalId, error) {
	var id IptLocalId
	if _, err := rand.Read(id[:]); err != nil {
		return IptLocalId{}, fmt.Errorf("generate ipt lid: %w", err)
	}
	return id, nil
}

func (id IptLocalId) String() string { return fmt.Sprintf("%x", id[:]) }

// StatusKind enumerates the establisher health states.
type StatusKind int

const (
	// StatusEstablishing means the establisher is still building/
	// maintaining its circuit to the IPT relay.
	StatusEstablishing StatusKind = iota
	// StatusGood means the IPT is live and its status stream reported
	// success.
	StatusGood
	// StatusFaulty means the establisher reported a fault.
	StatusFaulty
)

func (k StatusKind) String() string {
	switch k {
	case StatusEstablishing:
		return "establishing"
	case StatusGood:
		return "good"
	case StatusFaulty:
		return "faulty"
	default:
		return "unknown"
	}
}

// TrackedStatus is the manager's view of one IPT's health, tracking
// enough history across transitions to compute time-to-establish and to
// retain the earliest-known start time across repeated Establishing
// reports.
type TrackedStatus struct {
	Kind StatusKind

	// StartedAt is set once we first learn the establisher began trying
	// (valid for Establishing and, once known, carried into Faulty).
	StartedAt *time.Time

	// TimeToEstablish is set on the Establishing->Good transition when
	// the Establishing status had a known start. It is nil after any
	// other transition to Good, and also when the monotonic clock went
	// backwards, which TimeToEstablishErr records.
	TimeToEstablish *time.Duration
	TimeToEstablishErr bool
}

// NewEstablishingStatus builds the initial TrackedStatus for a freshly
// launched establisher.
func NewEstablishingStatus(startedAt time.Time) TrackedStatus {
	t := startedAt
	return TrackedStatus{Kind: StatusEstablishing, StartedAt: &t}
}

// IsGood reports whether the tracked status is Good.
func (s TrackedStatus) IsGood() bool { return s.Kind == StatusGood }

// RelayIdentity is the stable set of identifiers an IPT Relay is known
// by, adapted from pkg/directory.Relay so the Publisher can embed link
// specifiers straight from the chosen relay.
type RelayIdentity struct {
	Fingerprint    string
	Address        string
	ORPort         int
	IdentityKey    []byte
	NtorOnionKey   []byte
}

// FromDirectoryRelay adapts a directory.Relay into a RelayIdentity.
func FromDirectoryRelay(r *directory.Relay) RelayIdentity {
	return RelayIdentity{
		Fingerprint:  r.Fingerprint,
		Address:      r.Address,
		ORPort:       r.ORPort,
		IdentityKey:  r.IdentityKey,
		NtorOnionKey: r.NtorOnionKey,
	}
}

// Ipt is a single introduction point instance at an IptRelay.
type Ipt struct {
	Lid IptLocalId

	SessionIdPublic  []byte // ed25519 public half of HsIptSessionId
	ServiceNtorPublic [32]byte // curve25519 public half of HsSvcNtor

	StatusLast TrackedStatus

	// LastDescriptorExpiryIncludingSlop is the latest time any published
	// descriptor mentioning this IPT remains valid, plus slop. Nil means
	// never published. Owned by the Publisher; imported into the
	// manager's view each loop iteration.
	LastDescriptorExpiryIncludingSlop *time.Time

	// IsCurrent is true iff this IPT should be offered for publication.
	IsCurrent bool

	// WantsRetire is not set by the manager: applyStatusUpdate clears
	// IsCurrent straight from the status update's own WantsRetire flag,
	// so this field stays false.
	WantsRetire bool

	// acceptingStarted is true once the manager has told this IPT's
	// establisher to begin accepting introductions. Set at most once per
	// IPT: start_accepting is a one-way switch, not a per-cycle signal.
	acceptingStarted bool

	handle establisherHandle
}

// IptRelay is a chosen relay hosting a chronological sequence of IPT
// incarnations.
type IptRelay struct {
	Relay             RelayIdentity
	PlannedRetirement time.Time
	Ipts              []*Ipt // chronological selection order
}

// CurrentIpt returns the IPT at this relay marked current, if any.
// Invariant: at most one such IPT exists.
func (r *IptRelay) CurrentIpt() *Ipt {
	for _, ipt := range r.Ipts {
		if ipt.IsCurrent {
			return ipt
		}
	}
	return nil
}

// IsPastRetirement reports whether now is after the relay's planned
// retirement instant.
func (r *IptRelay) IsPastRetirement(now time.Time) bool {
	return now.After(r.PlannedRetirement)
}

// ForPublish is the per-IPT record handed to the Publisher: link
// specifiers plus the public key material a descriptor's
// introduction-point entry needs.
type ForPublish struct {
	Lid                  IptLocalId
	LinkSpecifiers       []RelayIdentity
	IntroducerNtorKey    [32]byte
	SessionIdPublic      []byte
	ServiceNtorPublic    [32]byte
}
