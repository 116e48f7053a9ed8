package iptmgr

import (
	"sync"
	"time"
)

// PublishIptSet is the manager's current offer of introduction points for
// publication, handed to the Publisher through SharedIptSet. Lifetime is
// the manager's: the Publisher must treat every returned slice and
// pointer as read-only and copy anything it needs to keep past the next
// watch notification.
type PublishIptSet struct {
	Ipts []ForPublish

	// ProposedLifetime is how long the publisher should claim the
	// resulting descriptor remains valid: 12h once the full target
	// count of IPTs is Good, 30m for a partial, not-yet-certain set.
	ProposedLifetime time.Duration

	// IsFresh is true once the set has reached the full target count
	// (lifetime CERTAIN) rather than being an early partial offer
	// (lifetime UNCERTAIN).
	IsFresh bool
}

// SharedIptSet is a single-slot mailbox from the Manager to the
// Publisher: the Manager overwrites the slot whenever its published view
// changes and pings a notification channel, never blocking either side on
// the other. The Manager must never hold its internal lock while using
// the notify channel, so Set always finishes its own critical section
// before attempting the non-blocking send.
type SharedIptSet struct {
	mu     sync.Mutex
	value  *PublishIptSet
	notify chan struct{}

	// expiryMu/expiry/expiryNotify implement the other half of spec.md
	// §4.4's shared structure: the lid -> last_descriptor_expiry_
	// including_slop map the Publisher writes and the Manager reads
	// back every main-loop turn. Kept as its own lock so a Publisher
	// write never blocks on, or is blocked by, a Manager Set/Get of the
	// publish-set half.
	expiryMu     sync.Mutex
	expiry       map[IptLocalId]time.Time
	expiryNotify chan struct{}
}

// NewSharedIptSet creates an empty mailbox.
func NewSharedIptSet() *SharedIptSet {
	return &SharedIptSet{
		notify:       make(chan struct{}, 1),
		expiry:       make(map[IptLocalId]time.Time),
		expiryNotify: make(chan struct{}, 1),
	}
}

// Set overwrites the current value and wakes any waiter.
func (s *SharedIptSet) Set(v *PublishIptSet) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Get returns the most recently set value, or nil if none has been set
// yet.
func (s *SharedIptSet) Get() *PublishIptSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Watch returns the notification channel. A receive on it means the
// value may have changed since the last Get; the receiver must call Get
// to see the new value, since the channel itself carries no payload.
func (s *SharedIptSet) Watch() <-chan struct{} {
	return s.notify
}

// SetExpiry records that a descriptor naming lid was just published and
// remains valid until expiry (already including slop). Called by the
// Publisher once per time period per upload cycle, for every IPT named in
// that cycle's snapshot.
func (s *SharedIptSet) SetExpiry(lid IptLocalId, expiry time.Time) {
	s.expiryMu.Lock()
	if prev, ok := s.expiry[lid]; !ok || expiry.After(prev) {
		s.expiry[lid] = expiry
	}
	s.expiryMu.Unlock()

	select {
	case s.expiryNotify <- struct{}{}:
	default:
	}
}

// Expiry returns a snapshot of the current lid -> expiry map. Called by
// the Manager once per main-loop turn to import publisher feedback.
func (s *SharedIptSet) Expiry() map[IptLocalId]time.Time {
	s.expiryMu.Lock()
	defer s.expiryMu.Unlock()
	out := make(map[IptLocalId]time.Time, len(s.expiry))
	for k, v := range s.expiry {
		out[k] = v
	}
	return out
}

// ExpireStale deletes every expiry-map entry whose recorded expiry is at
// or before now, so entries for IPTs that have long since stopped being
// published don't accumulate in the map forever. Called by the Manager
// once per main-loop turn, after it has imported the current snapshot via
// Expiry.
func (s *SharedIptSet) ExpireStale(now time.Time) {
	s.expiryMu.Lock()
	defer s.expiryMu.Unlock()
	for lid, expiry := range s.expiry {
		if !expiry.After(now) {
			delete(s.expiry, lid)
		}
	}
}

// ExpiryWatch returns the notification channel for expiry-map writes, so
// the Manager's main-loop select can wake on "a new publisher feedback
// edge" per spec.md §4.1 step 5.
func (s *SharedIptSet) ExpiryWatch() <-chan struct{} {
	return s.expiryNotify
}
