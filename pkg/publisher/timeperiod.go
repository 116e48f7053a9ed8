// Package publisher implements the reactor that signs and uploads onion
// service descriptors: for every active time period it computes the
// HsDir ring, builds a descriptor from the current introduction-point
// set, and uploads it with rate limiting and retries.
package publisher

import (
	"crypto/ed25519"

	"github.com/opd-ai/go-hs-iptmgr/pkg/iptmgr"
)

// HsDirStatus tracks whether an HsDir's copy of the descriptor for a
// time period is known fresh (Clean) or needs a re-upload (Dirty).
type HsDirStatus int

const (
	Clean HsDirStatus = iota
	Dirty
)

// HsDirEntry is one relay in a time period's HsDir ring, with its
// upload status.
type HsDirEntry struct {
	Relay  iptmgr.RelayIdentity
	Status HsDirStatus
}

// TimePeriodContext is the publisher's per-active-time-period state.
type TimePeriodContext struct {
	Period                 uint64
	BlindedIdentity        ed25519.PublicKey
	BlindedIdentityPrivate ed25519.PrivateKey
	HsDirs                 []HsDirEntry
	LastSuccessfulRevision uint64
}

// DirtyHsDirs returns the subset of the ring currently marked Dirty.
func (tp *TimePeriodContext) DirtyHsDirs() []HsDirEntry {
	var out []HsDirEntry
	for _, e := range tp.HsDirs {
		if e.Status == Dirty {
			out = append(out, e)
		}
	}
	return out
}

// MarkClean flips one HsDir's status to Clean.
func (tp *TimePeriodContext) MarkClean(fingerprint string) {
	for i := range tp.HsDirs {
		if tp.HsDirs[i].Relay.Fingerprint == fingerprint {
			tp.HsDirs[i].Status = Clean
			return
		}
	}
}

// RecomputeHsDirRing rebuilds the HsDir ring from a freshly queried
// directory provider, preserving Clean/Dirty status for relays that
// remain in the ring and marking any newly added relay Dirty.
func RecomputeHsDirRing(prev []HsDirEntry, fresh []iptmgr.RelayIdentity) []HsDirEntry {
	prevStatus := make(map[string]HsDirStatus, len(prev))
	for _, e := range prev {
		prevStatus[e.Relay.Fingerprint] = e.Status
	}

	out := make([]HsDirEntry, 0, len(fresh))
	for _, relay := range fresh {
		status, known := prevStatus[relay.Fingerprint]
		if !known {
			status = Dirty
		}
		out = append(out, HsDirEntry{Relay: relay, Status: status})
	}
	return out
}
