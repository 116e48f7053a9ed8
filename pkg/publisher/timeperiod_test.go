package publisher

import (
	"testing"

	"github.com/opd-ai/go-hs-iptmgr/pkg/iptmgr"
)

func TestRecomputeHsDirRingPreservesStatusAndMarksNewDirty(t *testing.T) {
	prev := []HsDirEntry{
		{Relay: iptmgr.RelayIdentity{Fingerprint: "A"}, Status: Clean},
		{Relay: iptmgr.RelayIdentity{Fingerprint: "B"}, Status: Dirty},
	}
	fresh := []iptmgr.RelayIdentity{
		{Fingerprint: "A"},
		{Fingerprint: "B"},
		{Fingerprint: "C"},
	}

	out := RecomputeHsDirRing(prev, fresh)
	if len(out) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(out))
	}
	status := make(map[string]HsDirStatus, len(out))
	for _, e := range out {
		status[e.Relay.Fingerprint] = e.Status
	}
	if status["A"] != Clean {
		t.Fatal("expected A to keep its Clean status across recompute")
	}
	if status["B"] != Dirty {
		t.Fatal("expected B to keep its Dirty status across recompute")
	}
	if status["C"] != Dirty {
		t.Fatal("expected a newly added relay to start Dirty")
	}
}

func TestRecomputeHsDirRingDropsRemovedRelay(t *testing.T) {
	prev := []HsDirEntry{{Relay: iptmgr.RelayIdentity{Fingerprint: "A"}, Status: Clean}}
	out := RecomputeHsDirRing(prev, nil)
	if len(out) != 0 {
		t.Fatalf("expected an empty ring once a relay drops out of the consensus, got %d entries", len(out))
	}
}

func TestRecomputeHsDirRingIdempotentOverUnchangedInput(t *testing.T) {
	fresh := []iptmgr.RelayIdentity{{Fingerprint: "A"}, {Fingerprint: "B"}}

	first := RecomputeHsDirRing(nil, fresh)
	for i := range first {
		first[i].Status = Clean
	}

	second := RecomputeHsDirRing(first, fresh)
	for _, e := range second {
		if e.Status != Clean {
			t.Fatalf("expected recompute over an unchanged relay set to preserve Clean status, got %v for %s", e.Status, e.Relay.Fingerprint)
		}
	}
}

func TestDirtyHsDirsAndMarkClean(t *testing.T) {
	tp := &TimePeriodContext{HsDirs: []HsDirEntry{
		{Relay: iptmgr.RelayIdentity{Fingerprint: "A"}, Status: Dirty},
		{Relay: iptmgr.RelayIdentity{Fingerprint: "B"}, Status: Clean},
	}}

	dirty := tp.DirtyHsDirs()
	if len(dirty) != 1 || dirty[0].Relay.Fingerprint != "A" {
		t.Fatalf("expected only A to be dirty, got %+v", dirty)
	}

	tp.MarkClean("A")
	if len(tp.DirtyHsDirs()) != 0 {
		t.Fatal("expected no dirty entries left after MarkClean")
	}
}
