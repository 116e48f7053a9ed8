package publisher

import (
	"bytes"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/opd-ai/go-hs-iptmgr/pkg/iptmgr"
)

func TestComputeRevisionCounterMonotonicWithinPeriod(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	periodStart := time.Unix(1_000_000, 0)

	r1, err := ComputeRevisionCounter(priv, 7, periodStart, periodStart.Add(time.Second))
	if err != nil {
		t.Fatalf("ComputeRevisionCounter: %v", err)
	}
	r2, err := ComputeRevisionCounter(priv, 7, periodStart, periodStart.Add(2*time.Second))
	if err != nil {
		t.Fatalf("ComputeRevisionCounter: %v", err)
	}
	if r2 <= r1 {
		t.Fatalf("expected revision counter to strictly increase with wall clock within a time period, got r1=%d r2=%d", r1, r2)
	}
}

func TestComputeRevisionCounterRejectsClockBeforePeriodStart(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	periodStart := time.Unix(1_000_000, 0)
	if _, err := ComputeRevisionCounter(priv, 1, periodStart, periodStart.Add(-time.Second)); err == nil {
		t.Fatal("expected an error when the wall clock precedes the time period start")
	}
}

func TestComputeRevisionCounterDiffersAcrossTimePeriods(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	periodStart := time.Unix(1_000_000, 0)
	now := periodStart.Add(time.Second)

	r1, err := ComputeRevisionCounter(priv, 1, periodStart, now)
	if err != nil {
		t.Fatalf("ComputeRevisionCounter: %v", err)
	}
	r2, err := ComputeRevisionCounter(priv, 2, periodStart, now)
	if err != nil {
		t.Fatalf("ComputeRevisionCounter: %v", err)
	}
	if r1 == r2 {
		t.Fatal("expected different time periods to mask the same wall-clock offset differently")
	}
}

func TestBuildDescriptorCarriesIntroducerNtorKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tp := &TimePeriodContext{Period: 1, BlindedIdentity: pub}

	var ntorKey [32]byte
	for i := range ntorKey {
		ntorKey[i] = byte(i + 1)
	}
	ipts := []iptmgr.ForPublish{{
		IntroducerNtorKey: ntorKey,
	}}

	desc, err := BuildDescriptor(tp, priv, ipts, 1, 30*time.Minute)
	if err != nil {
		t.Fatalf("BuildDescriptor: %v", err)
	}
	if len(desc.IntroPoints) != 1 {
		t.Fatalf("expected one intro point, got %d", len(desc.IntroPoints))
	}
	if !bytes.Equal(desc.IntroPoints[0].EncKey, ntorKey[:]) {
		t.Fatalf("expected EncKey %x, got %x", ntorKey, desc.IntroPoints[0].EncKey)
	}
}
