package publisher

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/opd-ai/go-hs-iptmgr/pkg/hskeystore"
	"github.com/opd-ai/go-hs-iptmgr/pkg/iptmgr"
)

// stubDirProvider hands out a fixed HsDir ring and never fires a
// directory event: these tests drive the reactor's internal methods
// directly rather than through Run's main loop.
type stubDirProvider struct{}

func (stubDirProvider) PickRelay(ctx context.Context, exclude map[string]bool, predicate func(iptmgr.RelayIdentity) bool) (iptmgr.RelayIdentity, error) {
	return iptmgr.RelayIdentity{}, context.Canceled
}

func (stubDirProvider) HsDirsForDescriptor(ctx context.Context, descriptorID []byte, replica int) ([]iptmgr.RelayIdentity, error) {
	return []iptmgr.RelayIdentity{{Fingerprint: "hsdir-1"}, {Fingerprint: "hsdir-2"}}, nil
}

func (stubDirProvider) TimePeriodLengthMinutes(ctx context.Context) (uint64, error) {
	return 1440, nil
}

func (stubDirProvider) Events(ctx context.Context) <-chan struct{} {
	return make(chan struct{})
}

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	cfg := iptmgr.DefaultOnionServiceConfig("testsvc")
	cw := iptmgr.NewConfigWatcher[*iptmgr.OnionServiceConfig](cfg, nil)
	ks := hskeystore.New(hskeystore.NewMemBackend(), nil)
	shared := iptmgr.NewSharedIptSet()
	identity := freshIdentityKeyPair(t)

	p := New("testsvc", stubDirProvider{}, ks, cw, shared, identity, nil, nil)
	t.Cleanup(p.Shutdown)
	return p
}

func TestHandleIptWatcherUpdateAwaitsWhenEmpty(t *testing.T) {
	p := newTestPublisher(t)
	p.shared.Set(&iptmgr.PublishIptSet{Ipts: nil})

	p.handleIptWatcherUpdate()

	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	if status != AwaitingIpts {
		t.Fatalf("expected AwaitingIpts with no ipts offered, got %v", status)
	}
}

func TestHandleIptWatcherUpdateSchedulesUploadWhenIptsOffered(t *testing.T) {
	p := newTestPublisher(t)
	p.shared.Set(&iptmgr.PublishIptSet{Ipts: []iptmgr.ForPublish{{}}})

	p.handleIptWatcherUpdate()

	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	if status != UploadScheduled {
		t.Fatalf("expected UploadScheduled once ipts are offered, got %v", status)
	}
}

func TestRateLimitRemainingZeroBeforeFirstUpload(t *testing.T) {
	p := newTestPublisher(t)
	if got := p.rateLimitRemaining(); got != 0 {
		t.Fatalf("expected no rate limit wait before any upload has happened, got %v", got)
	}
}

func TestRateLimitRemainingPositiveRightAfterUpload(t *testing.T) {
	p := newTestPublisher(t)
	p.mu.Lock()
	p.lastUploaded = time.Now()
	p.mu.Unlock()

	got := p.rateLimitRemaining()
	if got <= 0 || got > rateLimitWindow {
		t.Fatalf("expected a positive wait under the rate limit window right after an upload, got %v", got)
	}
}

func TestRefreshTimePeriodsTracksCurrentAndAdjacentPeriods(t *testing.T) {
	p := newTestPublisher(t)
	if err := p.refreshTimePeriods(context.Background()); err != nil {
		t.Fatalf("refreshTimePeriods: %v", err)
	}

	p.mu.Lock()
	n := len(p.periods)
	p.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected the current, previous and next time periods tracked, got %d", n)
	}
}

func TestApplyOutcomeMarksHsDirCleanAndTracksRevision(t *testing.T) {
	p := newTestPublisher(t)
	if err := p.refreshTimePeriods(context.Background()); err != nil {
		t.Fatalf("refreshTimePeriods: %v", err)
	}

	var period uint64
	var ringSize int
	var fingerprint string
	p.mu.Lock()
	for k, tp := range p.periods {
		period = k
		ringSize = len(tp.HsDirs)
		fingerprint = tp.HsDirs[0].Relay.Fingerprint
		break
	}
	p.mu.Unlock()

	p.applyOutcome(hsdirOutcome{period: period, fingerprint: fingerprint, success: true, revision: 42})

	p.mu.Lock()
	tp := p.periods[period]
	rev := tp.LastSuccessfulRevision
	dirty := len(tp.DirtyHsDirs())
	p.mu.Unlock()

	if rev != 42 {
		t.Fatalf("expected the successful revision to be tracked, got %d", rev)
	}
	if dirty != ringSize-1 {
		t.Fatalf("expected exactly one hsdir marked clean, ring size %d, dirty left %d", ringSize, dirty)
	}
}

func TestApplyOutcomeIgnoresFailedUpload(t *testing.T) {
	p := newTestPublisher(t)
	if err := p.refreshTimePeriods(context.Background()); err != nil {
		t.Fatalf("refreshTimePeriods: %v", err)
	}

	var period uint64
	var fingerprint string
	p.mu.Lock()
	for k, tp := range p.periods {
		period = k
		fingerprint = tp.HsDirs[0].Relay.Fingerprint
		break
	}
	dirtyBefore := len(p.periods[period].DirtyHsDirs())
	p.mu.Unlock()

	p.applyOutcome(hsdirOutcome{period: period, fingerprint: fingerprint, success: false})

	p.mu.Lock()
	dirtyAfter := len(p.periods[period].DirtyHsDirs())
	p.mu.Unlock()

	if dirtyAfter != dirtyBefore {
		t.Fatalf("expected a failed outcome to leave hsdir status unchanged, before=%d after=%d", dirtyBefore, dirtyAfter)
	}
}

// TestUploadToPeriodRecordsExpiryFeedback covers the manager/publisher
// handoff: building a descriptor for a snapshot records
// last_descriptor_expiry_including_slop for every ipt in that snapshot,
// before any per-hsdir upload goroutine even starts.
func TestUploadToPeriodRecordsExpiryFeedback(t *testing.T) {
	p := newTestPublisher(t)
	if err := p.refreshTimePeriods(context.Background()); err != nil {
		t.Fatalf("refreshTimePeriods: %v", err)
	}

	var tp *TimePeriodContext
	p.mu.Lock()
	for _, v := range p.periods {
		tp = v
		break
	}
	p.mu.Unlock()

	lid, err := iptmgr.NewIptLocalId()
	if err != nil {
		t.Fatalf("NewIptLocalId: %v", err)
	}
	snapshot := &iptmgr.PublishIptSet{
		Ipts: []iptmgr.ForPublish{{
			Lid:             lid,
			SessionIdPublic: make([]byte, ed25519.PublicKeySize),
		}},
		ProposedLifetime: 12 * time.Hour,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.uploadToPeriod(ctx, tp, tp.DirtyHsDirs(), snapshot)

	expiry, ok := p.shared.Expiry()[lid]
	if !ok {
		t.Fatal("expected uploadToPeriod to record expiry feedback for every ipt in the snapshot")
	}
	minExpected := time.Now().Add(12*time.Hour + descriptorExpirySlop - time.Minute)
	if expiry.Before(minExpected) {
		t.Fatalf("expected expiry to cover the proposed lifetime plus slop, got %v", expiry)
	}
}

func TestHandleDirectoryChangeReschedulesUploadUnlessAwaitingIpts(t *testing.T) {
	p := newTestPublisher(t)

	p.mu.Lock()
	p.status = AwaitingIpts
	p.mu.Unlock()
	p.handleDirectoryChange(context.Background())
	p.mu.Lock()
	gotAwaiting := p.status
	p.mu.Unlock()
	if gotAwaiting != AwaitingIpts {
		t.Fatalf("expected a directory change to leave AwaitingIpts alone, got %v", gotAwaiting)
	}

	p.mu.Lock()
	p.status = Idle
	p.mu.Unlock()
	p.handleDirectoryChange(context.Background())
	p.mu.Lock()
	gotIdle := p.status
	p.mu.Unlock()
	if gotIdle != UploadScheduled {
		t.Fatalf("expected a directory change to reschedule an upload from Idle, got %v", gotIdle)
	}
}
