package publisher

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/go-hs-iptmgr/pkg/hskeystore"
	"github.com/opd-ai/go-hs-iptmgr/pkg/hsmetrics"
	"github.com/opd-ai/go-hs-iptmgr/pkg/iptmgr"
	"github.com/opd-ai/go-hs-iptmgr/pkg/logger"
)

// PublishStatus is the reactor's view of whether it has work to do.
type PublishStatus int

const (
	// AwaitingIpts means the IPT watcher has not yet offered any IPTs.
	AwaitingIpts PublishStatus = iota
	// UploadScheduled means an upload cycle should start on the next
	// loop turn.
	UploadScheduled
	// Idle means the last cycle's results are all applied and nothing
	// has changed since.
	Idle
)

const rateLimitWindow = 60 * time.Second
const uploadOverallTimeout = 5 * time.Minute

// descriptorExpirySlop is added on top of a descriptor's proposed
// lifetime when recording last_descriptor_expiry_including_slop, so the
// Manager doesn't race a descriptor's real cache expiry on HsDirs against
// its own clock skew. There is no single canonical value for this in the
// spec; 30 minutes matches the gap between the Manager's own UNCERTAIN
// lifetime and its next publish attempt.
const descriptorExpirySlop = 30 * time.Minute

type hsdirOutcome struct {
	period      uint64
	fingerprint string
	success     bool
	revision    uint64
}

// Publisher is the reactor that signs and uploads onion-service
// descriptors for every active time period.
type Publisher struct {
	nickname    string
	dirProvider iptmgr.DirectoryProvider
	uploader    *Uploader
	keystore    *hskeystore.Store
	cfgWatch    *iptmgr.ConfigWatcher[*iptmgr.OnionServiceConfig]
	shared      *iptmgr.SharedIptSet
	identity    hskeystore.Ed25519KeyPair
	metrics     *hsmetrics.Metrics
	log         *logger.Logger
	runID       uuid.UUID

	mu           sync.Mutex
	periods      map[uint64]*TimePeriodContext
	status       PublishStatus
	lastUploaded time.Time

	shutdownCh      chan struct{}
	resultCh        chan hsdirOutcome
	configChangedCh chan struct{}
	dirEvents       <-chan struct{}
}

// New builds a Publisher. identity is the long-term service identity key
// pair, used to derive each active time period's blinded identity key.
func New(
	nickname string,
	dirProvider iptmgr.DirectoryProvider,
	ks *hskeystore.Store,
	cfgWatch *iptmgr.ConfigWatcher[*iptmgr.OnionServiceConfig],
	shared *iptmgr.SharedIptSet,
	identity hskeystore.Ed25519KeyPair,
	metrics *hsmetrics.Metrics,
	log *logger.Logger,
) *Publisher {
	if log == nil {
		log = logger.NewDefault()
	}
	if metrics == nil {
		metrics = hsmetrics.NewNoop()
	}

	p := &Publisher{
		nickname:        nickname,
		dirProvider:     dirProvider,
		uploader:        NewUploader(),
		keystore:        ks,
		cfgWatch:        cfgWatch,
		shared:          shared,
		identity:        identity,
		metrics:         metrics,
		log:             log.Component("publisher").With("nickname", nickname),
		runID:           uuid.New(),
		periods:         make(map[uint64]*TimePeriodContext),
		status:          AwaitingIpts,
		shutdownCh:      make(chan struct{}),
		resultCh:        make(chan hsdirOutcome, 64),
		configChangedCh: make(chan struct{}, 1),
	}

	cfgWatch.OnReload(func(old, new *iptmgr.OnionServiceConfig) error {
		select {
		case p.configChangedCh <- struct{}{}:
		default:
		}
		return nil
	})

	return p
}

// Shutdown stops Run.
func (p *Publisher) Shutdown() { close(p.shutdownCh) }

// Run drives the reactor until ctx is canceled or Shutdown is called. The
// select waits on shutdown, upload completion, directory/consensus
// change, the IPT watcher, config and the rate-limit timer; publish-status
// changes fall out of the shouldUpload check below rather than their own
// select arm. It is a plain Go select, so when several cases are ready at
// once the one handled is chosen at random.
func (p *Publisher) Run(ctx context.Context) {
	p.log.Info("publisher started", "run_id", p.runID.String())
	defer p.log.Info("publisher stopped")

	p.dirEvents = p.dirProvider.Events(ctx)

	var rateLimitTimer *time.Timer
	var rateLimitCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdownCh:
			return
		case outcome := <-p.resultCh:
			p.applyOutcome(outcome)
		case <-p.dirEvents:
			p.handleDirectoryChange(ctx)
		case <-p.shared.Watch():
			p.handleIptWatcherUpdate()
		case <-p.configChangedCh:
			p.handleConfigChange(ctx)
		case <-rateLimitCh:
			p.mu.Lock()
			p.status = UploadScheduled
			p.mu.Unlock()
			rateLimitCh = nil
		}

		p.mu.Lock()
		shouldUpload := p.status == UploadScheduled
		p.mu.Unlock()
		if !shouldUpload {
			continue
		}

		wait := p.rateLimitRemaining()
		if wait > 0 {
			if rateLimitTimer == nil {
				rateLimitTimer = time.NewTimer(wait)
				rateLimitCh = rateLimitTimer.C
			}
			continue
		}
		rateLimitTimer = nil
		rateLimitCh = nil
		p.startUploadCycle(ctx)
	}
}

func (p *Publisher) rateLimitRemaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	elapsed := time.Since(p.lastUploaded)
	if elapsed >= rateLimitWindow {
		return 0
	}
	return rateLimitWindow - elapsed
}

func (p *Publisher) handleIptWatcherUpdate() {
	v := p.shared.Get()
	p.mu.Lock()
	defer p.mu.Unlock()
	if v == nil || len(v.Ipts) == 0 {
		p.status = AwaitingIpts
		return
	}
	p.status = UploadScheduled
}

// handleDirectoryChange implements the "Computing HsDirs on consensus
// change" rule: recompute every active TP's HsDir ring, preserving
// Clean/Dirty status where a relay remains in the ring, then schedule an
// upload cycle so newly Dirty entries get picked up.
func (p *Publisher) handleDirectoryChange(ctx context.Context) {
	if err := p.refreshTimePeriods(ctx); err != nil {
		p.log.Warn("failed to refresh time periods after consensus change", "error", err)
		return
	}
	p.mu.Lock()
	if p.status != AwaitingIpts {
		p.status = UploadScheduled
	}
	p.mu.Unlock()
}

func (p *Publisher) handleConfigChange(ctx context.Context) {
	if err := p.refreshTimePeriods(ctx); err != nil {
		p.log.Warn("failed to refresh time periods after config change", "error", err)
	}
	p.mu.Lock()
	if p.status != AwaitingIpts {
		p.status = UploadScheduled
	}
	p.mu.Unlock()
}

// refreshTimePeriods recomputes HsDir rings for the set of currently
// active time periods, preserving Clean/Dirty status on relays that
// remain in a ring.
func (p *Publisher) refreshTimePeriods(ctx context.Context) error {
	periodLenMin, err := p.dirProvider.TimePeriodLengthMinutes(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	current := iptmgr.CurrentTimePeriod(now, periodLenMin)

	p.mu.Lock()
	active := map[uint64]bool{current: true, current - 1: true, current + 1: true}
	for period := range p.periods {
		if !active[period] {
			delete(p.periods, period)
		}
	}
	p.mu.Unlock()

	for period := range active {
		if err := p.ensureTimePeriod(ctx, period); err != nil {
			p.log.Warn("failed to build hsdir ring for time period", "period", period, "error", err)
		}
	}
	return nil
}

func (p *Publisher) ensureTimePeriod(ctx context.Context, period uint64) error {
	blinded, err := GetOrDeriveBlindedKeyPair(p.keystore, p.nickname, p.identity, period)
	if err != nil {
		return err
	}
	descriptorID := computeDescriptorID(blinded.Public)

	fresh, err := p.dirProvider.HsDirsForDescriptor(ctx, descriptorID, 0)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	tp, ok := p.periods[period]
	if !ok {
		tp = &TimePeriodContext{Period: period}
		p.periods[period] = tp
	}
	tp.BlindedIdentity = blinded.Public
	tp.BlindedIdentityPrivate = blinded.Private
	tp.HsDirs = RecomputeHsDirRing(tp.HsDirs, fresh)
	return nil
}

// startUploadCycle implements the three-step upload cycle: snapshot,
// build+sign+upload per dirty HsDir across active time periods.
func (p *Publisher) startUploadCycle(ctx context.Context) {
	p.mu.Lock()
	p.lastUploaded = time.Now()
	p.status = Idle
	periodsCopy := make([]*TimePeriodContext, 0, len(p.periods))
	for _, tp := range p.periods {
		periodsCopy = append(periodsCopy, tp)
	}
	p.mu.Unlock()

	snapshot := p.shared.Get()
	if snapshot == nil || len(snapshot.Ipts) == 0 {
		return
	}

	p.metrics.PublishCyclesTotal.Inc()
	deadline := time.Now().Add(uploadOverallTimeout)
	cycleCtx, cancel := context.WithDeadline(ctx, deadline)

	for _, tp := range periodsCopy {
		dirty := tp.DirtyHsDirs()
		if len(dirty) == 0 {
			continue
		}
		go p.uploadToPeriod(cycleCtx, tp, dirty, snapshot)
	}

	go func() {
		<-cycleCtx.Done()
		cancel()
	}()
}

func (p *Publisher) uploadToPeriod(ctx context.Context, tp *TimePeriodContext, dirty []HsDirEntry, snapshot *iptmgr.PublishIptSet) {
	descSigning, err := GetOrGenerateDescSigningKeyPair(p.keystore, p.nickname, tp.Period, func() (ed25519.PublicKey, ed25519.PrivateKey, error) {
		return ed25519.GenerateKey(nil)
	})
	if err != nil {
		p.log.Error("failed to obtain descriptor signing key", "period", tp.Period, "error", err)
		return
	}

	periodLenMin, err := p.dirProvider.TimePeriodLengthMinutes(ctx)
	if err != nil {
		periodLenMin = 1440
	}
	periodStart := periodStartTime(tp.Period, periodLenMin)
	revision, err := ComputeRevisionCounter(tp.BlindedIdentityPrivate, tp.Period, periodStart, time.Now())
	if err != nil {
		p.log.Error("failed to compute revision counter", "period", tp.Period, "error", err)
		return
	}

	desc, err := BuildDescriptor(tp, descSigning.Private, snapshot.Ipts, revision, snapshot.ProposedLifetime)
	if err != nil {
		p.log.Error("failed to build descriptor", "period", tp.Period, "error", err)
		return
	}

	publishTime := time.Now()
	expiry := publishTime.Add(snapshot.ProposedLifetime).Add(descriptorExpirySlop)
	for _, ipt := range snapshot.Ipts {
		p.shared.SetExpiry(ipt.Lid, expiry)
	}

	const maxConcurrentPerPeriod = 16
	sem := make(chan struct{}, maxConcurrentPerPeriod)
	for _, entry := range dirty {
		entry := entry
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			p.metrics.UploadAttemptsTotal.Inc()
			err := p.uploader.UploadWithRetry(ctx, entry.Relay, desc.RawDescriptor)
			outcome := hsdirOutcome{period: tp.Period, fingerprint: entry.Relay.Fingerprint, success: err == nil, revision: revision}
			if err != nil {
				p.metrics.UploadFailuresTotal.Inc()
				p.log.Warn("descriptor upload failed", "hsdir", entry.Relay.Fingerprint, "period", tp.Period, "error", err)
			}
			select {
			case p.resultCh <- outcome:
			case <-ctx.Done():
			}
		}()
	}
}

func periodStartTime(period, periodLenMinutes uint64) time.Time {
	if periodLenMinutes == 0 {
		periodLenMinutes = 1440
	}
	periodLenSeconds := int64(periodLenMinutes) * 60
	return time.Unix(int64(period)*periodLenSeconds-periodLenSeconds/2, 0)
}

func (p *Publisher) applyOutcome(outcome hsdirOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tp, ok := p.periods[outcome.period]
	if !ok {
		return
	}
	if !outcome.success {
		return
	}
	if outcome.revision >= tp.LastSuccessfulRevision {
		tp.LastSuccessfulRevision = outcome.revision
	}
	tp.MarkClean(outcome.fingerprint)
}
