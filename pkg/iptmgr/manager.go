package iptmgr

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/go-hs-iptmgr/pkg/crypto"
	"github.com/opd-ai/go-hs-iptmgr/pkg/errors"
	"github.com/opd-ai/go-hs-iptmgr/pkg/hskeystore"
	"github.com/opd-ai/go-hs-iptmgr/pkg/hsmetrics"
	"github.com/opd-ai/go-hs-iptmgr/pkg/logger"
)

// maxProgressIterationsPerIpt bounds progress()'s re-entrant loop within a
// single main-loop turn. Exceeding it indicates a bug in the step
// functions (an infinite mutate-and-return cycle) rather than a healthy
// system under load.
const maxProgressIterationsPerIpt = 10000

// statusUpdate is one message from an establisher's status stream,
// tagged with the IPT it concerns.
type statusUpdate struct {
	lid    IptLocalId
	status EstablisherStatus
}

// Manager is the Introduction Point Manager: the reactor that selects
// relays to host introduction points, supervises establisher tasks,
// tracks IPT health and decides what to offer the Publisher.
type Manager struct {
	nickname    HsNickname
	cfgWatch    *ConfigWatcher[*OnionServiceConfig]
	dirProvider DirectoryProvider
	keystore    *hskeystore.Store
	inventory   *Inventory
	dirLock     *StateDirLock
	establisher Establisher
	shared      *SharedIptSet
	metrics     *hsmetrics.Metrics
	log         *logger.Logger
	runID       uuid.UUID

	shutdownCh chan struct{}
	statusCh   chan statusUpdate
	cfgChanged chan struct{}
	dirEvents  <-chan struct{}

	relays []*IptRelay

	lastRelaySelectionFailed  bool
	lastDirectoryInsufficient bool
	nextIptCreateRetry        time.Time
}

// NewManager acquires an exclusive lock on the state directory, loads
// any persisted IPT inventory, and returns a Manager ready for Launch.
// Fails if the state directory cannot be locked or the inventory cannot
// be opened.
func NewManager(
	nickname HsNickname,
	cfgWatch *ConfigWatcher[*OnionServiceConfig],
	dirProvider DirectoryProvider,
	ks *hskeystore.Store,
	stateDir string,
	establisher Establisher,
	log *logger.Logger,
) (*Manager, error) {
	if log == nil {
		log = logger.NewDefault()
	}

	lock, err := AcquireStateDirLock(stateDir)
	if err != nil {
		return nil, errors.IptEstablishError("acquire state directory lock", err)
	}

	inv, err := OpenInventory(stateDir, string(nickname))
	if err != nil {
		lock.Release()
		return nil, errors.IptEstablishError("open ipt inventory", err)
	}

	relays, err := inv.LoadAll()
	if err != nil {
		inv.Close()
		lock.Release()
		return nil, errors.IptEstablishError("load ipt inventory", err)
	}

	m := &Manager{
		nickname:    nickname,
		cfgWatch:    cfgWatch,
		dirProvider: dirProvider,
		keystore:    ks,
		inventory:   inv,
		dirLock:     lock,
		establisher: establisher,
		shared:      NewSharedIptSet(),
		metrics:     hsmetrics.NewNoop(),
		log:         log.Component("iptmgr").With("nickname", string(nickname)),
		runID:       uuid.New(),
		shutdownCh:  make(chan struct{}),
		statusCh:    make(chan statusUpdate, 64),
		cfgChanged:  make(chan struct{}, 1),
		relays:      relays,
	}

	if cfgWatch != nil {
		cfgWatch.OnReload(func(old, new *OnionServiceConfig) error {
			select {
			case m.cfgChanged <- struct{}{}:
			default:
			}
			return nil
		})
	}

	m.relaunchPersistedEstablishers()

	return m, nil
}

// relaunchPersistedEstablishers re-launches establisher tasks for every
// current IPT loaded from the inventory. A persisted record carries no
// establisher handle across a restart (the prior process's circuits are
// gone with it), so each such IPT is treated as freshly Establishing
// again rather than assumed still Good, matching the establisher
// contract's own initial_disposition of Establishing on Launch.
func (m *Manager) relaunchPersistedEstablishers() {
	if m.establisher == nil {
		return
	}
	cfg := m.cfgWatch.Get()
	now := time.Now()
	for _, relay := range m.relays {
		cur := relay.CurrentIpt()
		if cur == nil || cur.handle.statusCh != nil {
			continue
		}
		handle, err := m.establisher.Launch(context.Background(), relay.Relay, cur.SessionIdPublic, cfg.RateLimitAtIntro)
		if err != nil {
			m.log.Error("failed to relaunch establisher for persisted ipt", "lid", cur.Lid.String(), "error", err)
			continue
		}
		cur.handle = handle
		cur.StatusLast = NewEstablishingStatus(now)
		cur.acceptingStarted = false
		m.forwardStatus(cur.Lid, handle)
	}
}

// Shared returns the handoff structure the Publisher subscribes to.
func (m *Manager) Shared() *SharedIptSet { return m.shared }

// SetMetrics wires a non-noop metrics instance into the manager. Must be
// called before Launch; the zero value (set by NewManager) is a noop
// sink, so production callers that don't care about metrics can skip
// this entirely.
func (m *Manager) SetMetrics(metrics *hsmetrics.Metrics) {
	if metrics != nil {
		m.metrics = metrics
	}
}

// Shutdown stops the main loop, releasing the state directory lock and
// every establisher handle.
func (m *Manager) Shutdown() {
	close(m.shutdownCh)
}

// Launch starts the main loop in its own goroutine. Must be called
// exactly once.
func (m *Manager) Launch(ctx context.Context) {
	if m.dirProvider != nil {
		m.dirEvents = m.dirProvider.Events(ctx)
	}
	go m.run(ctx)
}

// run is the main loop of spec.md §4.1: import publisher feedback, drive
// progress() to quiescence, recompute the publish set, expire stale
// shared entries, then sleep until the earliest of the wake sources
// described in "Sleep until the earliest of" — t_wake, new config,
// shutdown, an IPT status update, a directory-provider event gated on a
// prior failed relay selection, or a new publisher feedback edge. The
// wait is a single plain Go select, so when several of these sources are
// ready at once the one handled is chosen at random: no priority order
// among them, shutdown included, is enforced.
func (m *Manager) run(ctx context.Context) {
	defer m.cleanup()
	m.log.Info("manager started", "run_id", m.runID.String())

	for {
		m.importPublisherFeedback()
		wake := m.driveProgress()
		m.writePublishSet()
		m.expireSharedEntries()

		timer := time.NewTimer(time.Until(wake))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.shutdownCh:
			timer.Stop()
			return
		case <-timer.C:
		case su := <-m.statusCh:
			timer.Stop()
			m.applyStatusUpdate(su)
		case <-m.dirEventsIfFailed():
			timer.Stop()
			m.lastRelaySelectionFailed = false
		case <-m.cfgChanged:
			timer.Stop()
		case <-m.shared.ExpiryWatch():
			timer.Stop()
		}
	}
}

// dirEventsIfFailed returns the directory-event channel only while the
// previous relay selection attempt failed for lack of eligible relays;
// otherwise it returns a nil channel, which blocks forever in a select
// and so never wakes the loop on an event that wouldn't change anything.
func (m *Manager) dirEventsIfFailed() <-chan struct{} {
	if !m.lastRelaySelectionFailed {
		return nil
	}
	return m.dirEvents
}

// importPublisherFeedback implements main-loop step 1: copy every
// (lid, expiry) the Publisher has written back into the shared set onto
// the matching IPT's LastDescriptorExpiryIncludingSlop, so step b can
// later decide whether that IPT is still protected by a live descriptor.
func (m *Manager) importPublisherFeedback() {
	feedback := m.shared.Expiry()
	if len(feedback) == 0 {
		return
	}
	for _, relay := range m.relays {
		for _, ipt := range relay.Ipts {
			if expiry, ok := feedback[ipt.Lid]; ok {
				t := expiry
				ipt.LastDescriptorExpiryIncludingSlop = &t
			}
		}
	}
}

func (m *Manager) cleanup() {
	for _, relay := range m.relays {
		for _, ipt := range relay.Ipts {
			ipt.handle.Close()
		}
	}
	m.inventory.Close()
	m.dirLock.Release()
	m.log.Info("manager stopped")
}

// driveProgress repeatedly calls progress() until it reports no further
// mutation, then returns the wake-up deadline it settled on.
func (m *Manager) driveProgress() time.Time {
	cfg := m.cfgWatch.Get()
	target := int(cfg.NumIntroPoints)

	iterations := 0
	maxIterations := maxProgressIterationsPerIpt * (target + 1)
	for {
		iterations++
		if iterations > maxIterations {
			m.log.Error("progress() exceeded safety iteration bound, this is a bug", "iterations", iterations)
			return time.Now().Add(time.Second)
		}
		wake, mutated := m.progressOnce(cfg, target)
		if !mutated {
			return wake
		}
	}
}

// progressOnce executes steps a-e once, returning (wake, true) the
// instant any step mutates state, or (wake, false) once a full pass
// completes without any mutation.
func (m *Manager) progressOnce(cfg *OnionServiceConfig, target int) (time.Time, bool) {
	now := time.Now()

	if m.stepRotateAgedIpts(target, now) {
		return now, true
	}
	if m.stepGCIpts(now) {
		return now, true
	}
	if m.stepGCRelays(now) {
		return now, true
	}
	if mutated, wake := m.stepFillCurrentIpts(cfg, now); mutated {
		return wake, true
	}
	if mutated, wake := m.stepChooseNewRelay(cfg, target, now); mutated {
		return wake, true
	}

	return m.nextWakeDeadline(now), false
}

func (m *Manager) nextWakeDeadline(now time.Time) time.Time {
	wake := now.Add(30 * time.Second)
	for _, relay := range m.relays {
		if relay.PlannedRetirement.Before(wake) && relay.PlannedRetirement.After(now) {
			wake = relay.PlannedRetirement
		}
	}
	if !m.nextIptCreateRetry.IsZero() && m.nextIptCreateRetry.Before(wake) && m.nextIptCreateRetry.After(now) {
		wake = m.nextIptCreateRetry
	}
	return wake
}

// stepRotateAgedIpts implements progress() step a.
func (m *Manager) stepRotateAgedIpts(target int, now time.Time) bool {
	if m.countGood() < target {
		return false
	}
	for _, relay := range m.relays {
		if relay.IsPastRetirement(now) {
			if cur := relay.CurrentIpt(); cur != nil {
				cur.IsCurrent = false
				m.log.Info("rotating out aged ipt", "fingerprint", relay.Relay.Fingerprint, "lid", cur.Lid.String())
				m.persistRelay(relay)
				return true
			}
		}
	}
	return false
}

// stepGCIpts implements progress() step b.
func (m *Manager) stepGCIpts(now time.Time) bool {
	for _, relay := range m.relays {
		kept := relay.Ipts[:0]
		changed := false
		for _, ipt := range relay.Ipts {
			expired := ipt.LastDescriptorExpiryIncludingSlop == nil || !ipt.LastDescriptorExpiryIncludingSlop.After(now)
			if !ipt.IsCurrent && expired {
				ipt.handle.Close()
				changed = true
				m.log.Info("dropped ipt", "lid", ipt.Lid.String())
				continue
			}
			kept = append(kept, ipt)
		}
		relay.Ipts = kept
		if changed {
			m.persistRelay(relay)
			return true
		}
	}
	return false
}

// stepGCRelays implements progress() step c.
func (m *Manager) stepGCRelays(now time.Time) bool {
	kept := m.relays[:0]
	changed := false
	for _, relay := range m.relays {
		if relay.IsPastRetirement(now) && len(relay.Ipts) == 0 {
			changed = true
			m.inventory.Delete(relay.Relay.Fingerprint)
			m.log.Info("dropped ipt relay", "fingerprint", relay.Relay.Fingerprint)
			continue
		}
		kept = append(kept, relay)
	}
	m.relays = kept
	return changed
}

// stepFillCurrentIpts implements progress() step d.
func (m *Manager) stepFillCurrentIpts(cfg *OnionServiceConfig, now time.Time) (bool, time.Time) {
	if now.Before(m.nextIptCreateRetry) {
		return false, time.Time{}
	}
	for _, relay := range m.relays {
		if relay.IsPastRetirement(now) || relay.CurrentIpt() != nil {
			continue
		}
		ipt, err := m.createIpt(cfg, relay)
		if err != nil {
			if errors.IsRetryable(err) {
				m.log.Warn("transient failure creating ipt, retrying in 60s", "error", err, "fingerprint", relay.Relay.Fingerprint)
				m.nextIptCreateRetry = now.Add(60 * time.Second)
				return false, m.nextIptCreateRetry
			}
			m.log.Error("fatal failure creating ipt", "error", err, "fingerprint", relay.Relay.Fingerprint)
			return false, time.Time{}
		}
		relay.Ipts = append(relay.Ipts, ipt)
		m.persistRelay(relay)
		return true, now
	}
	return false, time.Time{}
}

func (m *Manager) createIpt(cfg *OnionServiceConfig, relay *IptRelay) (*Ipt, error) {
	lid, err := NewIptLocalId()
	if err != nil {
		return nil, errors.IptEstablishError("generate ipt lid", err)
	}

	lidArr := [32]byte(lid)
	sessionSpec := hskeystore.Specifier{Nickname: string(m.nickname), Role: hskeystore.RoleHsIptSessionId, Lid: &lidArr}
	sessionKP, err := m.keystore.GetOrGenerateEd25519(sessionSpec, hskeystore.ExpectAbsent, func() (hskeystore.Ed25519KeyPair, error) {
		pub, priv, err := crypto.GenerateEd25519KeyPair()
		if err != nil {
			return hskeystore.Ed25519KeyPair{}, err
		}
		return hskeystore.Ed25519KeyPair{Public: pub, Private: priv}, nil
	})
	if err != nil {
		return nil, err
	}

	ntorSpec := hskeystore.Specifier{Nickname: string(m.nickname), Role: hskeystore.RoleHsSvcNtor, Lid: &lidArr}
	ntorKP, err := m.keystore.GetOrGenerateX25519(ntorSpec, hskeystore.ExpectAbsent, func() (hskeystore.X25519KeyPair, error) {
		kp, err := crypto.GenerateNtorKeyPair()
		if err != nil {
			return hskeystore.X25519KeyPair{}, err
		}
		return hskeystore.X25519KeyPair{Public: kp.Public, Private: kp.Private}, nil
	})
	if err != nil {
		return nil, err
	}

	handle, err := m.establisher.Launch(context.Background(), relay.Relay, sessionKP.Public, cfg.RateLimitAtIntro)
	if err != nil {
		return nil, errors.IptEstablishError("launch establisher", err)
	}
	m.forwardStatus(lid, handle)

	now := time.Now()
	return &Ipt{
		Lid:               lid,
		SessionIdPublic:   sessionKP.Public,
		ServiceNtorPublic: ntorKP.Public,
		StatusLast:        NewEstablishingStatus(now),
		IsCurrent:         true,
		handle:            handle,
	}, nil
}

// forwardStatus fans a single establisher handle's status channel into
// the manager's shared statusCh.
func (m *Manager) forwardStatus(lid IptLocalId, handle establisherHandle) {
	go func() {
		for status := range handle.statusCh {
			select {
			case m.statusCh <- statusUpdate{lid: lid, status: status}:
			case <-m.shutdownCh:
				return
			}
		}
	}()
}

// stepChooseNewRelay implements progress() step e.
func (m *Manager) stepChooseNewRelay(cfg *OnionServiceConfig, target int, now time.Time) (bool, time.Time) {
	if m.countGoodIsh() >= target {
		return false, time.Time{}
	}
	if len(m.relays) >= 2*target {
		return false, time.Time{}
	}
	if m.lastRelaySelectionFailed {
		return false, time.Time{}
	}

	exclude := make(map[string]bool, len(m.relays))
	for _, relay := range m.relays {
		exclude[relay.Relay.Fingerprint] = true
	}

	relayID, err := m.dirProvider.PickRelay(context.Background(), exclude, nil)
	if err != nil {
		m.lastRelaySelectionFailed = true
		m.log.Info("directory information insufficient to select a new ipt relay, awaiting directory event", "error", err)
		return false, time.Time{}
	}
	m.lastRelaySelectionFailed = false

	retirement := now.Add(cfg.IptRelayRotationTime.Sample(randFloat))
	m.relays = append(m.relays, &IptRelay{Relay: relayID, PlannedRetirement: retirement})
	m.log.Info("chose new ipt relay", "fingerprint", relayID.Fingerprint, "planned_retirement", retirement)
	return true, now
}

func randFloat() float64 {
	return float64(time.Now().UnixNano()%1000) / 1000.0
}

func (m *Manager) countGood() int {
	n := 0
	for _, relay := range m.relays {
		if cur := relay.CurrentIpt(); cur != nil && cur.StatusLast.IsGood() {
			n++
		}
	}
	return n
}

func (m *Manager) countGoodIsh() int {
	n := 0
	for _, relay := range m.relays {
		if cur := relay.CurrentIpt(); cur != nil &&
			(cur.StatusLast.Kind == StatusGood || cur.StatusLast.Kind == StatusEstablishing) {
			n++
		}
	}
	return n
}

func (m *Manager) persistRelay(relay *IptRelay) {
	if err := m.inventory.Save(relay); err != nil {
		m.log.Warn("failed to persist ipt relay record", "error", err, "fingerprint", relay.Relay.Fingerprint)
	}
}

// applyStatusUpdate implements the "IPT status update handling" rules.
func (m *Manager) applyStatusUpdate(su statusUpdate) {
	ipt := m.findIpt(su.lid)
	if ipt == nil {
		return
	}

	if su.status.WantsRetire && ipt.IsCurrent {
		ipt.IsCurrent = false
		m.log.Info("establisher requested retirement", "lid", ipt.Lid.String())
	}

	now := time.Now()
	prev := ipt.StatusLast

	switch su.status.Kind {
	case StatusGood:
		if prev.Kind == StatusEstablishing && prev.StartedAt != nil {
			if now.Before(*prev.StartedAt) {
				ipt.StatusLast = TrackedStatus{Kind: StatusGood, StartedAt: prev.StartedAt, TimeToEstablishErr: true}
				m.log.Warn("monotonic time went backwards computing time_to_establish", "lid", ipt.Lid.String())
			} else {
				d := now.Sub(*prev.StartedAt)
				ipt.StatusLast = TrackedStatus{Kind: StatusGood, StartedAt: prev.StartedAt, TimeToEstablish: &d}
			}
		} else {
			ipt.StatusLast = TrackedStatus{Kind: StatusGood, StartedAt: prev.StartedAt}
		}
	case StatusFaulty:
		ipt.StatusLast = TrackedStatus{Kind: StatusFaulty, StartedAt: prev.StartedAt}
	case StatusEstablishing:
		started := prev.StartedAt
		if started == nil {
			started = &now
		}
		ipt.StatusLast = NewEstablishingStatus(*started)
	}

	m.persistOwningRelay(ipt.Lid)
}

func (m *Manager) persistOwningRelay(lid IptLocalId) {
	for _, relay := range m.relays {
		for _, ipt := range relay.Ipts {
			if ipt.Lid == lid {
				m.persistRelay(relay)
				return
			}
		}
	}
}

func (m *Manager) findIpt(lid IptLocalId) *Ipt {
	for _, relay := range m.relays {
		for _, ipt := range relay.Ipts {
			if ipt.Lid == lid {
				return ipt
			}
		}
	}
	return nil
}

// writePublishSet implements the publish-set selection rules and writes
// the result into the shared structure.
func (m *Manager) writePublishSet() {
	cfg := m.cfgWatch.Get()
	target := int(cfg.NumIntroPoints)
	now := time.Now()

	var good []*Ipt
	owner := make(map[IptLocalId]*IptRelay)
	// latestEstablishingStart tracks the MOST RECENT StartedAt among
	// currently-Establishing IPTs. started_establishing_very_recently in
	// the reference implementation is an EXISTS check -- hold off if ANY
	// Establishing IPT started within the last 2*fastest -- which is
	// governed by the maximum start time, not the minimum.
	var latestEstablishingStart *time.Time
	for _, relay := range m.relays {
		cur := relay.CurrentIpt()
		if cur == nil {
			continue
		}
		if cur.StatusLast.IsGood() {
			good = append(good, cur)
			owner[cur.Lid] = relay
		} else if cur.StatusLast.Kind == StatusEstablishing && cur.StatusLast.StartedAt != nil {
			if latestEstablishingStart == nil || cur.StatusLast.StartedAt.After(*latestEstablishingStart) {
				latestEstablishingStart = cur.StatusLast.StartedAt
			}
		}
	}

	m.metrics.GoodIptCount.Set(float64(len(good)))

	if len(good) == 0 {
		m.shared.Set(&PublishIptSet{Ipts: nil})
		return
	}

	lifetime := 30 * time.Minute
	publish := true
	if len(good) >= target {
		lifetime = 12 * time.Hour
	} else if latestEstablishingStart != nil {
		fastest := fastestEstablishDuration(good)
		if fastest > 0 && now.Sub(*latestEstablishingStart) < 2*fastest {
			publish = false
		}
	}

	if !publish {
		return
	}

	if len(good) > target {
		good = good[len(good)-target:]
	}

	records := make([]ForPublish, 0, len(good))
	for _, ipt := range good {
		rec := ForPublish{
			Lid:               ipt.Lid,
			ServiceNtorPublic: ipt.ServiceNtorPublic,
			SessionIdPublic:   ipt.SessionIdPublic,
		}
		if relay, ok := owner[ipt.Lid]; ok {
			rec.LinkSpecifiers = []RelayIdentity{relay.Relay}
			copy(rec.IntroducerNtorKey[:], relay.Relay.NtorOnionKey)
		}
		records = append(records, rec)

		if !ipt.acceptingStarted {
			ipt.handle.StartAccepting()
			ipt.acceptingStarted = true
		}
	}

	m.shared.Set(&PublishIptSet{Ipts: records, ProposedLifetime: lifetime, IsFresh: lifetime == 12*time.Hour})
}

func fastestEstablishDuration(good []*Ipt) time.Duration {
	var best time.Duration
	for _, ipt := range good {
		if ipt.StatusLast.TimeToEstablish == nil {
			continue
		}
		if best == 0 || *ipt.StatusLast.TimeToEstablish < best {
			best = *ipt.StatusLast.TimeToEstablish
		}
	}
	return best
}

// expireSharedEntries drops stale last_descriptor_expiry entries the
// publisher wrote back, allowing step b to garbage-collect those IPTs. It
// also prunes the shared expiry map itself, since SetExpiry only ever
// grows it and nothing else in the Publisher/Manager handshake removes an
// entry once its IPT stops being current.
func (m *Manager) expireSharedEntries() {
	now := time.Now()
	for _, relay := range m.relays {
		for _, ipt := range relay.Ipts {
			if ipt.LastDescriptorExpiryIncludingSlop != nil && !ipt.LastDescriptorExpiryIncludingSlop.After(now) {
				ipt.LastDescriptorExpiryIncludingSlop = nil
			}
		}
	}
	m.shared.ExpireStale(now)
}
