package iptmgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/go-hs-iptmgr/pkg/errors"
	"github.com/opd-ai/go-hs-iptmgr/pkg/logger"
)

// Circuit is an opaque handle over a live circuit extended to an
// introduction-point relay. RealEstablisher holds it open for the
// lifetime of the introduction point and never inspects it.
type Circuit interface{}

// CircuitSource is the minimal collaborator a RealEstablisher needs: a
// way to obtain and release a circuit already extended to a specific
// relay. Building, extending, and tearing down the underlying Tor
// circuit -- the wire protocol itself -- is out of scope for this
// package (and for this spec); a separate circuit-management layer in
// the host process supplies it.
type CircuitSource interface {
	GetTo(ctx context.Context, relay RelayIdentity) (Circuit, error)
	Put(c Circuit)
}

// EstablisherStatus is one update from an establisher task about the
// health of its introduction point circuit.
type EstablisherStatus struct {
	Kind  StatusKind
	Fault error // set when Kind == StatusFaulty

	// WantsRetire mirrors the establisher contract's wants_to_retire
	// field: the relay asked us to stop using it as an introduction
	// point (e.g. it is overloaded or shutting down gracefully).
	WantsRetire bool

	// NFaults is the establisher's own count of faults seen on this
	// circuit so far, carried through for logging/diagnostics only; the
	// manager's health tracking is driven by Kind, not this counter.
	NFaults int
}

// establisherHandle is the manager's live connection to a running
// establisher task: a channel of status updates, the means to tear the
// task down, and the one-way start_accepting switch.
type establisherHandle struct {
	statusCh    <-chan EstablisherStatus
	cancel      context.CancelFunc
	done        <-chan struct{}
	startAccept func()
}

// Close stops the establisher task and waits for it to exit.
func (h establisherHandle) Close() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	if h.done != nil {
		<-h.done
	}
}

// StartAccepting tells the establisher to begin funneling introduction
// requests into the rendezvous sink. Safe to call on a zero-valued
// startAccept (tests and handles that never set one).
func (h establisherHandle) StartAccepting() {
	if h.startAccept != nil {
		h.startAccept()
	}
}

// Establisher launches and supervises one introduction-point circuit at a
// chosen relay. Implementations report status asynchronously on the
// returned handle's channel; StatusGood means the relay has accepted
// ESTABLISH_INTRO and the IPT is ready to be offered for publication.
type Establisher interface {
	Launch(ctx context.Context, relay RelayIdentity, sessionID []byte, rateLimit *TokenBucketConfig) (establisherHandle, error)
}

// RealEstablisher builds introduction-point circuits over a
// relay-targeted CircuitSource.
type RealEstablisher struct {
	source CircuitSource
	log    *logger.Logger
}

// NewRealEstablisher wraps a CircuitSource as an Establisher.
func NewRealEstablisher(source CircuitSource, log *logger.Logger) *RealEstablisher {
	if log == nil {
		log = logger.NewDefault()
	}
	return &RealEstablisher{source: source, log: log.Component("establisher")}
}

// Launch acquires a circuit to relay and starts a supervising goroutine
// that reports StatusGood once the circuit is obtained and StatusFaulty
// if the circuit source cannot produce one or the context is canceled
// before that happens. Sending the actual ESTABLISH_INTRO cell and
// reading the status stream back from the relay belongs to whatever
// implements CircuitSource; from this package's point of view that
// exchange is opaque past "do we have a live circuit to this relay".
func (e *RealEstablisher) Launch(ctx context.Context, relay RelayIdentity, sessionID []byte, rateLimit *TokenBucketConfig) (establisherHandle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	statusCh := make(chan EstablisherStatus, 4)
	done := make(chan struct{})

	var accepting int32
	startAccept := func() {
		if atomic.CompareAndSwapInt32(&accepting, 0, 1) {
			e.log.Info("ipt now accepting introductions", "fingerprint", relay.Fingerprint)
		}
	}

	go func() {
		defer close(done)
		defer close(statusCh)

		circ, err := e.source.GetTo(runCtx, relay)
		if err != nil {
			select {
			case statusCh <- EstablisherStatus{Kind: StatusFaulty, Fault: errors.IptEstablishError("acquire circuit", err)}:
			case <-runCtx.Done():
			}
			return
		}
		defer e.source.Put(circ)

		select {
		case statusCh <- EstablisherStatus{Kind: StatusGood}:
		case <-runCtx.Done():
			return
		}

		<-runCtx.Done()
	}()

	return establisherHandle{statusCh: statusCh, cancel: cancel, done: done, startAccept: startAccept}, nil
}

// MockEstablisher is a deterministic, in-memory Establisher used in
// tests. Each Launch call gets its own status channel that the test can
// drive directly via Drive.
type MockEstablisher struct {
	mu           sync.Mutex
	handles      map[string]chan EstablisherStatus
	acceptCounts map[string]int
}

// NewMockEstablisher creates an empty mock.
func NewMockEstablisher() *MockEstablisher {
	return &MockEstablisher{
		handles:      make(map[string]chan EstablisherStatus),
		acceptCounts: make(map[string]int),
	}
}

// Launch implements Establisher. It sends no status of its own: the
// handle's status channel carries only what the test injects via Drive.
func (m *MockEstablisher) Launch(ctx context.Context, relay RelayIdentity, sessionID []byte, rateLimit *TokenBucketConfig) (establisherHandle, error) {
	ch := make(chan EstablisherStatus, 8)
	done := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.handles[relay.Fingerprint] = ch
	m.mu.Unlock()

	go func() {
		defer close(done)
		<-runCtx.Done()
	}()

	startAccept := func() {
		m.mu.Lock()
		m.acceptCounts[relay.Fingerprint]++
		m.mu.Unlock()
	}

	return establisherHandle{statusCh: ch, cancel: cancel, done: done, startAccept: startAccept}, nil
}

// AcceptCount returns the number of times start_accepting was invoked on
// the establisher launched at the named relay fingerprint.
func (m *MockEstablisher) AcceptCount(fingerprint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptCounts[fingerprint]
}

// Drive injects a status update for the most recent Launch at the named
// relay fingerprint. Panics if no such handle was launched, since that
// indicates a broken test.
func (m *MockEstablisher) Drive(fingerprint string, status EstablisherStatus) {
	m.mu.Lock()
	ch, ok := m.handles[fingerprint]
	m.mu.Unlock()
	if !ok {
		panic("iptmgr: MockEstablisher.Drive on unknown relay " + fingerprint)
	}
	select {
	case ch <- status:
	case <-time.After(time.Second):
		panic("iptmgr: MockEstablisher.Drive blocked, test is not reading status updates")
	}
}
