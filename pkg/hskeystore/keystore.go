// Package hskeystore implements the onion-service key store: generation,
// caching and on-disk persistence of the long-term service identity key,
// the per-time-period blinded identity and descriptor-signing keys, and
// the per-introduction-point session and service-ntor keys.
package hskeystore

import (
	"crypto/ed25519"
	"fmt"

	"github.com/opd-ai/go-hs-iptmgr/pkg/errors"
	"github.com/opd-ai/go-hs-iptmgr/pkg/logger"
)

// Role identifies which of the onion-service key roles a specifier names.
type Role string

const (
	// RoleHsId is the long-term service identity key pair.
	RoleHsId Role = "hs_id"
	// RoleHsBlindId is the per-time-period blinded identity key pair.
	RoleHsBlindId Role = "hs_blind_id"
	// RoleHsDescSigning is the per-time-period descriptor signing key pair.
	RoleHsDescSigning Role = "hs_desc_signing"
	// RoleHsIptSessionId is the per-IPT session-id key pair.
	RoleHsIptSessionId Role = "hs_ipt_session_id"
	// RoleHsSvcNtor is the per-IPT service-ntor key pair.
	RoleHsSvcNtor Role = "hs_svc_ntor"
)

// Specifier identifies one key pair in the store. Nickname is always set;
// Period and Lid are populated only for the roles that need them.
type Specifier struct {
	Nickname string
	Role     Role
	Lid      *[32]byte // set for RoleHsIptSessionId, RoleHsSvcNtor
	Period   *uint64   // set for RoleHsBlindId, RoleHsDescSigning
}

// String renders the specifier as the flat key used by the backing store.
func (s Specifier) String() string {
	key := fmt.Sprintf("%s/%s", s.Nickname, s.Role)
	if s.Period != nil {
		key += fmt.Sprintf("/tp%d", *s.Period)
	}
	if s.Lid != nil {
		key += fmt.Sprintf("/%x", s.Lid[:])
	}
	return key
}

// Ed25519KeyPair is a signing key pair, used for HsId, HsBlindId,
// HsDescSigning and HsIptSessionId roles.
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// X25519KeyPair is a Diffie-Hellman key pair, used for the HsSvcNtor role.
type X25519KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// Backend is the minimal storage contract a keystore implementation must
// provide. Reads must be idempotent; Put is an insert-or-overwrite.
// Implementations must be safe for concurrent use.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// Store is the onion-service keystore: a Backend plus typed encode/decode
// for the two key shapes the core uses.
type Store struct {
	backend Backend
	log     *logger.Logger
}

// New wraps a Backend as a typed Store.
func New(backend Backend, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Store{backend: backend, log: log.Component("hskeystore")}
}

// LoadPolicy governs what GetOrGenerateEd25519/GetOrGenerateX25519 do when
// presence disagrees with the caller's expectation.
type LoadPolicy int

const (
	// ExpectPresent means the caller believes this key was already
	// created (e.g. loading a persisted IPT record). If it is actually
	// absent, that is logged as a warning (the inventory and the
	// keystore have drifted) and a fresh key pair is generated so the
	// manager can keep making progress.
	ExpectPresent LoadPolicy = iota
	// ExpectAbsent means the caller is creating a brand new IPT and
	// does not expect a stale key pair to exist. If one is found
	// anyway, it is logged as a warning and reused rather than
	// overwritten, because overwriting would violate the invariant
	// that a recorded IPT's keys never change under it.
	ExpectAbsent
)

// GetOrGenerateEd25519 returns the key pair at spec, generating and storing
// one via gen if absent. Covers the ed25519-shaped roles: HsId, HsBlindId,
// HsDescSigning, HsIptSessionId.
func (s *Store) GetOrGenerateEd25519(spec Specifier, policy LoadPolicy, gen func() (Ed25519KeyPair, error)) (Ed25519KeyPair, error) {
	key := spec.String()
	raw, found, err := s.backend.Get(key)
	if err != nil {
		return Ed25519KeyPair{}, errors.KeystoreError(fmt.Sprintf("read key %s", key), err)
	}

	switch {
	case found && policy == ExpectAbsent:
		s.log.Warn("keystore: key present but caller expected absent, reusing existing", "key", key)
	case !found && policy == ExpectPresent:
		s.log.Warn("keystore: key expected present but missing, regenerating", "key", key)
	}

	if found {
		return decodeEd25519(raw)
	}

	kp, err := gen()
	if err != nil {
		return Ed25519KeyPair{}, errors.KeystoreError(fmt.Sprintf("generate key %s", key), err)
	}
	if err := s.backend.Put(key, encodeEd25519(kp)); err != nil {
		return Ed25519KeyPair{}, errors.KeystoreError(fmt.Sprintf("store key %s", key), err)
	}
	return kp, nil
}

// GetOrGenerateX25519 is GetOrGenerateEd25519's counterpart for the
// curve25519-shaped HsSvcNtor role.
func (s *Store) GetOrGenerateX25519(spec Specifier, policy LoadPolicy, gen func() (X25519KeyPair, error)) (X25519KeyPair, error) {
	key := spec.String()
	raw, found, err := s.backend.Get(key)
	if err != nil {
		return X25519KeyPair{}, errors.KeystoreError(fmt.Sprintf("read key %s", key), err)
	}

	switch {
	case found && policy == ExpectAbsent:
		s.log.Warn("keystore: key present but caller expected absent, reusing existing", "key", key)
	case !found && policy == ExpectPresent:
		s.log.Warn("keystore: key expected present but missing, regenerating", "key", key)
	}

	if found {
		return decodeX25519(raw)
	}

	kp, err := gen()
	if err != nil {
		return X25519KeyPair{}, errors.KeystoreError(fmt.Sprintf("generate key %s", key), err)
	}
	if err := s.backend.Put(key, encodeX25519(kp)); err != nil {
		return X25519KeyPair{}, errors.KeystoreError(fmt.Sprintf("store key %s", key), err)
	}
	return kp, nil
}

// Has reports whether a key pair exists for spec without generating one.
// Used by invariant checks ("for every IPT recorded on disk, its two key
// pairs exist in the keystore").
func (s *Store) Has(spec Specifier) (bool, error) {
	_, found, err := s.backend.Get(spec.String())
	if err != nil {
		return false, errors.KeystoreError(fmt.Sprintf("read key %s", spec.String()), err)
	}
	return found, nil
}

// Remove deletes a key pair. Used when an IPT or time-period record is
// garbage collected.
func (s *Store) Remove(spec Specifier) error {
	if err := s.backend.Delete(spec.String()); err != nil {
		return errors.KeystoreError(fmt.Sprintf("delete key %s", spec.String()), err)
	}
	return nil
}

func encodeEd25519(kp Ed25519KeyPair) []byte {
	buf := make([]byte, 0, ed25519.PublicKeySize+ed25519.PrivateKeySize)
	buf = append(buf, kp.Public...)
	buf = append(buf, kp.Private...)
	return buf
}

func decodeEd25519(raw []byte) (Ed25519KeyPair, error) {
	if len(raw) != ed25519.PublicKeySize+ed25519.PrivateKeySize {
		return Ed25519KeyPair{}, errors.KeystoreError("malformed ed25519 key record", nil)
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, raw[:ed25519.PublicKeySize])
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, raw[ed25519.PublicKeySize:])
	return Ed25519KeyPair{Public: pub, Private: priv}, nil
}

func encodeX25519(kp X25519KeyPair) []byte {
	buf := make([]byte, 64)
	copy(buf[:32], kp.Public[:])
	copy(buf[32:], kp.Private[:])
	return buf
}

func decodeX25519(raw []byte) (X25519KeyPair, error) {
	if len(raw) != 64 {
		return X25519KeyPair{}, errors.KeystoreError("malformed x25519 key record", nil)
	}
	var kp X25519KeyPair
	copy(kp.Public[:], raw[:32])
	copy(kp.Private[:], raw[32:])
	return kp, nil
}
