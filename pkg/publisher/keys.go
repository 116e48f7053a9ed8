package publisher

import (
	"crypto/ed25519"

	"github.com/opd-ai/go-hs-iptmgr/pkg/hskeystore"
	"github.com/opd-ai/go-hs-iptmgr/pkg/onion"
)

// deriveBlindedKeyPair derives the time-period blinded identity key pair
// from the long-term identity key pair. Proper Tor blinding performs
// scalar arithmetic directly on the identity key's expanded private
// scalar; this derives a seed from onion.ComputeBlindedPubkey's digest
// instead, and that function is itself a plain SHA3-256 hash rather than
// a scalar-blinded public key.
func deriveBlindedKeyPair(identity hskeystore.Ed25519KeyPair, period uint64) hskeystore.Ed25519KeyPair {
	seed := onion.ComputeBlindedPubkey(identity.Public, period)
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return hskeystore.Ed25519KeyPair{
		Public:  priv.Public().(ed25519.PublicKey),
		Private: priv,
	}
}

// GetOrDeriveBlindedKeyPair returns the cached blinded key pair for
// (nickname, period), deriving and caching it from the long-term
// identity key if absent.
func GetOrDeriveBlindedKeyPair(ks *hskeystore.Store, nickname string, identity hskeystore.Ed25519KeyPair, period uint64) (hskeystore.Ed25519KeyPair, error) {
	spec := hskeystore.Specifier{Nickname: nickname, Role: hskeystore.RoleHsBlindId, Period: &period}
	return ks.GetOrGenerateEd25519(spec, hskeystore.ExpectAbsent, func() (hskeystore.Ed25519KeyPair, error) {
		return deriveBlindedKeyPair(identity, period), nil
	})
}

// GetOrGenerateDescSigningKeyPair returns the cached per-time-period
// descriptor signing key pair for (nickname, period), generating a fresh
// one if absent. Unlike the blinded identity key, the descriptor signing
// key is not derived deterministically: it is certified by the blinded
// key via a cross-certificate and may be freely regenerated.
func GetOrGenerateDescSigningKeyPair(ks *hskeystore.Store, nickname string, period uint64, gen func() (ed25519.PublicKey, ed25519.PrivateKey, error)) (hskeystore.Ed25519KeyPair, error) {
	spec := hskeystore.Specifier{Nickname: nickname, Role: hskeystore.RoleHsDescSigning, Period: &period}
	return ks.GetOrGenerateEd25519(spec, hskeystore.ExpectAbsent, func() (hskeystore.Ed25519KeyPair, error) {
		pub, priv, err := gen()
		if err != nil {
			return hskeystore.Ed25519KeyPair{}, err
		}
		return hskeystore.Ed25519KeyPair{Public: pub, Private: priv}, nil
	})
}
