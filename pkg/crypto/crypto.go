// Package crypto generates the key material an introduction point
// needs: the service's own ntor onion key pair and its ed25519 signing
// identities. Completing an ntor handshake with a relay, deriving
// circuit keys, and encrypting cells are the circuit layer's job, not
// this package's — this module only ever needs to mint and rotate its
// own keys, never negotiate a shared secret with anyone.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// NtorKeyPair represents a Curve25519 key pair for the ntor onion key
// an introduction point advertises.
type NtorKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateNtorKeyPair generates a new Curve25519 key pair.
// Implements tor-spec.txt section 5.1.4 key generation.
func GenerateNtorKeyPair() (*NtorKeyPair, error) {
	kp := &NtorKeyPair{}

	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)

	return kp, nil
}

// GenerateEd25519KeyPair generates a new Ed25519 key pair.
func GenerateEd25519KeyPair() (publicKey, privateKey []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
	}
	return pub, priv, nil
}
