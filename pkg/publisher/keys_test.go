package publisher

import (
	"crypto/ed25519"
	"testing"

	"github.com/opd-ai/go-hs-iptmgr/pkg/hskeystore"
)

func freshIdentityKeyPair(t *testing.T) hskeystore.Ed25519KeyPair {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	return hskeystore.Ed25519KeyPair{Public: pub, Private: priv}
}

func TestGetOrDeriveBlindedKeyPairDeterministic(t *testing.T) {
	identity := freshIdentityKeyPair(t)

	ks1 := hskeystore.New(hskeystore.NewMemBackend(), nil)
	first, err := GetOrDeriveBlindedKeyPair(ks1, "svc", identity, 42)
	if err != nil {
		t.Fatalf("GetOrDeriveBlindedKeyPair: %v", err)
	}

	ks2 := hskeystore.New(hskeystore.NewMemBackend(), nil)
	second, err := GetOrDeriveBlindedKeyPair(ks2, "svc", identity, 42)
	if err != nil {
		t.Fatalf("GetOrDeriveBlindedKeyPair: %v", err)
	}

	if string(first.Public) != string(second.Public) {
		t.Fatal("expected blinded key derivation to be deterministic for the same identity and period")
	}
}

func TestGetOrDeriveBlindedKeyPairCachesAcrossCalls(t *testing.T) {
	identity := freshIdentityKeyPair(t)
	ks := hskeystore.New(hskeystore.NewMemBackend(), nil)

	first, err := GetOrDeriveBlindedKeyPair(ks, "svc", identity, 42)
	if err != nil {
		t.Fatalf("GetOrDeriveBlindedKeyPair: %v", err)
	}
	cached, err := GetOrDeriveBlindedKeyPair(ks, "svc", identity, 42)
	if err != nil {
		t.Fatalf("GetOrDeriveBlindedKeyPair (cached): %v", err)
	}
	if string(cached.Public) != string(first.Public) {
		t.Fatal("expected the second lookup to return the cached key pair")
	}
}

func TestGetOrDeriveBlindedKeyPairDiffersAcrossPeriods(t *testing.T) {
	identity := freshIdentityKeyPair(t)
	ks := hskeystore.New(hskeystore.NewMemBackend(), nil)

	a, err := GetOrDeriveBlindedKeyPair(ks, "svc", identity, 1)
	if err != nil {
		t.Fatalf("GetOrDeriveBlindedKeyPair: %v", err)
	}
	b, err := GetOrDeriveBlindedKeyPair(ks, "svc", identity, 2)
	if err != nil {
		t.Fatalf("GetOrDeriveBlindedKeyPair: %v", err)
	}
	if string(a.Public) == string(b.Public) {
		t.Fatal("expected different time periods to derive different blinded keys")
	}
}

func TestGetOrGenerateDescSigningKeyPairGeneratesOnceThenCaches(t *testing.T) {
	ks := hskeystore.New(hskeystore.NewMemBackend(), nil)
	calls := 0
	gen := func() (ed25519.PublicKey, ed25519.PrivateKey, error) {
		calls++
		return ed25519.GenerateKey(nil)
	}

	first, err := GetOrGenerateDescSigningKeyPair(ks, "svc", 5, gen)
	if err != nil {
		t.Fatalf("GetOrGenerateDescSigningKeyPair: %v", err)
	}
	second, err := GetOrGenerateDescSigningKeyPair(ks, "svc", 5, gen)
	if err != nil {
		t.Fatalf("GetOrGenerateDescSigningKeyPair: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected the generator to run exactly once, got %d calls", calls)
	}
	if string(first.Public) != string(second.Public) {
		t.Fatal("expected the second call to return the cached key pair")
	}
}
