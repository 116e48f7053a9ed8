package hskeystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func genEd25519() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, err
	}
	return Ed25519KeyPair{Public: pub, Private: priv}, nil
}

func TestGetOrGenerateEd25519GeneratesOnce(t *testing.T) {
	store := New(NewMemBackend(), nil)
	spec := Specifier{Nickname: "svc", Role: RoleHsId}

	calls := 0
	gen := func() (Ed25519KeyPair, error) {
		calls++
		return genEd25519()
	}

	first, err := store.GetOrGenerateEd25519(spec, ExpectAbsent, gen)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := store.GetOrGenerateEd25519(spec, ExpectPresent, gen)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if calls != 1 {
		t.Fatalf("expected generator invoked once, got %d", calls)
	}
	if !first.Public.Equal(second.Public) {
		t.Fatalf("expected stable key across calls")
	}
}

func TestGetOrGenerateEd25519PolicyMismatchStillSucceeds(t *testing.T) {
	store := New(NewMemBackend(), nil)
	spec := Specifier{Nickname: "svc", Role: RoleHsId}

	if _, err := store.GetOrGenerateEd25519(spec, ExpectPresent, genEd25519); err != nil {
		t.Fatalf("expect-present-but-absent should still generate: %v", err)
	}
	if _, err := store.GetOrGenerateEd25519(spec, ExpectAbsent, genEd25519); err != nil {
		t.Fatalf("expect-absent-but-present should still succeed: %v", err)
	}
}

func TestHasAndRemove(t *testing.T) {
	store := New(NewMemBackend(), nil)
	spec := Specifier{Nickname: "svc", Role: RoleHsId}

	if has, _ := store.Has(spec); has {
		t.Fatalf("expected key absent initially")
	}
	if _, err := store.GetOrGenerateEd25519(spec, ExpectAbsent, genEd25519); err != nil {
		t.Fatal(err)
	}
	if has, _ := store.Has(spec); !has {
		t.Fatalf("expected key present after generation")
	}
	if err := store.Remove(spec); err != nil {
		t.Fatal(err)
	}
	if has, _ := store.Has(spec); has {
		t.Fatalf("expected key absent after removal")
	}
}

func TestSpecifierStringIncludesLidAndPeriod(t *testing.T) {
	var lid [32]byte
	lid[0] = 0xAB
	period := uint64(12345)

	s := Specifier{Nickname: "svc", Role: RoleHsSvcNtor, Lid: &lid}
	if got := s.String(); got != "svc/hs_svc_ntor/ab00000000000000000000000000000000000000000000000000000000000000" {
		t.Fatalf("unexpected specifier string: %s", got)
	}

	s2 := Specifier{Nickname: "svc", Role: RoleHsBlindId, Period: &period}
	if got := s2.String(); got != "svc/hs_blind_id/tp12345" {
		t.Fatalf("unexpected specifier string: %s", got)
	}
}
