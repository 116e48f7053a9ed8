package resources

import "strings"

import "testing"

func TestGetFallbackAuthorities(t *testing.T) {
	authorities, err := GetFallbackAuthorities()
	if err != nil {
		t.Fatalf("GetFallbackAuthorities() failed: %v", err)
	}

	if len(authorities) == 0 {
		t.Fatal("GetFallbackAuthorities() returned empty list")
	}

	for _, auth := range authorities {
		if !strings.HasPrefix(auth, "http://") && !strings.HasPrefix(auth, "https://") {
			t.Errorf("invalid authority URL: %s", auth)
		}
	}
}

func TestGetFallbackAuthoritiesReturnsCopy(t *testing.T) {
	a, err := GetFallbackAuthorities()
	if err != nil {
		t.Fatalf("GetFallbackAuthorities() failed: %v", err)
	}
	a[0] = "mutated"

	b, err := GetFallbackAuthorities()
	if err != nil {
		t.Fatalf("GetFallbackAuthorities() failed: %v", err)
	}
	if b[0] == "mutated" {
		t.Fatal("GetFallbackAuthorities() leaked internal slice to caller")
	}
}
