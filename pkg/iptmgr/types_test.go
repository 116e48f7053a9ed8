package iptmgr

import "testing"

func TestHsNicknameValidate(t *testing.T) {
	cases := []struct {
		name    string
		nick    HsNickname
		wantErr bool
	}{
		{"empty", "", true},
		{"valid", "my-service_01", false},
		{"too long", HsNickname(make([]byte, 33)), true},
		{"bad char", "bad service", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.nick.Validate()
			if (err != nil) != c.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func TestOnionServiceConfigValidate(t *testing.T) {
	cfg := DefaultOnionServiceConfig("svc")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	cfg.NumIntroPoints = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero num_intro_points")
	}

	cfg.NumIntroPoints = 21
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for num_intro_points over 20")
	}
}

func TestOnionServiceConfigValidateTransitionTo(t *testing.T) {
	cfg := DefaultOnionServiceConfig("svc")
	next := cfg.Clone()
	next.NumIntroPoints = 5
	if err := cfg.ValidateTransitionTo(next); err != nil {
		t.Fatalf("changing num_intro_points should be allowed: %v", err)
	}

	renamed := cfg.Clone()
	renamed.Nickname = "other"
	if err := cfg.ValidateTransitionTo(renamed); err == nil {
		t.Fatal("expected rejection of nickname change")
	}

	reanon := cfg.Clone()
	reanon.Anonymity = SingleOnion
	if err := cfg.ValidateTransitionTo(reanon); err == nil {
		t.Fatal("expected rejection of anonymity change")
	}
}

func TestTimeRangeSample(t *testing.T) {
	r := TimeRange{Min: 0, Max: 0}
	if got := r.Sample(func() float64 { return 0.5 }); got != 0 {
		t.Fatalf("degenerate range should always return Min, got %v", got)
	}
}

func TestIptRelayCurrentIpt(t *testing.T) {
	relay := &IptRelay{}
	if relay.CurrentIpt() != nil {
		t.Fatal("expected nil on empty relay")
	}
	ipt := &Ipt{IsCurrent: true}
	relay.Ipts = append(relay.Ipts, ipt)
	if relay.CurrentIpt() != ipt {
		t.Fatal("expected the current ipt to be returned")
	}
}
