package transport

import "testing"

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:FF"},
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF"},
		{" 00:02:5b:00:a5:a5 ", "00:02:5B:00:A5:A5"},
		{"not-an-address", "NOT-AN-ADDRESS"},
	}

	for _, tc := range tests {
		if got := NormalizeAddress(tc.in); got != tc.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEquivalentSet(t *testing.T) {
	own := GATTIdentity("peripheral-1")

	tests := []struct {
		name      string
		addresses []string
		serials   []string
		wantLen   int
	}{
		{"empty", nil, nil, 0},
		{"blank entries", []string{""}, []string{" "}, 0},
		{"address only", []string{"00:02:5B:00:A5:A5"}, nil, 2},
		{"two serials", nil, []string{"L123", "R456"}, 3},
		{"duplicates collapse", []string{"00025b00a5a5", "00:02:5B:00:A5:A5"}, []string{"S", "S"}, 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := EquivalentSet(own, tc.addresses, tc.serials)
			if len(got) != tc.wantLen {
				t.Fatalf("EquivalentSet() = %v, want %d entries", got, tc.wantLen)
			}
			if tc.wantLen > 0 && !Contains(got, own) {
				t.Errorf("EquivalentSet() = %v, does not contain own identity", got)
			}
		})
	}
}

func TestEquivalentAcrossTransports(t *testing.T) {
	// Both earbuds of a pair report the same address; the secondary is
	// reached over a different transport after handover.
	primary := EquivalentSet(GATTIdentity("left"), []string{"00:02:5b:00:a5:a5"}, []string{"LEFT-1"})
	secondary := EquivalentSet(StreamIdentity("Buds", "RIGHT-1"), []string{"00-02-5B-00-A5-A5"}, []string{"RIGHT-1"})
	other := EquivalentSet(GATTIdentity("other"), []string{"11:22:33:44:55:66"}, nil)

	if !Equivalent(primary, secondary) {
		t.Errorf("Equivalent(%v, %v) = false, want true", primary, secondary)
	}
	if Equivalent(primary, other) {
		t.Errorf("Equivalent(%v, %v) = true, want false", primary, other)
	}
	if Equivalent(nil, primary) {
		t.Error("Equivalent(nil, set) = true")
	}
}
