package types

import "testing"

func TestSeededIDsAreStable(t *testing.T) {
	a1 := AuthorityFromSeed(10)
	a2 := AuthorityFromSeed(10)
	b := AuthorityFromSeed(20)
	if a1 != a2 {
		t.Fatalf("seeded authority changed between calls: %s vs %s", a1, a2)
	}
	if a1 == b {
		t.Fatalf("different seeds produced the same authority")
	}
	if AuthorityID(DeviceFromSeed(10)) == a1 {
		t.Fatalf("device and authority share a seed namespace")
	}
}

func TestParseRoundTrip(t *testing.T) {
	a := NewAuthorityID()
	p, err := ParseAuthorityID(a.String())
	if err != nil || p != a {
		t.Fatalf("parse authority: %v %s", err, p)
	}
	var h Hash32
	h[0], h[31] = 0xab, 0x01
	ph, err := ParseHash32(h.String())
	if err != nil || ph != h {
		t.Fatalf("parse hash: %v", err)
	}
	if _, err := ParseHash32("abcd"); err == nil {
		t.Fatalf("short hash should not parse")
	}
}

func TestContextFromHash(t *testing.T) {
	var h Hash32
	for i := range h {
		h[i] = byte(i)
	}
	c := ContextFromHash(h)
	for i := 0; i < 16; i++ {
		if c[i] != byte(i) {
			t.Fatalf("byte %d: got %d", i, c[i])
		}
	}
}
