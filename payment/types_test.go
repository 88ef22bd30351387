package payment

import (
	"testing"
	"time"
)

func TestWithinWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := Authorization{ValidAfter: now.Unix() - 10, ValidBefore: now.Unix() + 10}

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"inside", now, true},
		{"at validAfter", time.Unix(auth.ValidAfter, 0), true},
		{"before validAfter", time.Unix(auth.ValidAfter-1, 0), false},
		{"at validBefore", time.Unix(auth.ValidBefore, 0), false},
		{"expired", time.Unix(auth.ValidBefore+1, 0), false},
	}
	for _, tc := range cases {
		if got := auth.WithinWindow(tc.at); got != tc.want {
			t.Errorf("%s: WithinWindow = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExpiresWithinBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	budget := 120 * time.Second

	auth := Authorization{ValidBefore: now.Unix() + 120}
	if !auth.ExpiresWithin(now, budget) {
		t.Fatal("exactly 120s of headroom must count as expiring too soon")
	}
	auth.ValidBefore = now.Unix() + 121
	if auth.ExpiresWithin(now, budget) {
		t.Fatal("121s of headroom must be enough")
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount("1000000000000000000"); err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, bad := range []string{"", "abc", "-5", "1.5", "0x10"} {
		if _, err := ParseAmount(bad); err == nil {
			t.Errorf("ParseAmount(%q) should fail", bad)
		}
	}
}

func TestNonceBytes(t *testing.T) {
	auth := Authorization{Nonce: "0x0000000000000000000000000000000000000000000000000000000000000001"}
	nonce, err := auth.NonceBytes()
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	if nonce[31] != 1 {
		t.Fatalf("unexpected nonce bytes: %x", nonce)
	}
	auth.Nonce = "0x01"
	if _, err := auth.NonceBytes(); err == nil {
		t.Fatal("short nonce must be rejected")
	}
}

func TestSameAddress(t *testing.T) {
	if !SameAddress("0xAbCd000000000000000000000000000000000001", "0xabcd000000000000000000000000000000000001") {
		t.Fatal("address comparison must be case-insensitive")
	}
}
