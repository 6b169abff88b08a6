package romid

import "testing"

func TestDigestRoundTrip(t *testing.T) {
	d := FromBytes([]byte("hello world"))
	if !d.Valid() {
		t.Fatal("expected valid digest")
	}
	s := d.String()
	got, ok := ParseDigest(s)
	if !ok {
		t.Fatalf("ParseDigest(%q) failed", s)
	}
	if got != d {
		t.Fatalf("round-trip mismatch: %v != %v", got, d)
	}
}

func TestParseDigestRejectsBadInput(t *testing.T) {
	for _, s := range []string{"", "abc", "zz" + ZeroDigest.String()[2:]} {
		if _, ok := ParseDigest(s); ok {
			t.Errorf("ParseDigest(%q) unexpectedly succeeded", s)
		}
	}
}

func TestFingerprintPrefersDigest(t *testing.T) {
	d := FromBytes([]byte("content"))
	fp := NewFingerprint(d, "ignored.nes", 123)
	if fp.Digest != d {
		t.Fatal("expected digest fingerprint when declared")
	}

	fp2 := NewFingerprint(ZeroDigest, "game.nes", 40)
	if fp2.Digest.Valid() {
		t.Fatal("expected zero digest when not declared")
	}
	if fp2.SanitizedName != "game.nes" || fp2.DeclaredSize != 40 {
		t.Fatal("expected name/size fingerprint")
	}
}
