package magicsig

import "testing"

func TestProbeNES(t *testing.T) {
	buf := make([]byte, ProbeSize)
	copy(buf, []byte("NES\x1a"))
	if !Probe("NES", buf) {
		t.Fatal("expected NES magic to match")
	}
	buf[0] = 'X'
	if Probe("NES", buf) {
		t.Fatal("expected corrupted NES magic to not match")
	}
}

func TestProbeUnknownFamilyAlwaysMatches(t *testing.T) {
	if !Probe("GBA", make([]byte, ProbeSize)) {
		t.Fatal("expected families with no registered check to pass")
	}
}

func TestProbeShortBuffer(t *testing.T) {
	if Probe("GENESIS", make([]byte, 4)) {
		t.Fatal("expected short buffer to fail a real check")
	}
}
