package platform

import "testing"

func TestClassifyByExtensionTieBreak(t *testing.T) {
	// ".bin" is claimed by snes, n64, genesis, and psx, in that
	// registration order; snes must win.
	id, ok := ClassifyByExtension("game.bin")
	if !ok || id != "snes" {
		t.Fatalf("ClassifyByExtension(.bin) = %v, %v; want snes, true", id, ok)
	}
}

func TestClassifyByExtensionUnknown(t *testing.T) {
	if _, ok := ClassifyByExtension("game.exe"); ok {
		t.Fatal("expected no match for .exe")
	}
	if _, ok := ClassifyByExtension("no-extension"); ok {
		t.Fatal("expected no match for extensionless name")
	}
}

func TestIsArchive(t *testing.T) {
	for _, name := range []string{"bundle.zip", "bundle.7z", "bundle.rar"} {
		if !IsArchive(name) {
			t.Errorf("IsArchive(%q) = false, want true", name)
		}
	}
	if IsArchive("game.nes") {
		t.Error("IsArchive(game.nes) = true, want false")
	}
}

func TestMaxSizeAndSpecFor(t *testing.T) {
	spec, ok := SpecFor("psx")
	if !ok {
		t.Fatal("expected psx to be registered")
	}
	if !spec.BIOSRequired {
		t.Error("expected psx to require BIOS")
	}
	if MaxSize("psx") != spec.MaxSize {
		t.Error("MaxSize mismatch with SpecFor")
	}
	if MaxSize("unknown-platform") != 0 {
		t.Error("expected 0 max size for unknown platform")
	}
}
