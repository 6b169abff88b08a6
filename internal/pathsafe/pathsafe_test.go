package pathsafe

import "testing"

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"  Super Mario   World.sfc ": "Super Mario World.sfc",
		`weird<>:"/\|?*name.nes`:     "weirdname.nes",
		"...hidden.nes":              "hidden.nes",
		"../../etc/passwd":           "etcpasswd",
		"":                           "unnamed",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfineRejectsEscape(t *testing.T) {
	if _, err := Confine("/srv/roms", "..", "..", "etc", "passwd"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
}

func TestConfineAllowsNested(t *testing.T) {
	got, err := Confine("/srv/roms", "snes", "game.sfc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "/srv/roms/snes/game.sfc"
	if got != want {
		t.Errorf("Confine = %q, want %q", got, want)
	}
}
