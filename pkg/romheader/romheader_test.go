package romheader

import (
	"encoding/binary"
	"testing"

	"romvault.dev/romvault/pkg/platform"
)

func TestParseNES(t *testing.T) {
	data := make([]byte, 16)
	copy(data, []byte("NES\x1a"))
	data[6] = 0x01 // PAL flag set
	info, ok := Parse(platform.FamilyNES, data)
	if !ok {
		t.Fatal("expected NES header to parse")
	}
	if info.Region != "PAL" {
		t.Errorf("Region = %q, want PAL", info.Region)
	}
}

func TestParseNESRejectsBadMagic(t *testing.T) {
	data := make([]byte, 16)
	if _, ok := Parse(platform.FamilyNES, data); ok {
		t.Fatal("expected missing magic to fail")
	}
}

func TestParseSNES(t *testing.T) {
	data := make([]byte, 0x8000)
	off := 0x7FC0
	title := "SUPER GAME           "[:21]
	copy(data[off:off+21], title)
	checksum := uint16(0x1234)
	complement := checksum ^ 0xFFFF
	binary.LittleEndian.PutUint16(data[off+28:off+30], checksum)
	binary.LittleEndian.PutUint16(data[off+30:off+32], complement)

	info, ok := Parse(platform.FamilySNES, data)
	if !ok {
		t.Fatal("expected SNES header to parse")
	}
	if info.Title != "SUPER GAME" {
		t.Errorf("Title = %q, want %q", info.Title, "SUPER GAME")
	}
	if info.Checksum != "1234" {
		t.Errorf("Checksum = %q, want 1234", info.Checksum)
	}
}

func TestParseN64(t *testing.T) {
	data := make([]byte, 64)
	binary.BigEndian.PutUint32(data[0:4], 0x80371240)
	copy(data[32:52], "MARIO KART 64       ")
	copy(data[59:63], "NKTE")
	info, ok := Parse(platform.FamilyN64, data)
	if !ok {
		t.Fatal("expected N64 header to parse")
	}
	if info.Title != "MARIO KART 64" {
		t.Errorf("Title = %q", info.Title)
	}
	if info.Version != "NKTE" {
		t.Errorf("Version (game code) = %q", info.Version)
	}
}

func TestParseGB(t *testing.T) {
	data := make([]byte, 0x150)
	copy(data[0x134:0x144], "TETRIS")
	data[0x143] = 0xC0
	data[0x146] = 0x03
	info, ok := Parse(platform.FamilyGB, data)
	if !ok {
		t.Fatal("expected GB header to parse")
	}
	if info.Title != "TETRIS" {
		t.Errorf("Title = %q", info.Title)
	}
	if info.Region != "CGB+SGB" {
		t.Errorf("Region = %q, want CGB+SGB", info.Region)
	}
}

func TestParseGBA(t *testing.T) {
	data := make([]byte, 0xB0)
	copy(data[0xA0:0xAC], "ZELDA MC")
	copy(data[0xAC:0xB0], "AZMP")
	info, ok := Parse(platform.FamilyGBA, data)
	if !ok {
		t.Fatal("expected GBA header to parse")
	}
	if info.Title != "ZELDA MC" {
		t.Errorf("Title = %q", info.Title)
	}
	if info.Version != "AZMP" {
		t.Errorf("Version (game code) = %q", info.Version)
	}
}

func TestParseGenesis(t *testing.T) {
	data := make([]byte, 0x1F3)
	copy(data[0x100:0x110], "SEGA GENESIS    ")
	copy(data[0x150:0x190], "SONIC THE HEDGEHOG 2")
	copy(data[0x1F0:0x1F3], "U  ")
	info, ok := Parse(platform.FamilyGenesis, data)
	if !ok {
		t.Fatal("expected Genesis header to parse")
	}
	if info.Title != "SONIC THE HEDGEHOG 2" {
		t.Errorf("Title = %q", info.Title)
	}
	if info.Region != "U" {
		t.Errorf("Region = %q, want U", info.Region)
	}
}

func TestParsePSXISO(t *testing.T) {
	data := make([]byte, 0x8000+2048)
	copy(data[0x8001:0x8006], "CD001")
	if _, ok := Parse(platform.FamilyPSXISO, data); !ok {
		t.Fatal("expected PSX ISO header to parse")
	}
}

func TestParseUnknownFamily(t *testing.T) {
	if _, ok := Parse(platform.FamilyUnknown, []byte{1, 2, 3}); ok {
		t.Fatal("expected unknown family to fail")
	}
}
