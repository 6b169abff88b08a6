// Package romheader parses the bit-exact ROM header layouts enumerated in
// the ingestion spec: iNES, SNES, N64, Game Boy, GBA, Genesis, and PSX
// ISO. Parse is invoked by the assembler (C4) after archive extraction,
// on the main file's first bytes.
package romheader

import (
	"bytes"
	"encoding/binary"
	"strings"

	"romvault.dev/romvault/pkg/platform"
)

// Info is the union of fields any header family may populate. Fields not
// defined for a given family are left zero/empty.
type Info struct {
	Family    platform.HeaderFamily
	Title     string
	Region    string
	Version   string
	Checksum  string // hex, when the family defines one
	Signature bool   // not set by Parse: a parser whose family has a fixed-offset magic returns ok=false when it does not match
}

// Parse dispatches to the family-specific parser for fam, reading from
// data (the main file's bytes; only the leading portion relevant to the
// family's layout is examined). ok is false if data is too short for the
// family's layout or the family is unrecognized.
func Parse(fam platform.HeaderFamily, data []byte) (Info, bool) {
	switch fam {
	case platform.FamilyNES:
		return parseNES(data)
	case platform.FamilySNES:
		return parseSNES(data)
	case platform.FamilyN64:
		return parseN64(data)
	case platform.FamilyGB:
		return parseGB(data)
	case platform.FamilyGBA:
		return parseGBA(data)
	case platform.FamilyGenesis:
		return parseGenesis(data)
	case platform.FamilyPSXISO:
		return parsePSXISO(data)
	default:
		return Info{}, false
	}
}

func parseNES(data []byte) (Info, bool) {
	if len(data) < 16 || !bytes.Equal(data[:4], []byte("NES\x1a")) {
		return Info{}, false
	}
	region := "NTSC"
	if data[6]&0x01 != 0 {
		region = "PAL"
	}
	return Info{
		Family: platform.FamilyNES,
		Region: region,
	}, true
}

// snesHeaderOffsets are the candidate locations for the SNES internal
// header, tried in order; the first one whose checksum complement
// validates wins.
var snesHeaderOffsets = []int{0x7FC0, 0xFFC0, 0x40C0}

func parseSNES(data []byte) (Info, bool) {
	for _, off := range snesHeaderOffsets {
		if off+32 > len(data) {
			continue
		}
		h := data[off : off+32]
		checksum := binary.LittleEndian.Uint16(h[28:30])
		complement := binary.LittleEndian.Uint16(h[30:32])
		if checksum^complement != 0xFFFF {
			continue
		}
		title := strings.TrimRight(string(h[0:21]), " \x00")
		return Info{
			Family:   platform.FamilySNES,
			Title:    title,
			Checksum: uint16Hex(checksum),
		}, true
	}
	return Info{}, false
}

func parseN64(data []byte) (Info, bool) {
	if len(data) < 63 {
		return Info{}, false
	}
	if binary.BigEndian.Uint32(data[0:4]) != 0x80371240 {
		return Info{}, false
	}
	title := strings.TrimRight(string(data[32:52]), " \x00")
	gameCode := string(data[59:63])
	return Info{
		Family:  platform.FamilyN64,
		Title:   title,
		Version: gameCode,
	}, true
}

func parseGB(data []byte) (Info, bool) {
	if len(data) < 0x150 {
		return Info{}, false
	}
	cgbFlag := data[0x143]
	sgbFlag := data[0x146]
	// On CGB-flagged cartridges 0x143 holds the flag, not a title byte.
	titleEnd := 0x144
	if cgbFlag == 0x80 || cgbFlag == 0xC0 {
		titleEnd = 0x143
	}
	title := strings.TrimRight(string(data[0x134:titleEnd]), " \x00")
	region := ""
	if cgbFlag == 0x80 || cgbFlag == 0xC0 {
		region = "CGB"
	}
	if sgbFlag == 0x03 {
		if region != "" {
			region += "+SGB"
		} else {
			region = "SGB"
		}
	}
	return Info{
		Family: platform.FamilyGB,
		Title:  title,
		Region: region,
	}, true
}

func parseGBA(data []byte) (Info, bool) {
	if len(data) < 0xB0 {
		return Info{}, false
	}
	title := strings.TrimRight(string(data[0xA0:0xAC]), " \x00")
	gameCode := string(data[0xAC:0xB0])
	return Info{
		Family:  platform.FamilyGBA,
		Title:   title,
		Version: gameCode,
	}, true
}

func parseGenesis(data []byte) (Info, bool) {
	if len(data) < 0x1F3 {
		return Info{}, false
	}
	if !bytes.Contains(data[0x100:0x110], []byte("SEGA")) {
		return Info{}, false
	}
	title := strings.Trim(string(data[0x150:0x190]), " \x00")
	region := strings.Trim(string(data[0x1F0:0x1F3]), " \x00")
	return Info{
		Family: platform.FamilyGenesis,
		Title:  title,
		Region: region,
	}, true
}

func parsePSXISO(data []byte) (Info, bool) {
	const sectorOffset = 0x8000
	const sectorSize = 2048
	if len(data) < sectorOffset+sectorSize {
		return Info{}, false
	}
	sector := data[sectorOffset : sectorOffset+sectorSize]
	if !bytes.Equal(sector[1:6], []byte("CD001")) {
		return Info{}, false
	}
	return Info{
		Family: platform.FamilyPSXISO,
	}, true
}

func uint16Hex(v uint16) string {
	const hexDigits = "0123456789abcdef"
	b := [4]byte{
		hexDigits[(v>>12)&0xF],
		hexDigits[(v>>8)&0xF],
		hexDigits[(v>>4)&0xF],
		hexDigits[v&0xF],
	}
	return string(b[:])
}
