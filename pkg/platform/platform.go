// Package platform is the static, process-wide immutable catalog of
// supported ROM platforms: their file extensions, MIME hints, size caps,
// BIOS requirements, and header family. It is C1 of the ingestion
// pipeline: a pure function of (name) -> platform, consulted by the
// upload coordinator and the assembler, never mutated at runtime.
package platform

import (
	"path/filepath"
	"strings"
)

// HeaderFamily is one of the recognized ROM header layouts.
type HeaderFamily string

const (
	FamilyNES     HeaderFamily = "NES"
	FamilySNES    HeaderFamily = "SNES"
	FamilyN64     HeaderFamily = "N64"
	FamilyGB      HeaderFamily = "GB"
	FamilyGBA     HeaderFamily = "GBA"
	FamilyGenesis HeaderFamily = "GENESIS"
	FamilyPSXISO  HeaderFamily = "PSX_ISO"
	FamilyUnknown HeaderFamily = "UNKNOWN"
)

// ID identifies a platform in the registry, e.g. "snes", "genesis".
type ID string

// Spec is the static configuration for one platform.
type Spec struct {
	ID           ID
	Extensions   []string // lowercase, without leading dot, in registration/tie-break order
	MIMEHints    []string
	MaxSize      int64
	BIOSRequired bool
	BIOSFiles    []string
	HeaderFamily HeaderFamily
}

func (s Spec) hasExtension(ext string) bool {
	for _, e := range s.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// registrationOrder lists every Spec in the order used to break ties for
// extensions that more than one Spec registers (.bin): the earlier entry
// wins.
var registrationOrder = []Spec{
	{
		ID:           "nes",
		Extensions:   []string{"nes"},
		MIMEHints:    []string{"application/x-nes-rom"},
		MaxSize:      4 * 1024 * 1024,
		HeaderFamily: FamilyNES,
	},
	{
		ID:           "snes",
		Extensions:   []string{"sfc", "smc", "bin"},
		MIMEHints:    []string{"application/x-snes-rom"},
		MaxSize:      32 * 1024 * 1024,
		HeaderFamily: FamilySNES,
	},
	{
		ID:           "n64",
		Extensions:   []string{"n64", "z64", "v64", "bin"},
		MIMEHints:    []string{"application/x-n64-rom"},
		MaxSize:      64 * 1024 * 1024,
		BIOSRequired: false,
		HeaderFamily: FamilyN64,
	},
	{
		ID:           "gb",
		Extensions:   []string{"gb"},
		MIMEHints:    []string{"application/x-gameboy-rom"},
		MaxSize:      8 * 1024 * 1024,
		HeaderFamily: FamilyGB,
	},
	{
		ID:           "gbc",
		Extensions:   []string{"gbc"},
		MIMEHints:    []string{"application/x-gameboy-color-rom"},
		MaxSize:      8 * 1024 * 1024,
		HeaderFamily: FamilyGB,
	},
	{
		ID:           "gba",
		Extensions:   []string{"gba"},
		MIMEHints:    []string{"application/x-gba-rom"},
		MaxSize:      32 * 1024 * 1024,
		HeaderFamily: FamilyGBA,
	},
	{
		ID:           "genesis",
		Extensions:   []string{"md", "gen", "bin"},
		MIMEHints:    []string{"application/x-genesis-rom"},
		MaxSize:      8 * 1024 * 1024,
		HeaderFamily: FamilyGenesis,
	},
	{
		ID:           "psx",
		Extensions:   []string{"iso", "bin", "img", "cue"},
		MIMEHints:    []string{"application/x-cd-image"},
		MaxSize:      800 * 1024 * 1024,
		BIOSRequired: true,
		BIOSFiles:    []string{"scph1001.bin", "scph5501.bin", "scph7001.bin"},
		HeaderFamily: FamilyPSXISO,
	},
}

// archiveExtensions are the extension set C1 recognizes as containers,
// per §4.1.
var archiveExtensions = map[string]bool{
	"zip": true,
	"7z":  true,
	"rar": true,
}

// byID indexes registrationOrder for Spec lookups.
var byID = func() map[ID]Spec {
	m := make(map[ID]Spec, len(registrationOrder))
	for _, s := range registrationOrder {
		m[s.ID] = s
	}
	return m
}()

func extOf(name string) string {
	ext := filepath.Ext(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// ClassifyByExtension returns the platform for name's extension, using
// registration order to break ties among platforms that share an
// extension (.bin). It returns ("", false) if no platform claims
// the extension.
func ClassifyByExtension(name string) (ID, bool) {
	ext := extOf(name)
	if ext == "" {
		return "", false
	}
	for _, s := range registrationOrder {
		if s.hasExtension(ext) {
			return s.ID, true
		}
	}
	return "", false
}

// SpecFor returns the PlatformSpec for id, or (Spec{}, false) if id is
// unknown.
func SpecFor(id ID) (Spec, bool) {
	s, ok := byID[id]
	return s, ok
}

// MaxSize returns the size cap for id, or 0 if id is unknown.
func MaxSize(id ID) int64 {
	if s, ok := byID[id]; ok {
		return s.MaxSize
	}
	return 0
}

// IsArchive reports whether name's extension identifies a container
// format (zip, 7z, rar) whose content must be extracted before platform
// classification can be finalized.
func IsArchive(name string) bool {
	return archiveExtensions[extOf(name)]
}

// All returns every registered Spec in registration order. Callers must
// not mutate the returned slice's Specs.
func All() []Spec {
	out := make([]Spec, len(registrationOrder))
	copy(out, registrationOrder)
	return out
}

// largestMaxSize is the biggest MaxSize across every registered Spec,
// computed once since registrationOrder never changes at runtime.
var largestMaxSize = func() int64 {
	var max int64
	for _, s := range registrationOrder {
		if s.MaxSize > max {
			max = s.MaxSize
		}
	}
	return max
}()

// ArchiveSizeCap is the size ceiling applied to uploads whose platform
// can't be determined until after extraction (archives): the largest
// MaxSize of any registered platform, times the §4.2/§9 archive-bomb
// "total extracted bytes > max_size of any platform × 2" multiplier.
func ArchiveSizeCap() int64 {
	return largestMaxSize * 2
}
