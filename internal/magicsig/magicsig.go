// Package magicsig implements the signature probe C2 uses to sanity-check
// an assembled ROM against the platform its extension implied: reads the
// first 512 bytes and compares against a family-specific magic entry,
// the same offset+prefix matching style as internal/magic's MIME sniffer.
package magicsig

import "bytes"

// ProbeSize is how many leading bytes of a file C2.probe_signature reads.
const ProbeSize = 512

// family describes the signature check for one platform.HeaderFamily.
type family struct {
	offset int
	prefix []byte
}

// families maps each recognized header family to its magic-byte check.
// Families with no reliable fixed-offset magic (GB, GBA logo headers are
// not checked here; romheader does the authoritative parse) are absent
// and Probe treats them as always matching.
var families = map[string]family{
	"NES":     {offset: 0, prefix: []byte("NES\x1a")},
	"GENESIS": {offset: 0x100, prefix: []byte("SEGA")},
	"PSX_ISO": {offset: 0x8001, prefix: []byte("CD001")},
}

// Probe reports whether prefix (the leading ProbeSize bytes of a file, or
// fewer if the file is shorter) matches the known magic for familyName.
// Families with no registered check return true (non-fatal per §4.4
// step 6: "failure is non-fatal but recorded as signature_warning").
func Probe(familyName string, prefix []byte) bool {
	f, ok := families[familyName]
	if !ok {
		return true
	}
	if f.offset+len(f.prefix) > len(prefix) {
		return false
	}
	return bytes.Equal(prefix[f.offset:f.offset+len(f.prefix)], f.prefix)
}
