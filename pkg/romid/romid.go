// Package romid defines the value types used to name uploads, chunks, and
// catalog entries: content digests, opaque ids, and the dedup fingerprint.
package romid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/google/uuid"
)

// Digest is a SHA-256 content digest. It is a value type: safe for use as
// a map key and for equality with ==.
type Digest [sha256.Size]byte

// ZeroDigest is the invalid, unset Digest.
var ZeroDigest Digest

// Valid reports whether d is non-zero.
func (d Digest) Valid() bool { return d != ZeroDigest }

// String returns the lowercase hex encoding of d.
func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// NewHasher returns the hash.Hash used to compute Digests.
func NewHasher() hash.Hash { return sha256.New() }

// FromHash finalizes h (which must have been built with NewHasher) into a
// Digest without mutating h's running state for callers that keep hashing.
func FromHash(h hash.Hash) Digest {
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// FromBytes computes the Digest of data directly.
func FromBytes(data []byte) Digest {
	h := sha256.Sum256(data)
	return Digest(h)
}

// ParseDigest parses a lowercase hex SHA-256 digest string.
func ParseDigest(s string) (Digest, bool) {
	var d Digest
	if len(s) != hex.EncodedLen(sha256.Size) {
		return d, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, false
	}
	copy(d[:], b)
	return d, true
}

// ID is an opaque unique token identifying an Upload, a temp Scope, or a
// progress Subscription. It carries no semantic meaning beyond identity.
type ID string

// NewID mints a fresh random ID.
func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

// Valid reports whether id is non-empty.
func (id ID) Valid() bool { return id != "" }

// Fingerprint is the dedup key used at upload-initiation time: the
// declared digest when the client supplied one, else the (name, size)
// pair. Two Fingerprints compare equal with == when they'd collide for
// dedup purposes.
type Fingerprint struct {
	Digest       Digest // zero if not declared
	SanitizedName string // used only when Digest is zero
	DeclaredSize int64  // used only when Digest is zero
}

// NewFingerprint builds the Fingerprint for an incoming upload per §3: the
// declared digest when provided, else (sanitized_name, declared_size).
func NewFingerprint(declaredDigest Digest, sanitizedName string, declaredSize int64) Fingerprint {
	if declaredDigest.Valid() {
		return Fingerprint{Digest: declaredDigest}
	}
	return Fingerprint{SanitizedName: sanitizedName, DeclaredSize: declaredSize}
}

func (f Fingerprint) String() string {
	if f.Digest.Valid() {
		return "digest:" + f.Digest.String()
	}
	return fmt.Sprintf("name:%s/%d", f.SanitizedName, f.DeclaredSize)
}
