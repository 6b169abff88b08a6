// Package romerr defines the stable error kinds surfaced to clients of the
// ingestion pipeline. Each kind is a distinct sentinel so callers can use
// errors.Is, while Kind returns the wire-stable string clients key off of.
package romerr

import "errors"

// Kind is one of the stable error-kind strings from the upload/assembly
// API. Clients match on this string, not on Go error text.
type Kind string

const (
	KindUnsupportedFormat  Kind = "UnsupportedFormat"
	KindOversizeForPlatform Kind = "OversizeForPlatform"
	KindAlreadyIngested    Kind = "AlreadyIngested"
	KindNotFound           Kind = "NotFound"
	KindExpired            Kind = "Expired"
	KindCancelled          Kind = "Cancelled"
	KindNotAcceptingChunks Kind = "NotAcceptingChunks"
	KindAlreadyCompleted   Kind = "AlreadyCompleted"
	KindChunkSizeMismatch  Kind = "ChunkSizeMismatch"
	KindChunkWriteFailed   Kind = "ChunkWriteFailed"
	KindAssemblyIO         Kind = "AssemblyIO"
	KindSizeMismatch       Kind = "SizeMismatch"
	KindDigestMismatch     Kind = "DigestMismatch"
	KindNoRecognizedContent Kind = "NoRecognizedContent"
	KindArchiveBomb        Kind = "ArchiveBomb"
	KindPathUnsafe         Kind = "PathUnsafe"
	KindInternal           Kind = "Internal"
)

// Error is a romvault error carrying a stable Kind alongside the usual
// message and optional wrapped cause.
type Error struct {
	K       Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.K)
	}
	return string(e.K) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Kind reports e's stable error kind.
func (e *Error) Kind() Kind { return e.K }

// New builds a Kind-carrying error with a message.
func New(k Kind, msg string) error {
	return &Error{K: k, Message: msg}
}

// Wrap builds a Kind-carrying error that wraps cause.
func Wrap(k Kind, msg string, cause error) error {
	return &Error{K: k, Message: msg, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.K == k
	}
	return false
}

// KindOf extracts the Kind carried by err, or KindInternal if err doesn't
// carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.K
	}
	return KindInternal
}
