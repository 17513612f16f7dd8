// Package errs defines the failure kinds surfaced by the pseudonymisation
// pipeline. Every kind is a sentinel usable with errors.Is; Error carries the
// failing operation and an optional cause.
package errs

import (
	"errors"
	"fmt"
)

// Failure kinds.
var (
	ErrMalformedContainer     = errors.New("wsi: malformed container")
	ErrUnsupportedPlaneLayout = errors.New("wsi: unsupported plane layout")
	ErrIdentityMismatch       = errors.New("wsi: identity mismatch")
	ErrBarcodeNotFound        = errors.New("wsi: barcode not found")
	ErrBarcodeUnreadable      = errors.New("wsi: barcode unreadable")
	ErrPayloadTooLarge        = errors.New("wsi: barcode payload too large")
	ErrMappingConflict        = errors.New("wsi: mapping conflict")
	ErrNotFound               = errors.New("wsi: not found")
	ErrStoreUnavailable       = errors.New("wsi: store unavailable")
	ErrAtomicReplaceFailed    = errors.New("wsi: atomic replace failed")
	ErrInvalidTimestamp       = errors.New("wsi: invalid timestamp")
)

// ErrPseudonymTaken reports that the pseudonym id or surrogate id of a new
// mapping is already stored. It is resolved inside the mapping service and
// is not a kind surfaced to callers.
var ErrPseudonymTaken = errors.New("wsi: pseudonym already taken")

// Error is a kind tagged with the operation that produced it.
type Error struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Op + ": " + e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind with a formatted message.
func New(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around err.
func Wrap(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Retryable reports whether err belongs to a kind that is retried internally.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrMappingConflict)
}

// KindOf returns the sentinel kind carried by err, or nil.
func KindOf(err error) error {
	for _, k := range []error{
		ErrMalformedContainer, ErrUnsupportedPlaneLayout, ErrIdentityMismatch,
		ErrBarcodeNotFound, ErrBarcodeUnreadable, ErrPayloadTooLarge,
		ErrMappingConflict, ErrNotFound, ErrStoreUnavailable,
		ErrAtomicReplaceFailed, ErrInvalidTimestamp,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
