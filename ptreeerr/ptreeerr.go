// Package ptreeerr defines the typed error-kind vocabulary shared across
// every ptree package. Callers dispatch on Kind rather than on sentinel
// identity, since a single logical failure (for example a corrupt volume
// header) can originate in several packages.
package ptreeerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the closed set of failure categories the engine reports.
type Kind string

const (
	VolumeAlreadyExists Kind = "volume_already_exists"
	VolumeNotFound      Kind = "volume_not_found"
	VolumeClosed        Kind = "volume_closed"
	VolumeFull          Kind = "volume_full"
	ReadOnlyVolume      Kind = "read_only_volume"
	InvalidPageAddress  Kind = "invalid_page_address"
	CorruptVolume       Kind = "corrupt_volume"
	InUse               Kind = "in_use"
	PersistitIO         Kind = "io"
	Interrupted         Kind = "interrupted"
	InvalidKey          Kind = "invalid_key"
	Conversion          Kind = "conversion"
	IllegalState        Kind = "illegal_state"
	IllegalArgument     Kind = "illegal_argument"
)

// Error is the single error type constructed by every ptree package. Op
// names the failing operation ("volume.Open", "tree.Insert", ...); Err is
// the wrapped cause, which may itself be a *ptreeerr.Error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var pe *Error
	for errors.As(err, &pe) {
		if pe.Kind == kind {
			return true
		}
		err = pe.Err
		if err == nil {
			return false
		}
	}
	return false
}

// KindOf extracts the Kind of the first *Error in err's chain, or "" if
// err does not wrap one.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
