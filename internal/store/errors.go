package store

import (
	"errors"
	"fmt"
)

// Common errors returned or logged by the Store.
//
//	if errors.Is(err, store.ErrMalformedPayload) {
//	    // reject the import, local state is untouched
//	}
var (
	// ErrCollectionNotArray is logged when a persisted collection was not a
	// JSON array. Reads of that collection return an empty sequence.
	ErrCollectionNotArray = errors.New("collection is not an array")

	// ErrMalformedPayload is returned when an import or snapshot document
	// fails shape validation.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNoSnapshotSource is returned by operations that need a remote
	// snapshot when the Store was built without one.
	ErrNoSnapshotSource = errors.New("no snapshot source configured")
)

// ImportError describes where a payload failed validation.
//
// errors.Is(err, ErrMalformedPayload) holds for every ImportError.
type ImportError struct {
	// Collection is the collection being decoded, empty for top-level errors.
	Collection string

	// Index is the record position within Collection, -1 when not applicable.
	Index int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ImportError) Error() string {
	switch {
	case e.Collection == "":
		return fmt.Sprintf("%s: %v", ErrMalformedPayload, e.Err)
	case e.Index < 0:
		return fmt.Sprintf("%s: collection %q: %v", ErrMalformedPayload, e.Collection, e.Err)
	default:
		return fmt.Sprintf("%s: collection %q record %d: %v", ErrMalformedPayload, e.Collection, e.Index, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *ImportError) Unwrap() error { return e.Err }

// Is matches ErrMalformedPayload.
func (e *ImportError) Is(target error) bool { return target == ErrMalformedPayload }
