// Package cas implements the content-addressable store: an immutable
// map from DataID to (refs, data) with pluggable backends selected by
// URL scheme.
package cas

import (
	"context"
	"fmt"

	"kiln/internal/dataid"
)

// Object is the CAS record: an ordered list of references plus opaque
// data. The object's id is dataid.Identify(Refs, Data); the store never
// normalises or mutates Data.
type Object struct {
	Refs []dataid.DataID
	Data []byte
}

// Features describes backend-specific capability flags the engine must
// respect.
type Features struct {
	// PreservesIDs is true if PutKnown is guaranteed to return the
	// caller-supplied id unchanged. File-backed and in-memory backends
	// are id-preserving; a hypothetical rewriting remote backend would
	// not be.
	PreservesIDs bool
}

// Database is the capability the engine and build-graph layers depend
// on. Implementations must be safe for concurrent use from multiple
// goroutines.
type Database interface {
	// Contains reports whether id is present. Absence is never an
	// error.
	Contains(ctx context.Context, id dataid.DataID) (bool, error)

	// Get retrieves the object stored under id, or ok=false if absent.
	// A non-nil error indicates an I/O failure or detected corruption,
	// never mere absence.
	Get(ctx context.Context, id dataid.DataID) (obj Object, ok bool, err error)

	// Identify computes the id content would receive from Put, without
	// storing anything.
	Identify(refs []dataid.DataID, data []byte) dataid.DataID

	// Put stores (refs, data) and returns its id. Repeated puts of
	// identical content are idempotent and return the same id.
	Put(ctx context.Context, refs []dataid.DataID, data []byte) (dataid.DataID, error)

	// PutKnown stores (refs, data) under a caller-supplied id. If the
	// backend is id-preserving the returned id equals the supplied one;
	// otherwise callers must use the returned id, not the supplied one.
	PutKnown(ctx context.Context, id dataid.DataID, refs []dataid.DataID, data []byte) (dataid.DataID, error)

	// Features reports this backend's capability flags.
	Features() Features
}

// ErrCorrupt indicates a PutKnown's supplied id did not match the
// content's actual identify()-computed id, on a backend that enforces
// the check.
type ErrCorrupt struct {
	Supplied dataid.DataID
	Computed dataid.DataID
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("cas: content hash mismatch: supplied %s, computed %s", e.Supplied, e.Computed)
}

// ErrSizeMismatch is returned by a file-backed store when a concurrent
// duplicate write is detected with a different size than the existing
// object, signalling non-idempotent content under the same id.
type ErrSizeMismatch struct {
	ID           dataid.DataID
	ExistingSize int
	NewSize      int
}

func (e *ErrSizeMismatch) Error() string {
	return fmt.Sprintf("cas: size mismatch for %s: existing %d, new %d", e.ID, e.ExistingSize, e.NewSize)
}
