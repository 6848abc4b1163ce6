package server

import (
	"errors"
	"fmt"
)

// Errors returned by the coordinator, stores, and query engine. Callers
// match them with errors.Is.
var (
	// ErrRecordNotFound means no record exists for the requested id.
	ErrRecordNotFound = errors.New("record not found")
	// ErrForbidden means the record exists but belongs to a different owner.
	// The HTTP layer reports it exactly like ErrRecordNotFound so callers
	// cannot probe for foreign record ids.
	ErrForbidden = errors.New("record owned by another user")
	// ErrConflict means the record's status changed underneath the caller.
	ErrConflict = errors.New("record state conflict")
	// ErrBlobMissing means activation was requested but no object exists at
	// the record's object_ref.
	ErrBlobMissing = errors.New("blob not found in object storage")
	// ErrDuplicateID means a generated record id collided with an existing one.
	ErrDuplicateID = errors.New("record id already exists")
	// ErrStoreUnavailable means the metadata or blob store could not be
	// reached, or the call timed out after retries.
	ErrStoreUnavailable = errors.New("storage backend unavailable")
	// ErrCacheMiss means the cache has no entry for the key.
	ErrCacheMiss = errors.New("not found in cache")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// storeUnavailable wraps a backend failure so it maps to ErrStoreUnavailable
// while keeping the underlying cause in the message.
func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStoreUnavailable)
}
