// Package keyerr defines the error taxonomy shared by the key-management core.
//
// Components return the sentinel errors below, usually wrapped in an *Error
// carrying the failing operation and key ID. Callers test with errors.Is.
package keyerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned when a component is used before it has
	// been fully constructed (for example, the store has no master key).
	ErrNotInitialized = errors.New("not initialized")

	// ErrInvalidParameters is returned for malformed input.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrEntropyFailure is returned when the entropy source fails or produces
	// degenerate output. It is never recovered from by weakening randomness.
	ErrEntropyFailure = errors.New("entropy failure")

	// ErrKeyNotFound is returned when no entry exists for a key ID.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyInvalidState is returned when a key is expired, revoked or
	// compromised, or otherwise not in a state permitting the operation.
	ErrKeyInvalidState = errors.New("key in invalid state")

	// ErrIntegrityFailure is returned for every checksum, authentication-tag
	// or signature mismatch. It never says which check failed.
	ErrIntegrityFailure = errors.New("integrity failure")

	// ErrEncryptionFailure is returned when a cipher cannot be constructed or
	// sealing fails.
	ErrEncryptionFailure = errors.New("encryption failure")

	// ErrExportNotAllowed is returned when exporting a key not marked
	// transportable.
	ErrExportNotAllowed = errors.New("export not allowed")

	// ErrStorageUnavailable is returned when the storage collaborator cannot
	// load or save a blob.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Error adds the operation and key ID to a sentinel error.
type Error struct {
	Op    string
	KeyID string
	Err   error
}

// E wraps err with operation context.
func E(op, keyID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, KeyID: keyID, Err: err}
}

func (e *Error) Error() string {
	if e.KeyID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.KeyID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns the sentinel matched by err, or nil when err carries none.
func Kind(err error) error {
	for _, sentinel := range []error{
		ErrNotInitialized,
		ErrInvalidParameters,
		ErrEntropyFailure,
		ErrKeyNotFound,
		ErrKeyInvalidState,
		ErrIntegrityFailure,
		ErrEncryptionFailure,
		ErrExportNotAllowed,
		ErrStorageUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

// Label returns a short metric/log label for err.
func Label(err error) string {
	switch Kind(err) {
	case ErrNotInitialized:
		return "not_initialized"
	case ErrInvalidParameters:
		return "invalid_parameters"
	case ErrEntropyFailure:
		return "entropy_failure"
	case ErrKeyNotFound:
		return "key_not_found"
	case ErrKeyInvalidState:
		return "key_invalid_state"
	case ErrIntegrityFailure:
		return "integrity_failure"
	case ErrEncryptionFailure:
		return "encryption_failure"
	case ErrExportNotAllowed:
		return "export_not_allowed"
	case ErrStorageUnavailable:
		return "storage_unavailable"
	default:
		return "internal"
	}
}
