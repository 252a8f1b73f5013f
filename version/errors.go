package version

import "errors"

var (
	// ErrWouldBlock is returned by an operation that could not complete
	// inline. The listener passed to it fires exactly once when the caller
	// should call the operation again.
	ErrWouldBlock = errors.New("version: would block")

	// ErrNotFound is returned by the convenience API when a key has no
	// current version.
	ErrNotFound = errors.New("version: blob not found")

	// ErrCorrupted is returned when a stored version failed verification.
	// The version has been deleted.
	ErrCorrupted = errors.New("version: blob corrupted")

	// ErrUnavailable is returned when the current version of a key could not
	// be loaded from storage.
	ErrUnavailable = errors.New("version: storage unavailable")

	// ErrAccessDenied is returned when a password protected blob rejects a
	// create.
	ErrAccessDenied = errors.New("version: access denied")

	// ErrWriteFailed is returned when chunk or metadata writes failed and the
	// new version never became visible.
	ErrWriteFailed = errors.New("version: write failed")

	// ErrInvalidAccess is returned when an operation does not apply to the
	// accessor's access type.
	ErrInvalidAccess = errors.New("version: operation not valid for access type")

	// ErrNotInitialized is returned when an accessor is used before
	// Initialize.
	ErrNotInitialized = errors.New("version: accessor not initialized")

	// ErrNotLoaded is returned when a version is finalized before the
	// manager resolved its current version.
	ErrNotLoaded = errors.New("version: current version not resolved")
)
