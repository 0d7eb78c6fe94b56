package storage

import (
	"errors"
	"fmt"
)

// Contract violations. These indicate misuse and are never retried.
var (
	ErrSchemaConflict  = errors.New("source already registered with a different schema")
	ErrNotRegistered   = errors.New("source not registered")
	ErrAlreadyPrepared = errors.New("source already has a live sink")
	ErrClosed          = errors.New("closed")
	ErrShapeMismatch   = errors.New("frame shape does not match source")
	ErrDTypeMismatch   = errors.New("frame dtype does not match source")
	ErrOutOfRange      = errors.New("indices written is below the last reported index")
	ErrInvalidSource   = errors.New("invalid source info")
	ErrKeyConflict     = errors.New("array key already used by another source in the store")
)

// ErrSourceComplete is returned when preparing a source that has already been
// completed and the writer does not allow resumption. It matches ErrClosed.
var ErrSourceComplete = fmt.Errorf("%w: source complete", ErrClosed)

// ErrCapacityExceeded is recoverable: the caller may close the sink and
// finalize early.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// Backend faults.
var (
	// ErrBackendUnavailable is returned when a backend name has no factory.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendIO wraps any failure reported by the storage engine. The
	// affected store is unusable until reopened.
	ErrBackendIO = errors.New("backend I/O failure")
)

// ErrNoStorage is returned by components that need a Proxy when the session
// has no storage configured.
var ErrNoStorage = errors.New("no storage configured")
