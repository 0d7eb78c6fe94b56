package remote

import (
	"errors"

	"framestore/internal/auth"
	"framestore/internal/storage"
)

var (
	ErrUnauthenticated = errors.New("remote: authentication failed")
	ErrUnsupported     = errors.New("remote: operation not supported by the server")
	ErrBadRequest      = errors.New("remote: bad request")
	ErrProtocol        = errors.New("remote: protocol version mismatch")
)

// wireCodes maps sentinels to wire codes. Order matters: more specific
// errors come before the errors they wrap.
var wireCodes = []struct {
	code string
	err  error
}{
	{"source_complete", storage.ErrSourceComplete},
	{"schema_conflict", storage.ErrSchemaConflict},
	{"not_registered", storage.ErrNotRegistered},
	{"already_prepared", storage.ErrAlreadyPrepared},
	{"closed", storage.ErrClosed},
	{"shape_mismatch", storage.ErrShapeMismatch},
	{"dtype_mismatch", storage.ErrDTypeMismatch},
	{"out_of_range", storage.ErrOutOfRange},
	{"invalid_source", storage.ErrInvalidSource},
	{"key_conflict", storage.ErrKeyConflict},
	{"capacity_exceeded", storage.ErrCapacityExceeded},
	{"backend_unavailable", storage.ErrBackendUnavailable},
	{"backend_io", storage.ErrBackendIO},
	{"unauthenticated", ErrUnauthenticated},
	{"insufficient_scope", auth.ErrInsufficientScope},
	{"unsupported", ErrUnsupported},
	{"protocol", ErrProtocol},
	{"bad_request", ErrBadRequest},
}

const codeInternal = "internal"

// RemoteError is an error reported by the server. It unwraps to the
// sentinel its code names, so errors.Is works across the connection.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error {
	for _, c := range wireCodes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}

func errorCode(err error) string {
	for _, c := range wireCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return codeInternal
}
