package cloudvars

import "errors"

// The closed set of failure kinds the client can return. Wrapped values
// carry detail; callers match with errors.Is.
var (
	// ErrConnTimeout indicates a dial or round trip that did not settle
	// within its deadline. The associated socket is closed as a side
	// effect.
	ErrConnTimeout = errors.New("connection timed out")
	// ErrConnFailed indicates a socket-level failure (dial error, read
	// error) before the operation could complete.
	ErrConnFailed = errors.New("connection failed")
	// ErrConnClosed indicates the shared write socket closed while the
	// operation was queued or in flight. The caller must retry; the
	// client does not re-dial on its own behalf.
	ErrConnClosed = errors.New("connection closed")
	// ErrRemoteRejected indicates the remote acked a write with a reply
	// other than "OK".
	ErrRemoteRejected = errors.New("write rejected by the remote store")
	// ErrMalformed indicates an inbound frame that could not be parsed,
	// or did not match any known message kind.
	ErrMalformed = errors.New("malformed message from the remote store")
	// ErrInvalidArgument indicates caller input the remote store would
	// not accept, e.g. an empty write value.
	ErrInvalidArgument = errors.New("invalid argument")
)
