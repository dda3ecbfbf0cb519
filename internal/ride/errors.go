package ride

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthResolution means no usable credential or userId could be
	// resolved. Fatal to the connect attempt, never retried automatically.
	ErrAuthResolution = errors.New("credential does not resolve to a user id")

	// ErrNotConnected is returned by emits attempted on a connection that
	// has not completed its handshake. Non-fatal; the emit is a no-op.
	ErrNotConnected = errors.New("socket not connected")

	// ErrConnectionUnavailable means the bounded connect-and-retry path was
	// exhausted without reaching the server.
	ErrConnectionUnavailable = errors.New("connection unavailable")

	// ErrAckTimeout means no acknowledgement arrived within the bound.
	// Treated identically to a negative ack.
	ErrAckTimeout = errors.New("acknowledgement timed out")

	// ErrPrecondition means the operation is not valid in the machine's
	// current state. Rejected locally, never sent to the server.
	ErrPrecondition = errors.New("operation not valid in current state")
)

// Rejection is an explicit server refusal (success:false or an error
// event). The message is surfaced to the caller verbatim.
type Rejection struct {
	Message string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return "rejected by server"
	}
	return r.Message
}

// DecodeError marks a payload that did not match the expected shape. The
// carrying event is dropped and no state is touched.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
