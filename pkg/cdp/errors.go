package cdp

import (
	"errors"
	"fmt"

	droverrs "github.com/odvcencio/drover/pkg/errors"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrConnClosed      = errors.New("connection closed")
	ErrAlreadyDetached = errors.New("session already detached")
)

// sessionClosedError builds the error every command aborted by detach
// receives. It unwraps to ErrSessionClosed so callers can detect it with
// errors.Is, and the "session closed" marker stays in the message for
// substring checks.
func sessionClosedError(sessionID string) *droverrs.Error {
	return droverrs.Wrap(ErrSessionClosed, droverrs.ErrCodeSessionClosed, "no further commands accepted").
		WithContext("session_id", sessionID)
}

// protocolError converts a peer rejection into an error that names the
// failing method and carries the stack captured at the Send call site, so
// the trace identifies the application-level caller rather than the read
// loop.
func protocolError(method string, stack []droverrs.Frame, perr *MessageError) *droverrs.Error {
	return droverrs.Wrap(perr, droverrs.ErrCodeProtocol, fmt.Sprintf("%s rejected by peer", method)).
		WithContext("method", method).
		WithStack(stack)
}

// IsSessionClosed reports whether err means the session detached under the
// caller.
func IsSessionClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}
