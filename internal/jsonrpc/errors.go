package jsonrpc

import (
	"errors"
	"fmt"
	"time"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrTransportClosed reports that the underlying connection is gone. Calls
// in flight when it closes fail with an error wrapping it.
var ErrTransportClosed = errors.New("transport closed")

// ProtocolError is a well-formed error response from the peer.
type ProtocolError struct {
	Code    int
	Message string
	Data    []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// TimeoutError reports that no response arrived within the caller's deadline.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response within %s", e.Method, e.After)
}

func (e *TimeoutError) Timeout() bool { return true }

// IsMethodNotFound reports whether err is a -32601 protocol error.
func IsMethodNotFound(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe) && pe.Code == CodeMethodNotFound
}

func closedErr(cause error) error {
	if cause == nil || errors.Is(cause, ErrTransportClosed) {
		return ErrTransportClosed
	}
	return fmt.Errorf("%w: %w", ErrTransportClosed, cause)
}
