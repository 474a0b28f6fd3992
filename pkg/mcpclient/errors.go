package mcpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransportClosed reports an operation attempted during or after
	// transport shutdown. Requests still in flight when Close runs fail
	// with this error as well.
	ErrTransportClosed = errors.New("mcpclient: transport closed")

	// ErrNotInitialized reports a protocol operation invoked before a
	// successful Initialize call.
	ErrNotInitialized = errors.New("mcpclient: client not initialized")
)

// TransportError wraps a process launch or I/O failure on the transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcpclient: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports a request that received no matching response within
// the configured deadline.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcpclient: %s timed out after %s", e.Method, e.After)
}

// ProtocolError reports a response envelope that arrived but could not be
// interpreted, such as a result with an unexpected shape.
type ProtocolError struct {
	Method string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcpclient: %s protocol error: %s", e.Method, e.Reason)
}

// ApplicationError carries a JSON-RPC error returned by the remote server,
// distinct from transport-level failures.
type ApplicationError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("mcpclient: remote error code=%d message=%s", e.Code, e.Message)
}

// UnsupportedContentError reports a resource whose contents are not plain
// text. Binary and blob payloads are a stated limitation of this client.
type UnsupportedContentError struct {
	URI      string
	MimeType string
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("mcpclient: resource %s has unsupported content type %q (text only)", e.URI, e.MimeType)
}
