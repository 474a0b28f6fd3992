// Package jsonrpc defines the JSON-RPC 2.0 envelopes exchanged with MCP
// servers over newline-delimited JSON. The field layout is part of the wire
// contract: requests always carry `jsonrpc:"2.0"` and a string id (omitted
// for notifications), responses carry either a result or an error object.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version stamped on every outgoing request.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// MCP-specific error codes in the implementation-defined range.
const (
	CodeNotInitialized   = -32001
	CodeToolNotFound     = -32002
	CodeResourceNotFound = -32003
)

// Request is an outgoing JSON-RPC request or notification. Notifications
// leave ID empty so the field is dropped from the encoded form.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a request envelope for the given id, method, and params.
func NewRequest(id, method string, params any) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a fire-and-forget envelope with no id. Servers must
// not answer it, so no response correlation takes place.
func NewNotification(method string, params any) *Request {
	return &Request{JSONRPC: Version, Method: method, Params: params}
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool { return r.ID == "" }

// Response is an incoming JSON-RPC response. Exactly one of Result and Error
// is populated by a conforming server; Result is kept raw so callers can
// decode it into method-specific shapes.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object. It implements the error interface so
// remote failures can travel through ordinary Go error paths.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc: code=%d message=%s", e.Code, e.Message)
}

// NewError builds an error object with the given code and formatted message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
