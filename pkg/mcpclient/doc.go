// Package mcpclient implements the client side of the MCP JSON-RPC dialect
// over a spawned process's standard input and output. It provides the
// Transport abstraction (newline-delimited framing, response correlation by
// request id, idempotent teardown) and a typed Client exposing initialize,
// tools/list, tools/call, resources/list, and resources/read.
//
// Transport failures, request timeouts, remote errors, and unsupported
// content shapes each surface as a distinct error type so callers can route
// and retry on the failure class rather than on message text.
package mcpclient
