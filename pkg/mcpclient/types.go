package mcpclient

import "encoding/json"

// Protocol methods implemented by this client.
const (
	MethodInitialize    = "initialize"
	MethodListTools     = "tools/list"
	MethodCallTool      = "tools/call"
	MethodListResources = "resources/list"
	MethodReadResource  = "resources/read"
)

const protocolVersion = "2024-11-05"

// Implementation identifies one side of the protocol handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Tool describes a remote-callable function advertised by a server. The
// input schema is kept opaque; this layer routes calls, it does not validate
// arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource describes a remote-readable text artifact addressed by URI.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ToolResult is the decoded outcome of a tools/call round trip. IsError
// signals an application-level tool failure; the call itself succeeded at
// the protocol layer.
type ToolResult struct {
	Content  string
	IsError  bool
	MimeType string
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Implementation `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

type listResourcesResult struct {
	Resources []Resource `json:"resources"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type resourceContents struct {
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type readResourceResult struct {
	Contents []resourceContents `json:"contents"`
}
