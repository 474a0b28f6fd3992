package mcpclient

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/contextroute/mcp-server-pool-go/pkg/jsonrpc"
)

// Client implements the typed MCP operations on top of exactly one
// Transport. Initialize must succeed before any other operation; the
// precondition is checked explicitly rather than inferred lazily.
type Client struct {
	transport Transport

	mu          sync.RWMutex
	initialized bool
	serverInfo  *Implementation
}

// NewClient wraps a connected Transport. The caller retains ownership of the
// transport's lifecycle until Close is invoked.
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// Initialize performs the protocol handshake and records the server
// identity. All other operations fail with ErrNotInitialized until this
// succeeds.
func (c *Client) Initialize(ctx context.Context, info Implementation) (*Implementation, error) {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      info,
	}
	resp, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Method: MethodInitialize, Reason: "malformed initialize result: " + err.Error()}
	}
	c.mu.Lock()
	c.initialized = true
	c.serverInfo = &result.ServerInfo
	c.mu.Unlock()
	return &result.ServerInfo, nil
}

// Initialized reports whether the handshake has completed.
func (c *Client) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// ServerInfo returns the identity recorded during Initialize, or nil before
// the handshake.
func (c *Client) ServerInfo() *Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools fetches the server's tool inventory. A missing or malformed
// tools array degrades to an empty list rather than an error.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	var result listToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return []Tool{}, nil
	}
	if result.Tools == nil {
		return []Tool{}, nil
	}
	return result.Tools, nil
}

// ListResources fetches the server's resource inventory with the same
// degrade-to-empty behavior as ListTools.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, MethodListResources, nil)
	if err != nil {
		return nil, err
	}
	var result listResourcesResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return []Resource{}, nil
	}
	if result.Resources == nil {
		return []Resource{}, nil
	}
	return result.Resources, nil
}

// CallTool invokes a named tool. A JSON-RPC level failure surfaces as
// *ApplicationError; a tool-level failure is reported through
// ToolResult.IsError on an otherwise successful call.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, MethodCallTool, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ProtocolError{Method: MethodCallTool, Reason: "malformed tool result: " + err.Error()}
	}
	out := &ToolResult{IsError: result.IsError}
	var texts []string
	for _, block := range result.Content {
		if block.Type != "text" {
			continue
		}
		texts = append(texts, block.Text)
		if out.MimeType == "" {
			out.MimeType = block.MimeType
		}
	}
	out.Content = strings.Join(texts, "\n")
	return out, nil
}

// ReadResource reads a text resource by URI. Non-text contents fail with
// *UnsupportedContentError; text-only is a stated limitation.
func (c *Client) ReadResource(ctx context.Context, uri string) (string, error) {
	if err := c.ensureInitialized(); err != nil {
		return "", err
	}
	resp, err := c.call(ctx, MethodReadResource, readResourceParams{URI: uri})
	if err != nil {
		return "", err
	}
	var result readResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", &ProtocolError{Method: MethodReadResource, Reason: "malformed resource result: " + err.Error()}
	}
	if len(result.Contents) == 0 {
		return "", &ProtocolError{Method: MethodReadResource, Reason: "empty contents for " + uri}
	}
	first := result.Contents[0]
	if first.Blob != "" {
		return "", &UnsupportedContentError{URI: uri, MimeType: first.MimeType}
	}
	return first.Text, nil
}

// Close clears the initialized state and forwards to the transport. Safe to
// call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.serverInfo = nil
	c.mu.Unlock()
	return c.transport.Close()
}

func (c *Client) ensureInitialized() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	req := jsonrpc.NewRequest(uuid.NewString(), method, params)
	resp, err := c.transport.SendRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &ApplicationError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
	}
	return resp, nil
}
