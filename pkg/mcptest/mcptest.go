// Package mcptest provides scripted in-process MCP servers for tests. A
// Server answers the protocol methods from a method→handler dispatch table,
// either over an injected reader/writer pair (Serve) or through an
// in-memory Transport that skips process plumbing entirely.
package mcptest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/contextroute/mcp-server-pool-go/pkg/jsonrpc"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcpclient"
)

// Handler answers one method. Returning a non-nil *jsonrpc.Error produces an
// error response; otherwise the returned value is marshaled as the result.
type Handler func(params json.RawMessage) (any, *jsonrpc.Error)

// Server is a scripted MCP server. The zero value is not usable; construct
// with NewServer, which installs handlers for the five protocol methods
// backed by the configured tool and resource inventories.
type Server struct {
	Info mcpclient.Implementation

	mu           sync.Mutex
	handlers     map[string]Handler
	tools        []mcpclient.Tool
	toolReplies  map[string]string
	resources    []mcpclient.Resource
	resourceText map[string]string
}

// NewServer builds a server with empty inventories and default handlers.
func NewServer() *Server {
	s := &Server{
		Info:         mcpclient.Implementation{Name: "mcptest", Version: "0.0.1"},
		handlers:     make(map[string]Handler),
		toolReplies:  make(map[string]string),
		resourceText: make(map[string]string),
	}
	s.handlers[mcpclient.MethodInitialize] = s.handleInitialize
	s.handlers[mcpclient.MethodListTools] = s.handleListTools
	s.handlers[mcpclient.MethodCallTool] = s.handleCallTool
	s.handlers[mcpclient.MethodListResources] = s.handleListResources
	s.handlers[mcpclient.MethodReadResource] = s.handleReadResource
	return s
}

// Handle installs or replaces the handler for a method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// AddTool advertises a tool whose invocations answer with the given text.
func (s *Server) AddTool(tool mcpclient.Tool, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = append(s.tools, tool)
	s.toolReplies[tool.Name] = reply
}

// AddResource advertises a text resource.
func (s *Server) AddResource(res mcpclient.Resource, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, res)
	s.resourceText[res.URI] = text
}

func (s *Server) handleInitialize(json.RawMessage) (any, *jsonrpc.Error) {
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"serverInfo":      s.Info,
	}, nil
}

func (s *Server) handleListTools(json.RawMessage) (any, *jsonrpc.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"tools": append([]mcpclient.Tool(nil), s.tools...)}, nil
}

func (s *Server) handleCallTool(params json.RawMessage) (any, *jsonrpc.Error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "bad tools/call params: %v", err)
	}
	s.mu.Lock()
	reply, ok := s.toolReplies[p.Name]
	s.mu.Unlock()
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeToolNotFound, "tool %q not found", p.Name)
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": reply}},
	}, nil
}

func (s *Server) handleListResources(json.RawMessage) (any, *jsonrpc.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"resources": append([]mcpclient.Resource(nil), s.resources...)}, nil
}

func (s *Server) handleReadResource(params json.RawMessage) (any, *jsonrpc.Error) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "bad resources/read params: %v", err)
	}
	s.mu.Lock()
	text, ok := s.resourceText[p.URI]
	s.mu.Unlock()
	if !ok {
		return nil, jsonrpc.NewError(jsonrpc.CodeResourceNotFound, "resource %q not found", p.URI)
	}
	return map[string]any{
		"contents": []map[string]any{{"uri": p.URI, "text": text}},
	}, nil
}

// Dispatch answers one request through the handler table.
func (s *Server) Dispatch(req *jsonrpc.Request) *jsonrpc.Response {
	s.mu.Lock()
	handler, ok := s.handlers[req.Method]
	s.mu.Unlock()
	if !ok {
		return &jsonrpc.Response{ID: req.ID, Error: jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method %q not found", req.Method)}
	}
	var params json.RawMessage
	if req.Params != nil {
		encoded, err := json.Marshal(req.Params)
		if err != nil {
			return &jsonrpc.Response{ID: req.ID, Error: jsonrpc.NewError(jsonrpc.CodeParseError, "unencodable params: %v", err)}
		}
		params = encoded
	}
	result, rpcErr := handler(params)
	if rpcErr != nil {
		return &jsonrpc.Response{ID: req.ID, Error: rpcErr}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return &jsonrpc.Response{ID: req.ID, Error: jsonrpc.NewError(jsonrpc.CodeInternalError, "unencodable result: %v", err)}
	}
	return &jsonrpc.Response{ID: req.ID, Result: encoded}
}

// Serve reads newline-delimited requests from r and writes responses to w
// until r drains. Notifications are dispatched but produce no reply, so ids
// never collide with request correlation on the client side.
func (s *Server) Serve(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var writeMu sync.Mutex
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		if req.IsNotification() {
			s.Dispatch(&req)
			continue
		}
		resp := s.Dispatch(&req)
		encoded, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		writeMu.Lock()
		_, _ = w.Write(append(encoded, '\n'))
		writeMu.Unlock()
	}
}

// Transport returns an in-memory mcpclient.Transport bound to this server.
func (s *Server) Transport() *Transport {
	return &Transport{srv: s}
}

// Transport dispatches requests straight into a Server with no process or
// pipe in between. The failure knobs simulate launch failures and process
// death for pool lifecycle tests.
type Transport struct {
	srv *Server

	mu              sync.Mutex
	connected       bool
	closed          bool
	connectFailures int

	requests atomic.Int64
}

// FailConnects makes the next n Connect calls fail with a TransportError.
func (t *Transport) FailConnects(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectFailures = n
}

// Kill simulates the backing process dying: the transport reports
// disconnected and refuses further traffic, but is not closed.
func (t *Transport) Kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
}

// Requests reports how many SendRequest calls reached this transport.
func (t *Transport) Requests() int64 { return t.requests.Load() }

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return mcpclient.ErrTransportClosed
	}
	if t.connectFailures > 0 {
		t.connectFailures--
		return &mcpclient.TransportError{Op: "start", Err: fmt.Errorf("scripted connect failure")}
	}
	t.connected = true
	return nil
}

func (t *Transport) SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	t.mu.Lock()
	ok := t.connected && !t.closed
	t.mu.Unlock()
	if !ok {
		return nil, mcpclient.ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.requests.Add(1)
	return t.srv.Dispatch(req), nil
}

func (t *Transport) SendNotification(ctx context.Context, req *jsonrpc.Request) error {
	t.mu.Lock()
	ok := t.connected && !t.closed
	t.mu.Unlock()
	if !ok {
		return mcpclient.ErrTransportClosed
	}
	t.srv.Dispatch(req)
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.connected = false
	return nil
}
