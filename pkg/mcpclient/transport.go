package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/contextroute/mcp-server-pool-go/pkg/jsonrpc"
)

const defaultRequestTimeout = 30 * time.Second

// maxLineBytes bounds a single stdout line; anything larger is treated as a
// malformed frame and dropped by the reader.
const maxLineBytes = 4 * 1024 * 1024

// Transport moves JSON-RPC envelopes between this process and one MCP
// server. Implementations must correlate responses to requests by id and
// must fail every in-flight request when closed.
type Transport interface {
	// Connect establishes the underlying channel. It must be called before
	// SendRequest or SendNotification.
	Connect(ctx context.Context) error
	// SendRequest writes one request and blocks until the matching response
	// arrives, the configured deadline elapses, ctx is cancelled, or the
	// transport closes.
	SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
	// SendNotification writes one request without registering for a
	// response. It completes once the frame is flushed.
	SendNotification(ctx context.Context, req *jsonrpc.Request) error
	// IsConnected reports whether the transport can currently carry
	// requests.
	IsConnected() bool
	// Close tears down the channel and fails pending requests. It is
	// idempotent and safe to call before Connect.
	Close() error
}

// stream frames newline-delimited JSON over a writer/reader pair and
// correlates responses to pending requests by id. It is shared by the stdio
// and pipe transports.
type stream struct {
	w       io.Writer
	writeMu sync.Mutex

	logger  *slog.Logger
	timeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan *jsonrpc.Response
	closed    bool
}

func newStream(w io.Writer, logger *slog.Logger, timeout time.Duration) *stream {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &stream{
		w:       w,
		logger:  logger,
		timeout: timeout,
		pending: make(map[string]chan *jsonrpc.Response),
	}
}

func (s *stream) isClosed() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return s.closed
}

// write serializes one envelope as a single line. Writes are serialized so
// concurrent requests never interleave frames.
func (s *stream) write(req *jsonrpc.Request) error {
	encoded, err := json.Marshal(req)
	if err != nil {
		return &TransportError{Op: "encode", Err: err}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return ErrTransportClosed
	}
	if _, err := s.w.Write(append(encoded, '\n')); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// call registers a pending slot for the request id, writes the frame, and
// waits for the matching response.
func (s *stream) call(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ch := make(chan *jsonrpc.Response, 1)
	s.pendingMu.Lock()
	if s.closed {
		s.pendingMu.Unlock()
		return nil, ErrTransportClosed
	}
	if _, exists := s.pending[req.ID]; exists {
		s.pendingMu.Unlock()
		return nil, &TransportError{Op: "send", Err: fmt.Errorf("duplicate in-flight request id %q", req.ID)}
	}
	s.pending[req.ID] = ch
	s.pendingMu.Unlock()

	if err := s.write(req); err != nil {
		s.unregister(req.ID)
		return nil, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrTransportClosed
		}
		return resp, nil
	case <-timer.C:
		s.unregister(req.ID)
		return nil, &TimeoutError{Method: req.Method, After: s.timeout}
	case <-ctx.Done():
		s.unregister(req.ID)
		return nil, ctx.Err()
	}
}

func (s *stream) unregister(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// readLoop consumes stdout lines until the reader drains. Malformed and
// unmatched lines are logged and discarded; a bad line never stops the loop.
// When the reader ends every pending request is failed, since no response
// can arrive anymore.
func (s *stream) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			s.logger.Warn("discarding malformed response line", "error", err)
			continue
		}
		if resp.ID == "" {
			s.logger.Warn("discarding response without id")
			continue
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.pendingMu.Unlock()
		if !ok {
			s.logger.Debug("discarding response with no pending request", "id", resp.ID)
			continue
		}
		ch <- &resp
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("transport reader stopped", "error", err)
	}
	s.close()
}

// close marks the stream closed and fails every pending request. Idempotent.
func (s *stream) close() {
	s.pendingMu.Lock()
	if s.closed {
		s.pendingMu.Unlock()
		return
	}
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]chan *jsonrpc.Response)
	s.pendingMu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

// StdioConfig describes how to launch and talk to a child-process MCP
// server.
type StdioConfig struct {
	Command        string
	Args           []string
	Env            map[string]string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// StdioTransport spawns a child process and speaks newline-delimited
// JSON-RPC over its stdin/stdout. stderr is drained to the logger and never
// parsed as protocol data.
type StdioTransport struct {
	cfg    StdioConfig
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stream    *stream
	connected bool
	closed    bool
}

// NewStdioTransport builds a transport for the given launch configuration.
// The child process is not started until Connect.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{cfg: cfg, logger: logger}
}

// Connect launches the child process and starts the background reader.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.connected {
		return nil
	}
	if t.cfg.Command == "" {
		return &TransportError{Op: "start", Err: fmt.Errorf("command is empty")}
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	if len(t.cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range t.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &TransportError{Op: "start", Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &TransportError{Op: "start", Err: err}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.stream = newStream(stdin, t.logger, t.cfg.RequestTimeout)
	t.connected = true
	go t.stream.readLoop(stdout)
	go t.drainStderr(stderr)
	_ = ctx
	return nil
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		t.logger.Debug("server stderr", "line", scanner.Text())
	}
}

// SendRequest writes the request and waits for the matching response.
func (t *StdioTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	s, err := t.currentStream()
	if err != nil {
		return nil, err
	}
	return s.call(ctx, req)
}

// SendNotification writes the request without waiting for a response.
func (t *StdioTransport) SendNotification(ctx context.Context, req *jsonrpc.Request) error {
	s, err := t.currentStream()
	if err != nil {
		return err
	}
	_ = ctx
	return s.write(req)
}

func (t *StdioTransport) currentStream() (*stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.connected || t.stream == nil {
		return nil, ErrTransportClosed
	}
	return t.stream, nil
}

// IsConnected reports whether the child process is running and the reader
// has not stopped.
func (t *StdioTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed && t.stream != nil && !t.stream.isClosed()
}

// Close terminates the child process and fails every pending request with
// ErrTransportClosed. Safe to call repeatedly or before Connect.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	cmd := t.cmd
	stdin := t.stdin
	s := t.stream
	t.mu.Unlock()

	if s != nil {
		s.close()
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return nil
}

// PipeTransport speaks the same framing over externally supplied pipes. It
// backs in-process servers in tests and lets callers bring their own
// process-launch primitive.
type PipeTransport struct {
	w io.WriteCloser
	r io.Reader

	mu        sync.Mutex
	stream    *stream
	connected bool
	closed    bool
}

// NewPipeTransport wraps an already-open writer/reader pair. The reader
// loop starts on Connect.
func NewPipeTransport(w io.WriteCloser, r io.Reader, logger *slog.Logger, timeout time.Duration) *PipeTransport {
	return &PipeTransport{w: w, r: r, stream: newStream(w, logger, timeout)}
}

func (t *PipeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.connected {
		return nil
	}
	t.connected = true
	go t.stream.readLoop(t.r)
	_ = ctx
	return nil
}

func (t *PipeTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	if !t.IsConnected() {
		return nil, ErrTransportClosed
	}
	return t.stream.call(ctx, req)
}

func (t *PipeTransport) SendNotification(ctx context.Context, req *jsonrpc.Request) error {
	if !t.IsConnected() {
		return ErrTransportClosed
	}
	_ = ctx
	return t.stream.write(req)
}

func (t *PipeTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && !t.closed && !t.stream.isClosed()
}

func (t *PipeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.mu.Unlock()
	t.stream.close()
	return t.w.Close()
}
