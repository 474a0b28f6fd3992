package mcpclient_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/contextroute/mcp-server-pool-go/pkg/jsonrpc"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcpclient"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcptest"
)

// pipePair wires a PipeTransport to a responder running in a goroutine.
// The responder reads requests from r and may write responses to w.
func pipePair(t *testing.T, responder func(r io.Reader, w io.Writer)) *mcpclient.PipeTransport {
	t.Helper()
	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	go responder(serverReader, serverWriter)
	transport := mcpclient.NewPipeTransport(clientWriter, clientReader, nil, 2*time.Second)
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

func TestPipeTransportRoundTrip(t *testing.T) {
	t.Parallel()

	srv := mcptest.NewServer()
	srv.AddTool(mcpclient.Tool{Name: "echo"}, "pong")
	transport := pipePair(t, srv.Serve)
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !transport.IsConnected() {
		t.Fatalf("expected connected transport")
	}

	resp, err := transport.SendRequest(context.Background(), jsonrpc.NewRequest("r1", mcpclient.MethodListTools, nil))
	if err != nil {
		t.Fatalf("send request: %v", err)
	}
	if resp.ID != "r1" || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPipeTransportCorrelatesOutOfOrderResponses(t *testing.T) {
	t.Parallel()

	// Responder buffers two requests and answers them in reverse order.
	transport := pipePair(t, func(r io.Reader, w io.Writer) {
		scanner := bufio.NewScanner(r)
		var ids []string
		for scanner.Scan() {
			var req jsonrpc.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			ids = append(ids, req.ID)
			if len(ids) == 2 {
				for i := len(ids) - 1; i >= 0; i-- {
					fmt.Fprintf(w, `{"id":%q,"result":{"echo":%q}}`+"\n", ids[i], ids[i])
				}
				ids = nil
			}
		}
	})
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	type outcome struct {
		id   string
		resp *jsonrpc.Response
		err  error
	}
	results := make(chan outcome, 2)
	for _, id := range []string{"first", "second"} {
		go func(id string) {
			resp, err := transport.SendRequest(context.Background(), jsonrpc.NewRequest(id, "tools/list", nil))
			results <- outcome{id: id, resp: resp, err: err}
		}(id)
	}
	for i := 0; i < 2; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("request %s: %v", out.id, out.err)
		}
		if out.resp.ID != out.id {
			t.Fatalf("response id %q delivered to request %q", out.resp.ID, out.id)
		}
	}
}

func TestPipeTransportRequestTimeout(t *testing.T) {
	t.Parallel()

	silent := func(r io.Reader, w io.Writer) { _, _ = io.Copy(io.Discard, r) }
	clientReader, _ := io.Pipe()
	serverReader, clientWriter := io.Pipe()
	go silent(serverReader, nil)
	transport := mcpclient.NewPipeTransport(clientWriter, clientReader, nil, 50*time.Millisecond)
	defer transport.Close()
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := transport.SendRequest(context.Background(), jsonrpc.NewRequest("t1", "tools/list", nil))
	var timeout *mcpclient.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Method != "tools/list" {
		t.Fatalf("timeout method = %q", timeout.Method)
	}
}

func TestPipeTransportCloseFailsPendingRequests(t *testing.T) {
	t.Parallel()

	transport := pipePair(t, func(r io.Reader, w io.Writer) { _, _ = io.Copy(io.Discard, r) })
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := transport.SendRequest(context.Background(), jsonrpc.NewRequest("p1", "tools/list", nil))
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := transport.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-errCh; !errors.Is(err, mcpclient.ErrTransportClosed) {
		t.Fatalf("pending request error = %v, want ErrTransportClosed", err)
	}
	// Close is idempotent.
	if err := transport.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestPipeTransportSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	transport := pipePair(t, func(r io.Reader, w io.Writer) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			var req jsonrpc.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			fmt.Fprintln(w, "this is not json")
			fmt.Fprintln(w, `{"id":"nobody-waits-for-this","result":{}}`)
			fmt.Fprintf(w, `{"id":%q,"result":{"ok":true}}`+"\n", req.ID)
		}
	})
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp, err := transport.SendRequest(context.Background(), jsonrpc.NewRequest("m1", "tools/list", nil))
	if err != nil {
		t.Fatalf("request after malformed lines: %v", err)
	}
	if resp.ID != "m1" {
		t.Fatalf("response id = %q", resp.ID)
	}
}

func TestPipeTransportNotificationNeedsNoResponse(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)
	transport := pipePair(t, func(r io.Reader, w io.Writer) {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			var req jsonrpc.Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			received <- req.Method
		}
	})
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := transport.SendNotification(context.Background(), jsonrpc.NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatalf("notification: %v", err)
	}
	select {
	case method := <-received:
		if method != "notifications/initialized" {
			t.Fatalf("server saw method %q", method)
		}
	case <-time.After(time.Second):
		t.Fatalf("notification never reached server")
	}
}

func TestStdioTransportLaunchFailure(t *testing.T) {
	t.Parallel()

	transport := mcpclient.NewStdioTransport(mcpclient.StdioConfig{Command: "/definitely/not/a/real/binary"})
	err := transport.Connect(context.Background())
	var transportErr *mcpclient.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if transport.IsConnected() {
		t.Fatalf("failed launch must not report connected")
	}
}

func TestStdioTransportCloseBeforeConnect(t *testing.T) {
	t.Parallel()

	transport := mcpclient.NewStdioTransport(mcpclient.StdioConfig{Command: "cat"})
	if err := transport.Close(); err != nil {
		t.Fatalf("close before connect: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("repeated close: %v", err)
	}
	if err := transport.Connect(context.Background()); !errors.Is(err, mcpclient.ErrTransportClosed) {
		t.Fatalf("connect after close = %v, want ErrTransportClosed", err)
	}
}

func TestStdioTransportAgainstCat(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	// cat echoes each request line back, which parses as a response whose
	// id matches the request: enough to exercise the full process loop.
	transport := mcpclient.NewStdioTransport(mcpclient.StdioConfig{
		Command:        "cat",
		RequestTimeout: 2 * time.Second,
	})
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Close()

	resp, err := transport.SendRequest(context.Background(), jsonrpc.NewRequest("echo-1", "ping", nil))
	if err != nil {
		t.Fatalf("request via cat: %v", err)
	}
	if resp.ID != "echo-1" {
		t.Fatalf("response id = %q", resp.ID)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if transport.IsConnected() {
		t.Fatalf("closed transport still reports connected")
	}
}
