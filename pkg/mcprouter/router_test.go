package mcprouter_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/contextroute/mcp-server-pool-go/pkg/jsonrpc"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcpclient"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcppool"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcprouter"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcptest"
)

// newTestPool builds a manager over in-memory servers and exposes the live
// transports so tests can observe traffic and simulate process death.
func newTestPool(t *testing.T, servers map[string]*mcptest.Server) (*mcppool.Manager, map[string]*mcptest.Transport) {
	t.Helper()
	transports := make(map[string]*mcptest.Transport)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := mcppool.NewManager(nil, &mcppool.ManagerOptions{
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
		Logger:         logger,
		TransportFactory: func(cfg mcppool.ServerConfig) mcpclient.Transport {
			transport := servers[cfg.ID].Transport()
			transports[cfg.ID] = transport
			return transport
		},
	})
	// Deterministic add order: s1 before s2.
	for _, id := range []string{"s1", "s2"} {
		if _, ok := servers[id]; !ok {
			continue
		}
		cfg := mcppool.ServerConfig{ID: id, Command: "/bin/true", Enabled: true}
		if err := m.AddServer(context.Background(), cfg); err != nil {
			t.Fatalf("AddServer %s: %v", id, err)
		}
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, transports
}

func quietOptions() *mcprouter.Options {
	return &mcprouter.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestCallToolRoutesToAdvertisingServer(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddTool(mcpclient.Tool{Name: "alpha"}, "from s1")
	s2 := mcptest.NewServer()
	s2.AddTool(mcpclient.Tool{Name: "beta"}, "from s2")
	pool, transports := newTestPool(t, map[string]*mcptest.Server{"s1": s1, "s2": s2})
	router := mcprouter.NewRouter(pool, quietOptions())

	before := transports["s2"].Requests()
	result, err := router.CallTool(context.Background(), "alpha", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Content != "from s1" {
		t.Fatalf("content = %q", result.Content)
	}
	if got := transports["s2"].Requests(); got != before {
		t.Fatalf("non-provider received traffic: %d requests before, %d after", before, got)
	}
}

func TestCallToolUnknownToolFailsFast(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddTool(mcpclient.Tool{Name: "alpha"}, "from s1")
	pool, transports := newTestPool(t, map[string]*mcptest.Server{"s1": s1})
	router := mcprouter.NewRouter(pool, quietOptions())

	before := transports["s1"].Requests()
	_, err := router.CallTool(context.Background(), "missing", nil)
	var notFound *mcprouter.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.Kind != "tool" || notFound.Name != "missing" {
		t.Fatalf("error fields: %+v", notFound)
	}
	if got := transports["s1"].Requests(); got != before {
		t.Fatalf("unknown tool must not contact any server: %d -> %d requests", before, got)
	}
}

func TestCallToolFailsOver(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddTool(mcpclient.Tool{Name: "search"}, "from s1")
	s2 := mcptest.NewServer()
	s2.AddTool(mcpclient.Tool{Name: "search"}, "from s2")
	pool, transports := newTestPool(t, map[string]*mcptest.Server{"s1": s1, "s2": s2})
	router := mcprouter.NewRouter(pool, quietOptions())

	// s1 is selected first (equal scores keep pool order); kill it so the
	// call falls over to s2.
	transports["s1"].Kill()
	result, err := router.CallTool(context.Background(), "search", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.Content != "from s2" {
		t.Fatalf("content = %q, want the failover provider's answer", result.Content)
	}
	if score := pool.HealthScore("s1"); score >= 1.0 {
		t.Fatalf("failed attempt not recorded against s1: score %v", score)
	}
	if score := pool.HealthScore("s2"); score != 1.0 {
		t.Fatalf("successful attempt hurt s2: score %v", score)
	}
}

func TestCallToolAllProvidersFailed(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddTool(mcpclient.Tool{Name: "search"}, "from s1")
	s2 := mcptest.NewServer()
	s2.AddTool(mcpclient.Tool{Name: "search"}, "from s2")
	pool, transports := newTestPool(t, map[string]*mcptest.Server{"s1": s1, "s2": s2})
	router := mcprouter.NewRouter(pool, quietOptions())

	transports["s1"].Kill()
	transports["s2"].Kill()
	_, err := router.CallTool(context.Background(), "search", nil)
	var allFailed *mcprouter.AllServersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllServersFailedError, got %v", err)
	}
	if len(allFailed.Errs) != 2 {
		t.Fatalf("attempt errors = %v, want one per provider", allFailed.Errs)
	}
}

func TestCallToolSkipsNotReadyProviders(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddTool(mcpclient.Tool{Name: "search"}, "from s1")
	pool, transports := newTestPool(t, map[string]*mcptest.Server{"s1": s1})
	router := mcprouter.NewRouter(pool, quietOptions())

	// Push s1 into Error state via a failed probe.
	transports["s1"].Kill()
	_ = pool.HealthCheck(context.Background(), "s1")

	_, err := router.CallTool(context.Background(), "search", nil)
	var notFound *mcprouter.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("provider in error state must yield NotFoundError, got %v", err)
	}
}

func TestCallToolToolLevelErrorIsNotFailedOver(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddTool(mcpclient.Tool{Name: "search"}, "")
	s1.Handle(mcpclient.MethodCallTool, func(params json.RawMessage) (any, *jsonrpc.Error) {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": "tool blew up"}},
			"isError": true,
		}, nil
	})
	s2 := mcptest.NewServer()
	s2.AddTool(mcpclient.Tool{Name: "search"}, "from s2")
	pool, _ := newTestPool(t, map[string]*mcptest.Server{"s1": s1, "s2": s2})
	router := mcprouter.NewRouter(pool, quietOptions())

	result, err := router.CallTool(context.Background(), "search", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError || result.Content != "tool blew up" {
		t.Fatalf("tool-level failure must surface as-is, got %+v", result)
	}
}

func TestReadResourceRoutesAndFailsOver(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddResource(mcpclient.Resource{URI: "file:///shared.txt"}, "from s1")
	s2 := mcptest.NewServer()
	s2.AddResource(mcpclient.Resource{URI: "file:///shared.txt"}, "from s2")
	pool, transports := newTestPool(t, map[string]*mcptest.Server{"s1": s1, "s2": s2})
	router := mcprouter.NewRouter(pool, quietOptions())

	text, err := router.ReadResource(context.Background(), "file:///shared.txt")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if text != "from s1" {
		t.Fatalf("text = %q", text)
	}

	transports["s1"].Kill()
	text, err = router.ReadResource(context.Background(), "file:///shared.txt")
	if err != nil {
		t.Fatalf("ReadResource after kill: %v", err)
	}
	if text != "from s2" {
		t.Fatalf("failover text = %q", text)
	}

	_, err = router.ReadResource(context.Background(), "file:///absent.txt")
	var notFound *mcprouter.NotFoundError
	if !errors.As(err, &notFound) || notFound.Kind != "resource" {
		t.Fatalf("expected resource NotFoundError, got %v", err)
	}
}

func TestListAllToolsMergesAndDedups(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddTool(mcpclient.Tool{Name: "shared", Description: "s1 copy"}, "x")
	s1.AddTool(mcpclient.Tool{Name: "only_s1"}, "x")
	s2 := mcptest.NewServer()
	s2.AddTool(mcpclient.Tool{Name: "shared", Description: "s2 copy"}, "x")
	s2.AddTool(mcpclient.Tool{Name: "only_s2"}, "x")
	pool, _ := newTestPool(t, map[string]*mcptest.Server{"s1": s1, "s2": s2})
	router := mcprouter.NewRouter(pool, quietOptions())

	tools, err := router.ListAllTools(context.Background())
	if err != nil {
		t.Fatalf("ListAllTools: %v", err)
	}
	if len(tools) != 3 {
		t.Fatalf("merged %d tools, want 3: %+v", len(tools), tools)
	}
	byName := make(map[string]mcpclient.Tool)
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	if byName["shared"].Description != "s1 copy" {
		t.Fatalf("duplicate must keep first pool-order entry, got %q", byName["shared"].Description)
	}
	if _, ok := byName["only_s1"]; !ok {
		t.Fatalf("missing only_s1")
	}
	if _, ok := byName["only_s2"]; !ok {
		t.Fatalf("missing only_s2")
	}
}

func TestListAllResourcesMergesAndDedups(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddResource(mcpclient.Resource{URI: "file:///shared.txt", Name: "s1 copy"}, "x")
	s2 := mcptest.NewServer()
	s2.AddResource(mcpclient.Resource{URI: "file:///shared.txt", Name: "s2 copy"}, "x")
	s2.AddResource(mcpclient.Resource{URI: "file:///only-s2.txt"}, "x")
	pool, _ := newTestPool(t, map[string]*mcptest.Server{"s1": s1, "s2": s2})
	router := mcprouter.NewRouter(pool, quietOptions())

	resources, err := router.ListAllResources(context.Background())
	if err != nil {
		t.Fatalf("ListAllResources: %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("merged %d resources, want 2: %+v", len(resources), resources)
	}
	if resources[0].URI != "file:///shared.txt" || resources[0].Name != "s1 copy" {
		t.Fatalf("first entry = %+v, want s1's copy of the shared URI", resources[0])
	}
}

func TestRoundRobinStrategyThroughRouter(t *testing.T) {
	t.Parallel()

	s1 := mcptest.NewServer()
	s1.AddTool(mcpclient.Tool{Name: "search"}, "from s1")
	s2 := mcptest.NewServer()
	s2.AddTool(mcpclient.Tool{Name: "search"}, "from s2")
	pool, _ := newTestPool(t, map[string]*mcptest.Server{"s1": s1, "s2": s2})
	router := mcprouter.NewRouter(pool, &mcprouter.Options{
		Strategy: &mcprouter.RoundRobin{},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	var got []string
	for i := 0; i < 4; i++ {
		result, err := router.CallTool(context.Background(), "search", nil)
		if err != nil {
			t.Fatalf("CallTool %d: %v", i, err)
		}
		got = append(got, result.Content)
	}
	want := []string{"from s1", "from s2", "from s1", "from s2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d answered by %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}
