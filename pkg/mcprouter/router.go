package mcprouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/contextroute/mcp-server-pool-go/pkg/mcpclient"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcppool"
)

// NotFoundError reports that no ready server provides the requested tool or
// resource. It is returned before any server is contacted.
type NotFoundError struct {
	Kind string // "tool" or "resource"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mcprouter: no ready server provides %s %q", e.Kind, e.Name)
}

// AllServersFailedError reports that every candidate provider was tried and
// every attempt failed. The per-server errors are available via Unwrap.
type AllServersFailedError struct {
	Kind string
	Name string
	Errs []error
}

func (e *AllServersFailedError) Error() string {
	return fmt.Sprintf("mcprouter: all %d providers of %s %q failed: %v",
		len(e.Errs), e.Kind, e.Name, errors.Join(e.Errs...))
}

func (e *AllServersFailedError) Unwrap() []error { return e.Errs }

// Options configure a Router.
type Options struct {
	// Strategy picks among multiple ready providers. Default HealthBased.
	Strategy Strategy
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Strategy == nil {
		opts.Strategy = HealthBased{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Router dispatches tool calls and resource reads across a pool of servers,
// with strategy-driven selection and sequential failover. Every attempt's
// outcome feeds back into the pool's health metrics.
type Router struct {
	pool     Pool
	strategy Strategy
	logger   *slog.Logger
}

// NewRouter builds a Router over the given pool.
func NewRouter(pool Pool, opts *Options) *Router {
	options := opts.withDefaults()
	return &Router{
		pool:     pool,
		strategy: options.Strategy,
		logger:   options.Logger,
	}
}

// CallTool routes a tool invocation to a ready provider. When the selected
// server fails, the remaining providers are tried one at a time; the
// per-server arguments are identical on every attempt. A tool-level failure
// (ToolResult.IsError) is a successful route and does not trigger failover.
func (r *Router) CallTool(ctx context.Context, name string, args map[string]any) (*mcpclient.ToolResult, error) {
	candidates := r.readyCandidates(r.pool.ToolProviders(name))
	if len(candidates) == 0 {
		return nil, &NotFoundError{Kind: "tool", Name: name}
	}

	var attemptErrs []error
	for {
		serverID, ok := r.strategy.Select(r.pool, candidates)
		if !ok {
			break
		}
		result, err := r.callOn(ctx, serverID, name, args)
		if err == nil {
			return result, nil
		}
		attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", serverID, err))
		r.logger.Warn("tool call failed, trying next provider",
			"tool", name, "server", serverID, "error", err)
		candidates = slices.DeleteFunc(candidates, func(id string) bool { return id == serverID })
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &AllServersFailedError{Kind: "tool", Name: name, Errs: attemptErrs}
}

func (r *Router) callOn(ctx context.Context, serverID, name string, args map[string]any) (*mcpclient.ToolResult, error) {
	client := r.pool.Client(serverID)
	if client == nil {
		return nil, fmt.Errorf("mcprouter: server %q has no client", serverID)
	}
	start := time.Now()
	result, err := client.CallTool(ctx, name, args)
	r.pool.RecordOperation(serverID, time.Since(start), err)
	return result, err
}

// ReadResource routes a resource read to a ready provider, with the same
// failover behavior as CallTool.
func (r *Router) ReadResource(ctx context.Context, uri string) (string, error) {
	candidates := r.readyCandidates(r.pool.ResourceProviders(uri))
	if len(candidates) == 0 {
		return "", &NotFoundError{Kind: "resource", Name: uri}
	}

	var attemptErrs []error
	for {
		serverID, ok := r.strategy.Select(r.pool, candidates)
		if !ok {
			break
		}
		client := r.pool.Client(serverID)
		if client == nil {
			attemptErrs = append(attemptErrs, fmt.Errorf("%s: no client", serverID))
			candidates = slices.DeleteFunc(candidates, func(id string) bool { return id == serverID })
			continue
		}
		start := time.Now()
		text, err := client.ReadResource(ctx, uri)
		r.pool.RecordOperation(serverID, time.Since(start), err)
		if err == nil {
			return text, nil
		}
		attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", serverID, err))
		r.logger.Warn("resource read failed, trying next provider",
			"uri", uri, "server", serverID, "error", err)
		candidates = slices.DeleteFunc(candidates, func(id string) bool { return id == serverID })
		if ctx.Err() != nil {
			break
		}
	}
	return "", &AllServersFailedError{Kind: "resource", Name: uri, Errs: attemptErrs}
}

// ListAllTools queries every ready server concurrently and merges the
// inventories. Duplicate tool names keep the entry from the earliest server
// in pool order. Servers that fail to answer are skipped; the call errors
// only when every ready server failed.
func (r *Router) ListAllTools(ctx context.Context) ([]mcpclient.Tool, error) {
	serverIDs := r.pool.ReadyServers()
	lists := make([][]mcpclient.Tool, len(serverIDs))
	errs := make([]error, len(serverIDs))

	var wg sync.WaitGroup
	for i, serverID := range serverIDs {
		client := r.pool.Client(serverID)
		if client == nil {
			errs[i] = fmt.Errorf("%s: no client", serverID)
			continue
		}
		wg.Add(1)
		go func(i int, serverID string, client *mcpclient.Client) {
			defer wg.Done()
			start := time.Now()
			tools, err := client.ListTools(ctx)
			r.pool.RecordOperation(serverID, time.Since(start), err)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", serverID, err)
				return
			}
			lists[i] = tools
		}(i, serverID, client)
	}
	wg.Wait()

	merged := make([]mcpclient.Tool, 0)
	seen := make(map[string]bool)
	for i, tools := range lists {
		if errs[i] != nil {
			r.logger.Warn("tool listing failed", "server", serverIDs[i], "error", errs[i])
			continue
		}
		for _, tool := range tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			merged = append(merged, tool)
		}
	}
	if len(merged) == 0 && len(serverIDs) > 0 && allFailed(errs) {
		return nil, fmt.Errorf("mcprouter: list tools: %w", errors.Join(errs...))
	}
	return merged, nil
}

// ListAllResources queries every ready server concurrently and merges the
// resource inventories, deduplicating by URI with the same first-seen rule
// as ListAllTools.
func (r *Router) ListAllResources(ctx context.Context) ([]mcpclient.Resource, error) {
	serverIDs := r.pool.ReadyServers()
	lists := make([][]mcpclient.Resource, len(serverIDs))
	errs := make([]error, len(serverIDs))

	var wg sync.WaitGroup
	for i, serverID := range serverIDs {
		client := r.pool.Client(serverID)
		if client == nil {
			errs[i] = fmt.Errorf("%s: no client", serverID)
			continue
		}
		wg.Add(1)
		go func(i int, serverID string, client *mcpclient.Client) {
			defer wg.Done()
			start := time.Now()
			resources, err := client.ListResources(ctx)
			r.pool.RecordOperation(serverID, time.Since(start), err)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", serverID, err)
				return
			}
			lists[i] = resources
		}(i, serverID, client)
	}
	wg.Wait()

	merged := make([]mcpclient.Resource, 0)
	seen := make(map[string]bool)
	for i, resources := range lists {
		if errs[i] != nil {
			r.logger.Warn("resource listing failed", "server", serverIDs[i], "error", errs[i])
			continue
		}
		for _, resource := range resources {
			if seen[resource.URI] {
				continue
			}
			seen[resource.URI] = true
			merged = append(merged, resource)
		}
	}
	if len(merged) == 0 && len(serverIDs) > 0 && allFailed(errs) {
		return nil, fmt.Errorf("mcprouter: list resources: %w", errors.Join(errs...))
	}
	return merged, nil
}

// readyCandidates filters a provider list down to servers currently Ready,
// preserving order.
func (r *Router) readyCandidates(providers []string) []string {
	var ready []string
	for _, serverID := range providers {
		if status, ok := r.pool.Status(serverID); ok && status.State == mcppool.StateReady {
			ready = append(ready, serverID)
		}
	}
	return ready
}

func allFailed(errs []error) bool {
	for _, err := range errs {
		if err == nil {
			return false
		}
	}
	return true
}

var _ Pool = (*mcppool.Manager)(nil)
