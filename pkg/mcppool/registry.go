package mcppool

import (
	"maps"
	"slices"
	"sync"

	"github.com/contextroute/mcp-server-pool-go/pkg/mcpclient"
)

// RoutingTable maps tool names and resource URIs to their authoritative
// provider, with conflict maps listing every provider of a contested name.
// It is always rebuilt wholesale from the current per-server inventories;
// there is no incremental patching and no hidden extra state.
type RoutingTable struct {
	Tools             map[string]string
	Resources         map[string]string
	ToolConflicts     map[string][]string
	ResourceConflicts map[string][]string
}

func (t RoutingTable) clone() RoutingTable {
	out := RoutingTable{
		Tools:             maps.Clone(t.Tools),
		Resources:         maps.Clone(t.Resources),
		ToolConflicts:     make(map[string][]string, len(t.ToolConflicts)),
		ResourceConflicts: make(map[string][]string, len(t.ResourceConflicts)),
	}
	for name, providers := range t.ToolConflicts {
		out.ToolConflicts[name] = slices.Clone(providers)
	}
	for uri, providers := range t.ResourceConflicts {
		out.ResourceConflicts[uri] = slices.Clone(providers)
	}
	return out
}

// capabilityIndex tracks the tool and resource inventories advertised by
// each managed server, in discovery order, and derives the routing table
// from them.
type capabilityIndex struct {
	mu        sync.RWMutex
	order     []string
	tools     map[string][]mcpclient.Tool
	resources map[string][]mcpclient.Resource
	table     RoutingTable
}

func newCapabilityIndex() *capabilityIndex {
	return &capabilityIndex{
		tools:     make(map[string][]mcpclient.Tool),
		resources: make(map[string][]mcpclient.Resource),
		table:     emptyRoutingTable(),
	}
}

func emptyRoutingTable() RoutingTable {
	return RoutingTable{
		Tools:             make(map[string]string),
		Resources:         make(map[string]string),
		ToolConflicts:     make(map[string][]string),
		ResourceConflicts: make(map[string][]string),
	}
}

// UpdateServer replaces one server's inventories. First discovery fixes the
// server's position in the tie-break order.
func (x *capabilityIndex) UpdateServer(serverID string, tools []mcpclient.Tool, resources []mcpclient.Resource) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !slices.Contains(x.order, serverID) {
		x.order = append(x.order, serverID)
	}
	x.tools[serverID] = slices.Clone(tools)
	x.resources[serverID] = slices.Clone(resources)
}

// RemoveServer drops one server's inventories and its tie-break position.
func (x *capabilityIndex) RemoveServer(serverID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.order = slices.DeleteFunc(x.order, func(id string) bool { return id == serverID })
	delete(x.tools, serverID)
	delete(x.resources, serverID)
}

// Rebuild recomputes the routing table from all current inventories. Names
// provided by exactly one server map directly; contested names land in the
// conflict map and resolve picks the authoritative provider.
func (x *capabilityIndex) Rebuild(resolve func(name string, providers []string) string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	toolProviders := make(map[string][]string)
	resourceProviders := make(map[string][]string)
	for _, serverID := range x.order {
		for _, tool := range x.tools[serverID] {
			toolProviders[tool.Name] = append(toolProviders[tool.Name], serverID)
		}
		for _, resource := range x.resources[serverID] {
			resourceProviders[resource.URI] = append(resourceProviders[resource.URI], serverID)
		}
	}

	table := emptyRoutingTable()
	for name, providers := range toolProviders {
		if len(providers) == 1 {
			table.Tools[name] = providers[0]
			continue
		}
		table.ToolConflicts[name] = providers
		table.Tools[name] = resolve(name, providers)
	}
	for uri, providers := range resourceProviders {
		if len(providers) == 1 {
			table.Resources[uri] = providers[0]
			continue
		}
		table.ResourceConflicts[uri] = providers
		table.Resources[uri] = resolve(uri, providers)
	}
	x.table = table
}

// Table returns a copy of the last rebuilt routing table.
func (x *capabilityIndex) Table() RoutingTable {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.table.clone()
}

// ToolProviders returns every server advertising the tool, in first-seen
// order.
func (x *capabilityIndex) ToolProviders(name string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var providers []string
	for _, serverID := range x.order {
		for _, tool := range x.tools[serverID] {
			if tool.Name == name {
				providers = append(providers, serverID)
				break
			}
		}
	}
	return providers
}

// ResourceProviders returns every server advertising the resource URI, in
// first-seen order.
func (x *capabilityIndex) ResourceProviders(uri string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var providers []string
	for _, serverID := range x.order {
		for _, resource := range x.resources[serverID] {
			if resource.URI == uri {
				providers = append(providers, serverID)
				break
			}
		}
	}
	return providers
}

// ServerTools returns a copy of one server's discovered tool inventory.
func (x *capabilityIndex) ServerTools(serverID string) []mcpclient.Tool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.tools[serverID])
}

// ServerResources returns a copy of one server's discovered resources.
func (x *capabilityIndex) ServerResources(serverID string) []mcpclient.Resource {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.resources[serverID])
}
