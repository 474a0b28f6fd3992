// Package mcppool manages a pool of independently launched MCP servers from
// a single Go process. It layers connection lifecycle tracking with retry
// and backoff, periodic health probing, capability discovery, and a
// conflict-aware routing table on top of the mcpclient protocol layer so
// callers can treat interchangeable backend servers as one capability pool.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, then call Start/Stop for bulk lifecycle or
//     AddServer/RemoveServer for individual servers.
//   - ServerConfig declares how each server is launched; LoadConfig reads a
//     yaml server set with ${VAR} expansion and validation.
//   - ManagerOptions tune retry counts, backoff, probe intervals, logging,
//     and the transport factory.
//
// Once servers are Ready, the Manager exposes their statuses, clients,
// health scores, and the pool-wide RoutingTable with its conflict map. The
// mcprouter package consumes these to route tool calls and resource reads
// across providers.
package mcppool
