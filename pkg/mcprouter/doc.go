// Package mcprouter routes MCP tool calls and resource reads across the
// servers managed by an mcppool.Manager. When several servers provide the
// same capability a pluggable Strategy picks one, and failed attempts fall
// over to the remaining providers before the call is reported failed.
//
// # Core entry points
//
//   - Router is the dispatch type; construct with NewRouter over any Pool
//     (normally an *mcppool.Manager).
//   - Strategy selects among providers. HealthBased (the default) scores
//     state, latency, probe recency, and success ratio; RoundRobin cycles.
//   - ListAllTools and ListAllResources aggregate the pool-wide inventory
//     with first-seen deduplication.
package mcprouter
