package mcprouter

import (
	"sync/atomic"
	"time"

	"github.com/contextroute/mcp-server-pool-go/pkg/mcpclient"
	"github.com/contextroute/mcp-server-pool-go/pkg/mcppool"
)

// Pool is the subset of mcppool.Manager the router depends on. Anything that
// can answer these can be routed over, which keeps strategy tests free of
// real server plumbing.
type Pool interface {
	Status(serverID string) (mcppool.ServerStatus, bool)
	HealthScore(serverID string) float64
	Client(serverID string) *mcpclient.Client
	ReadyServers() []string
	ToolProviders(name string) []string
	ResourceProviders(uri string) []string
	RecordOperation(serverID string, latency time.Duration, err error)
}

// Strategy picks one server from the candidate list, reporting false when
// the list is empty. Implementations must not mutate the slice.
type Strategy interface {
	Select(pool Pool, candidates []string) (string, bool)
}

// HealthBased scores every candidate and picks the highest; ties keep the
// earliest candidate. The score favors servers that are Ready, answered
// recently, answer fast, and hold a high success ratio.
type HealthBased struct{}

// Select implements Strategy.
func (HealthBased) Select(pool Pool, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	bestScore := -1.0
	for _, serverID := range candidates {
		if score := healthScore(pool, serverID); score > bestScore {
			best = serverID
			bestScore = score
		}
	}
	return best, true
}

func healthScore(pool Pool, serverID string) float64 {
	status, ok := pool.Status(serverID)
	if !ok {
		return 0
	}
	score := pool.HealthScore(serverID) * 100

	switch status.State {
	case mcppool.StateReady:
		score += 50
	case mcppool.StateConnected:
		score += 25
	}

	switch rt := status.ResponseTime; {
	case rt <= 0:
		// No sample yet; contributes nothing.
	case rt <= 50*time.Millisecond:
		score += 30
	case rt <= 100*time.Millisecond:
		score += 25
	case rt <= 500*time.Millisecond:
		score += 15
	case rt <= time.Second:
		score += 10
	default:
		score += 5
	}

	if !status.LastHealthCheck.IsZero() {
		switch age := time.Since(status.LastHealthCheck); {
		case age <= time.Minute:
			score += 20
		case age <= 5*time.Minute:
			score += 15
		case age <= 15*time.Minute:
			score += 10
		case age <= time.Hour:
			score += 5
		}
	}
	return score
}

// RoundRobin cycles through the candidates in order, one pick per call. The
// counter is shared across tool names, which is fine: fairness matters per
// router, not per name.
type RoundRobin struct {
	counter atomic.Uint64
}

// Select implements Strategy.
func (r *RoundRobin) Select(pool Pool, candidates []string) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	n := r.counter.Add(1) - 1
	return candidates[n%uint64(len(candidates))], true
}
