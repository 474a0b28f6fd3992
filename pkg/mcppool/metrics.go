package mcppool

import (
	"sync"
	"time"
)

// HealthMetrics accumulates rolling success and failure counts plus a moving
// latency average for one managed server. A metrics record is created when
// the server is added and discarded on removal.
type HealthMetrics struct {
	mu           sync.Mutex
	successCount uint64
	failureCount uint64
	avgLatency   time.Duration
}

// RecordSuccess counts one successful probe or routed operation and blends
// its latency into the moving average (weight 1/5 for the new sample).
func (m *HealthMetrics) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successCount++
	if m.avgLatency == 0 {
		m.avgLatency = latency
		return
	}
	m.avgLatency = (m.avgLatency*4 + latency) / 5
}

// RecordFailure counts one failed probe or routed operation.
func (m *HealthMetrics) RecordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount++
}

// Score returns successCount/(successCount+failureCount) in [0,1]. A server
// with no samples scores 1.0: new servers are assumed healthy until proven
// otherwise.
func (m *HealthMetrics) Score() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.successCount + m.failureCount
	if total == 0 {
		return 1.0
	}
	return float64(m.successCount) / float64(total)
}

// AverageLatency returns the current moving average, zero with no samples.
func (m *HealthMetrics) AverageLatency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avgLatency
}

// Counts returns the raw success and failure tallies.
func (m *HealthMetrics) Counts() (successes, failures uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successCount, m.failureCount
}
