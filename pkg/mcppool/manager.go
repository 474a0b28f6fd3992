package mcppool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/contextroute/mcp-server-pool-go/pkg/mcpclient"
)

// Manager owns the transport, client, status record, and health metrics for
// every server in the pool. It drives connect-with-retry, runs the periodic
// health sweep and capability refresh, and maintains the routing table the
// router reads from. The Manager is the sole writer of ServerStatus; every
// accessor returns copies.
type Manager struct {
	opts    ManagerOptions
	logger  *slog.Logger
	configs []ServerConfig

	mu     sync.RWMutex
	states map[string]*serverState
	order  []string

	index *capabilityIndex

	serverRemovedHandlers []func(string)

	runMu       sync.Mutex
	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

type serverState struct {
	config    ServerConfig
	transport mcpclient.Transport
	client    *mcpclient.Client
	status    ServerStatus
	metrics   *HealthMetrics

	connecting bool
	connectCh  chan struct{}
}

// NewManager builds a Manager for the given server set. Nothing connects
// until AddServer or Start is called.
func NewManager(configs []ServerConfig, opts *ManagerOptions) *Manager {
	options := opts.withDefaults()
	return &Manager{
		opts:    options,
		logger:  options.Logger,
		configs: slices.Clone(configs),
		states:  make(map[string]*serverState),
		index:   newCapabilityIndex(),
	}
}

// AddServer registers a server and connects with retry. Disabled configs
// are skipped entirely: no status record, no connection attempt. The call
// returns once the server is Ready or its attempts are exhausted.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Enabled {
		m.logger.Info("skipping disabled server", "server", cfg.ID)
		return nil
	}
	m.mu.Lock()
	if _, exists := m.states[cfg.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("mcppool: server %q already managed", cfg.ID)
	}
	m.states[cfg.ID] = &serverState{
		config:  cfg,
		status:  NewDisconnectedStatus(cfg),
		metrics: &HealthMetrics{},
	}
	m.order = append(m.order, cfg.ID)
	m.mu.Unlock()
	return m.connectWithRetry(ctx, cfg.ID)
}

// connectWithRetry runs up to MaxRetries connection attempts with
// exponential backoff (RetryDelay doubling per attempt, capped at
// RetryDelayCap). Attempts for the same server never overlap; other servers
// proceed in parallel.
func (m *Manager) connectWithRetry(ctx context.Context, serverID string) error {
	release, err := m.acquireConnectSlot(ctx, serverID)
	if err != nil {
		return err
	}
	defer release()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.opts.RetryDelay
	expo.RandomizationFactor = 0
	expo.Multiplier = 2
	expo.MaxInterval = m.opts.RetryDelayCap

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		m.setStatus(serverID, func(s ServerStatus) ServerStatus { return s.WithConnecting(attempt) })
		if err := m.connectOnce(ctx, serverID); err != nil {
			m.logger.Warn("connect attempt failed", "server", serverID, "attempt", attempt, "error", err)
			m.setStatus(serverID, func(s ServerStatus) ServerStatus {
				return s.WithErrorAttempts(err.Error(), attempt)
			})
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(m.opts.MaxRetries)),
	); err != nil {
		msg := fmt.Sprintf("connection attempts exhausted after %d tries: %v", attempt, err)
		m.setStatus(serverID, func(s ServerStatus) ServerStatus {
			return s.WithErrorAttempts(msg, attempt)
		})
		return fmt.Errorf("mcppool: connect %q: %s", serverID, msg)
	}
	return nil
}

// acquireConnectSlot serializes connect cycles per server id.
func (m *Manager) acquireConnectSlot(ctx context.Context, serverID string) (func(), error) {
	for {
		m.mu.Lock()
		st, ok := m.states[serverID]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("mcppool: unknown server %q", serverID)
		}
		if !st.connecting {
			st.connecting = true
			st.connectCh = make(chan struct{})
			ch := st.connectCh
			m.mu.Unlock()
			return func() {
				m.mu.Lock()
				if cur, ok := m.states[serverID]; ok {
					cur.connecting = false
				}
				close(ch)
				m.mu.Unlock()
			}, nil
		}
		ch := st.connectCh
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}

// connectOnce performs one transport launch plus protocol handshake and, on
// success, discovers the server's capabilities.
func (m *Manager) connectOnce(ctx context.Context, serverID string) error {
	m.mu.RLock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("mcppool: unknown server %q", serverID)
	}
	cfg := st.config
	m.mu.RUnlock()

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	transport := m.opts.TransportFactory(cfg)
	start := time.Now()
	if err := transport.Connect(cctx); err != nil {
		return err
	}
	m.setStatus(serverID, func(s ServerStatus) ServerStatus { return s.WithConnected(time.Since(start)) })

	client := mcpclient.NewClient(transport)
	m.setStatus(serverID, func(s ServerStatus) ServerStatus { return s.WithInitializing() })
	info, err := client.Initialize(cctx, mcpclient.Implementation{
		Name:    m.opts.ClientName,
		Version: m.opts.ClientVersion,
	})
	if err != nil {
		_ = transport.Close()
		return err
	}
	rtt := time.Since(start)

	m.mu.Lock()
	if cur, ok := m.states[serverID]; ok {
		cur.transport = transport
		cur.client = client
	} else {
		// Removed while connecting.
		m.mu.Unlock()
		_ = client.Close()
		return fmt.Errorf("mcppool: server %q removed during connect", serverID)
	}
	m.mu.Unlock()

	m.setStatus(serverID, func(s ServerStatus) ServerStatus { return s.WithReady(rtt) })
	m.logger.Info("server ready", "server", serverID, "remote", info.Name, "rtt", rtt)

	if err := m.DiscoverCapabilities(ctx, serverID); err != nil {
		m.logger.Warn("initial capability discovery failed", "server", serverID, "error", err)
	}
	return nil
}

// HealthCheck probes one server with a tools/list round trip, measuring
// latency. A disconnected server or failed probe transitions to Error and
// records a failure sample; success refreshes the health-check timestamp
// without changing state.
func (m *Manager) HealthCheck(ctx context.Context, serverID string) error {
	m.mu.RLock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("mcppool: unknown server %q", serverID)
	}
	client := st.client
	transport := st.transport
	metrics := st.metrics
	m.mu.RUnlock()

	if client == nil || transport == nil || !transport.IsConnected() {
		m.setStatus(serverID, func(s ServerStatus) ServerStatus { return s.WithError("not connected") })
		metrics.RecordFailure()
		return fmt.Errorf("mcppool: server %q not connected", serverID)
	}

	hctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	start := time.Now()
	_, err := client.ListTools(hctx)
	latency := time.Since(start)
	if err != nil {
		m.setStatus(serverID, func(s ServerStatus) ServerStatus { return s.WithError(err.Error()) })
		metrics.RecordFailure()
		return fmt.Errorf("mcppool: health check %q: %w", serverID, err)
	}
	m.setStatus(serverID, func(s ServerStatus) ServerStatus { return s.WithHealthCheck(latency) })
	metrics.RecordSuccess(latency)
	return nil
}

// DiscoverCapabilities records the server's current tool and resource
// inventories and rebuilds the routing table. Failure leaves the previous
// inventory untouched so a transient error never blanks a server's entry.
func (m *Manager) DiscoverCapabilities(ctx context.Context, serverID string) error {
	client := m.Client(serverID)
	if client == nil {
		return fmt.Errorf("mcppool: server %q has no client", serverID)
	}
	dctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()
	tools, err := client.ListTools(dctx)
	if err != nil {
		return fmt.Errorf("mcppool: discover tools %q: %w", serverID, err)
	}
	resources, err := client.ListResources(dctx)
	if err != nil {
		return fmt.Errorf("mcppool: discover resources %q: %w", serverID, err)
	}
	m.index.UpdateServer(serverID, tools, resources)
	m.rebuildRoutingTable()
	return nil
}

// rebuildRoutingTable recomputes the global name→server map and conflict
// map from all current inventories. Contested names resolve to the Ready
// provider with the highest health score; ties keep first-seen order.
func (m *Manager) rebuildRoutingTable() {
	m.index.Rebuild(m.resolveConflict)
}

func (m *Manager) resolveConflict(name string, providers []string) string {
	best := ""
	bestScore := -1.0
	for _, serverID := range providers {
		status, ok := m.Status(serverID)
		if !ok || status.State != StateReady {
			continue
		}
		if score := m.HealthScore(serverID); score > bestScore {
			best = serverID
			bestScore = score
		}
	}
	if best == "" {
		return providers[0]
	}
	return best
}

// RemoveServer closes the server's client and transport best-effort and
// discards its status, metrics, and inventory. Removing an unknown server
// is a no-op, so repeated removal never errors.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	st, ok := m.states[serverID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.states, serverID)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == serverID })
	handlers := slices.Clone(m.serverRemovedHandlers)
	m.mu.Unlock()

	if st.client != nil {
		if err := st.client.Close(); err != nil {
			m.logger.Warn("closing client failed", "server", serverID, "error", err)
		}
	} else if st.transport != nil {
		if err := st.transport.Close(); err != nil {
			m.logger.Warn("closing transport failed", "server", serverID, "error", err)
		}
	}
	m.index.RemoveServer(serverID)
	m.rebuildRoutingTable()

	// Notify out of lock to avoid deadlocks; isolate handler panics.
	for _, handler := range handlers {
		func(h func(string)) {
			defer func() { _ = recover() }()
			h(serverID)
		}(handler)
	}
	_ = ctx
	return nil
}

// OnServerRemoved registers a callback invoked after RemoveServer discards
// a server. Handlers run without the manager lock held.
func (m *Manager) OnServerRemoved(handler func(string)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.serverRemovedHandlers = append(m.serverRemovedHandlers, handler)
	m.mu.Unlock()
}

// Start adds every configured server concurrently, then launches the
// periodic health sweep and capability refresh.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	if m.sweepCancel != nil {
		m.runMu.Unlock()
		return errors.New("mcppool: manager already started")
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	m.sweepCancel = cancel
	m.runMu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(m.configs))
	for i, cfg := range m.configs {
		wg.Add(1)
		go func(i int, cfg ServerConfig) {
			defer wg.Done()
			errs[i] = m.AddServer(ctx, cfg)
		}(i, cfg)
	}
	wg.Wait()

	m.sweepWG.Add(2)
	go m.healthSweepLoop(sweepCtx)
	go m.refreshLoop(sweepCtx)

	return errors.Join(errs...)
}

// Stop cancels the background sweeps, waits for outstanding work up to the
// grace period, and removes every managed server.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMu.Lock()
	cancel := m.sweepCancel
	m.sweepCancel = nil
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			m.sweepWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(m.opts.StopGracePeriod):
			m.logger.Warn("stop grace period elapsed with background work outstanding")
		case <-ctx.Done():
		}
	}

	var errs []error
	for _, serverID := range m.ServerIDs() {
		if err := m.RemoveServer(ctx, serverID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// healthSweepLoop periodically recovers failed servers and probes the rest.
// Recovery runs on the servers already in Error when the sweep begins, so a
// failure detected by this sweep's probes is recovered by the next one.
func (m *Manager) healthSweepLoop(ctx context.Context) {
	defer m.sweepWG.Done()
	ticker := time.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	for _, serverID := range m.ServerIDs() {
		status, ok := m.Status(serverID)
		if !ok {
			continue
		}
		if status.State == StateError {
			m.recoverServer(ctx, serverID, status.Config)
		}
	}
	for _, serverID := range m.ServerIDs() {
		if err := m.HealthCheck(ctx, serverID); err != nil {
			m.logger.Warn("health check failed", "server", serverID, "error", err)
		}
	}
}

// recoverServer performs a full remove-and-re-add cycle rather than an
// incremental repair.
func (m *Manager) recoverServer(ctx context.Context, serverID string, cfg ServerConfig) {
	m.logger.Info("recovering failed server", "server", serverID)
	if err := m.RemoveServer(ctx, serverID); err != nil {
		m.logger.Warn("recovery removal failed", "server", serverID, "error", err)
		return
	}
	if err := m.AddServer(ctx, cfg); err != nil {
		m.logger.Warn("recovery reconnect failed", "server", serverID, "error", err)
	}
}

// refreshLoop periodically re-discovers capabilities of Ready servers.
func (m *Manager) refreshLoop(ctx context.Context) {
	defer m.sweepWG.Done()
	ticker := time.NewTicker(m.opts.CapabilityRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, serverID := range m.ReadyServers() {
				if err := m.DiscoverCapabilities(ctx, serverID); err != nil {
					m.logger.Warn("capability refresh failed", "server", serverID, "error", err)
				}
			}
		}
	}
}

// setStatus applies one status transition under the write lock. Illegal
// lifecycle transitions are logged; the Manager is the only writer, so a
// warning here points at a sequencing bug.
func (m *Manager) setStatus(serverID string, transition func(ServerStatus) ServerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[serverID]
	if !ok {
		return
	}
	next := transition(st.status)
	if next.State != st.status.State && !st.status.State.CanTransitionTo(next.State) {
		m.logger.Warn("illegal state transition",
			"server", serverID, "from", st.status.State, "to", next.State)
	}
	st.status = next
}

// Status returns a copy of one server's status.
func (m *Manager) Status(serverID string) (ServerStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok {
		return ServerStatus{}, false
	}
	return st.status, true
}

// Statuses returns status copies for every managed server in add order.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ServerStatus, 0, len(m.order))
	for _, serverID := range m.order {
		if st, ok := m.states[serverID]; ok {
			out = append(out, st.status)
		}
	}
	return out
}

// ServerIDs returns the managed server ids in add order.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// ReadyServers returns the ids of servers currently in the Ready state, in
// add order.
func (m *Manager) ReadyServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ready []string
	for _, serverID := range m.order {
		if st, ok := m.states[serverID]; ok && st.status.State == StateReady {
			ready = append(ready, serverID)
		}
	}
	return ready
}

// Client returns the protocol client for a server, or nil when the server
// is unknown or not yet connected.
func (m *Manager) Client(serverID string) *mcpclient.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.client
	}
	return nil
}

// HealthScore returns the server's current success ratio, 1.0 for a server
// with no samples, and 0 for an unknown server.
func (m *Manager) HealthScore(serverID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.metrics.Score()
	}
	return 0
}

// AverageLatency returns the server's moving latency average.
func (m *Manager) AverageLatency(serverID string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[serverID]; ok {
		return st.metrics.AverageLatency()
	}
	return 0
}

// RecordOperation feeds a routed operation's outcome into the server's
// health metrics.
func (m *Manager) RecordOperation(serverID string, latency time.Duration, err error) {
	m.mu.RLock()
	st, ok := m.states[serverID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if err != nil {
		st.metrics.RecordFailure()
		return
	}
	st.metrics.RecordSuccess(latency)
}

// RoutingTable returns a copy of the current routing table.
func (m *Manager) RoutingTable() RoutingTable {
	return m.index.Table()
}

// ToolProviders returns every server advertising the tool in first-seen
// order.
func (m *Manager) ToolProviders(name string) []string {
	return m.index.ToolProviders(name)
}

// ResourceProviders returns every server advertising the resource URI in
// first-seen order.
func (m *Manager) ResourceProviders(uri string) []string {
	return m.index.ResourceProviders(uri)
}
