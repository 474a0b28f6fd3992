package mcppool

import "time"

// ConnectionState represents where a server sits in its connection
// lifecycle. Ready is the only state in which protocol operations run.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateInitializing ConnectionState = "initializing"
	StateReady        ConnectionState = "ready"
	StateError        ConnectionState = "error"
)

// CanTransitionTo reports whether moving to next is a legal lifecycle step.
// Any state may fall to Error or be torn down to Disconnected; reconnects
// restart from Error or Disconnected.
func (s ConnectionState) CanTransitionTo(next ConnectionState) bool {
	if next == StateError || next == StateDisconnected {
		return true
	}
	switch s {
	case StateDisconnected, StateError:
		return next == StateConnecting
	case StateConnecting:
		return next == StateConnected || next == StateConnecting
	case StateConnected:
		return next == StateInitializing
	case StateInitializing:
		return next == StateReady
	case StateReady:
		return next == StateReady
	default:
		return false
	}
}

// ServerStatus is a snapshot of one server's lifecycle and health. Values
// are derived through the With… transitions; the Manager is the sole
// writer, everything else reads copies.
type ServerStatus struct {
	ServerID              string
	Name                  string
	State                 ConnectionState
	LastHealthCheck       time.Time
	ErrorMessage          string
	ResponseTime          time.Duration
	ConnectionAttempts    int
	LastConnectionAttempt time.Time
	Config                ServerConfig
}

// NewDisconnectedStatus is the initial status for a newly added server.
func NewDisconnectedStatus(cfg ServerConfig) ServerStatus {
	return ServerStatus{
		ServerID: cfg.ID,
		Name:     cfg.DisplayName(),
		State:    StateDisconnected,
		Config:   cfg,
	}
}

// WithConnecting records the start of connection attempt number attempt.
func (s ServerStatus) WithConnecting(attempt int) ServerStatus {
	s.State = StateConnecting
	s.ErrorMessage = ""
	s.ConnectionAttempts = attempt
	s.LastConnectionAttempt = time.Now()
	return s
}

// WithConnected records an established transport and its connect round trip.
func (s ServerStatus) WithConnected(rtt time.Duration) ServerStatus {
	s.State = StateConnected
	s.ResponseTime = rtt
	return s
}

// WithInitializing records the start of the protocol handshake.
func (s ServerStatus) WithInitializing() ServerStatus {
	s.State = StateInitializing
	return s
}

// WithReady records a completed handshake.
func (s ServerStatus) WithReady(rtt time.Duration) ServerStatus {
	s.State = StateReady
	s.ErrorMessage = ""
	s.ResponseTime = rtt
	return s
}

// WithHealthCheck records a successful probe; the state is unchanged.
func (s ServerStatus) WithHealthCheck(latency time.Duration) ServerStatus {
	s.LastHealthCheck = time.Now()
	s.ResponseTime = latency
	return s
}

// WithError marks the server failed and counts one more failed attempt.
func (s ServerStatus) WithError(msg string) ServerStatus {
	return s.WithErrorAttempts(msg, s.ConnectionAttempts+1)
}

// WithErrorAttempts marks the server failed with an explicit attempt count,
// used when the retry loop already tracked the attempts itself.
func (s ServerStatus) WithErrorAttempts(msg string, attempts int) ServerStatus {
	s.State = StateError
	s.ErrorMessage = msg
	s.ConnectionAttempts = attempts
	return s
}

// WithDisconnected records an orderly teardown.
func (s ServerStatus) WithDisconnected() ServerStatus {
	s.State = StateDisconnected
	s.ErrorMessage = ""
	return s
}
