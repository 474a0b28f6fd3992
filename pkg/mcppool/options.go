package mcppool

import (
	"log/slog"
	"time"

	"github.com/contextroute/mcp-server-pool-go/pkg/mcpclient"
)

// TransportFactory builds the transport used to reach one server. The
// default launches the configured command over stdio; tests and embedders
// can substitute in-memory transports.
type TransportFactory func(cfg ServerConfig) mcpclient.Transport

// ManagerOptions configure a Manager instance.
type ManagerOptions struct {
	// ClientName and ClientVersion identify this pool during the protocol
	// handshake. Defaults: "mcppool" / "1.0.0".
	ClientName    string
	ClientVersion string
	// MaxRetries bounds connection attempts per connect cycle. Default 3.
	MaxRetries int
	// RetryDelay is the delay before the second attempt; it doubles per
	// attempt up to RetryDelayCap. Defaults 1s / 30s.
	RetryDelay    time.Duration
	RetryDelayCap time.Duration
	// ConnectTimeout bounds transport launch plus handshake per attempt.
	// Default 10s.
	ConnectTimeout time.Duration
	// RequestTimeout bounds individual protocol requests. Default 30s.
	RequestTimeout time.Duration
	// HealthCheckInterval spaces the periodic probe sweep. Default 30s.
	HealthCheckInterval time.Duration
	// CapabilityRefreshInterval spaces the periodic re-discovery of tool
	// and resource inventories. Default 5m.
	CapabilityRefreshInterval time.Duration
	// StopGracePeriod bounds how long Stop waits for background work
	// before forcing teardown. Default 10s.
	StopGracePeriod time.Duration
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// TransportFactory overrides how per-server transports are built.
	TransportFactory TransportFactory
}

func (o *ManagerOptions) withDefaults() ManagerOptions {
	var opts ManagerOptions
	if o != nil {
		opts = *o
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcppool"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.RetryDelayCap <= 0 {
		opts.RetryDelayCap = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	if opts.CapabilityRefreshInterval <= 0 {
		opts.CapabilityRefreshInterval = 5 * time.Minute
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TransportFactory == nil {
		logger := opts.Logger
		timeout := opts.RequestTimeout
		opts.TransportFactory = func(cfg ServerConfig) mcpclient.Transport {
			return mcpclient.NewStdioTransport(mcpclient.StdioConfig{
				Command:        cfg.Command,
				Args:           cfg.Args,
				Env:            cfg.Env,
				RequestTimeout: timeout,
				Logger:         logger.With("server", cfg.ID),
			})
		}
	}
	return opts
}
