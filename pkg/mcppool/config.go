package mcppool

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerConfig declares how one MCP server is launched. It is immutable
// once handed to the Manager; the ID is the unique key within a pool.
type ServerConfig struct {
	ID      string            `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`
	Enabled bool              `yaml:"enabled" json:"enabled"`
}

// ConfigurationError reports an invalid server declaration.
type ConfigurationError struct {
	ServerID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.ServerID == "" {
		return fmt.Sprintf("mcppool: invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("mcppool: invalid configuration for %q: %s", e.ServerID, e.Reason)
}

// Validate checks the launch declaration. Disabled servers are still
// required to be well formed so a later enable cannot surface a stale
// mistake.
func (c ServerConfig) Validate() error {
	if c.ID == "" {
		return &ConfigurationError{Reason: "server id is required"}
	}
	if strings.TrimSpace(c.Command) == "" {
		return &ConfigurationError{ServerID: c.ID, Reason: "command is required"}
	}
	return nil
}

// DisplayName returns the human-facing name, falling back to the ID.
func (c ServerConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// PoolConfig is the file form of a pool's server set.
type PoolConfig struct {
	Servers []ServerConfig `yaml:"servers"`
}

// Validate checks every server and rejects duplicate ids.
func (c *PoolConfig) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, server := range c.Servers {
		if err := server.Validate(); err != nil {
			return err
		}
		if seen[server.ID] {
			return &ConfigurationError{ServerID: server.ID, Reason: "duplicate server id"}
		}
		seen[server.ID] = true
	}
	return nil
}

// ExpandEnvVars substitutes ${VAR} references in commands, args, and env
// values so secrets can stay out of the file.
func (c *PoolConfig) ExpandEnvVars() {
	for i := range c.Servers {
		server := &c.Servers[i]
		server.Command = expandEnvVar(server.Command)
		for j := range server.Args {
			server.Args[j] = expandEnvVar(server.Args[j])
		}
		for key, value := range server.Env {
			server.Env[key] = expandEnvVar(value)
		}
	}
}

func expandEnvVar(value string) string {
	if strings.Contains(value, "${") {
		return os.ExpandEnv(value)
	}
	return value
}

// fileServerConfig mirrors ServerConfig but distinguishes an absent enabled
// key (defaults to true) from an explicit enabled: false.
type fileServerConfig struct {
	ID      string            `yaml:"id"`
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled *bool             `yaml:"enabled"`
}

// LoadConfig reads, expands, and validates a yaml pool configuration.
func LoadConfig(path string) (*PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcppool: read config: %w", err)
	}
	var raw struct {
		Servers []fileServerConfig `yaml:"servers"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("mcppool: parse config: %w", err)
	}
	cfg := &PoolConfig{Servers: make([]ServerConfig, 0, len(raw.Servers))}
	for _, server := range raw.Servers {
		enabled := true
		if server.Enabled != nil {
			enabled = *server.Enabled
		}
		cfg.Servers = append(cfg.Servers, ServerConfig{
			ID:      server.ID,
			Name:    server.Name,
			Command: server.Command,
			Args:    server.Args,
			Env:     server.Env,
			Enabled: enabled,
		})
	}
	cfg.ExpandEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
