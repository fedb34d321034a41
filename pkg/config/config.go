// Package config defines the proxyd configuration file format and loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults.
const (
	DefaultAdminPort    = 7070
	DefaultRangeStart   = 49153
	DefaultRangeEnd     = 49400
	DefaultSyncInterval = 15
	DefaultRetentionSec = 300
)

// Config is the top-level proxyd configuration.
type Config struct {
	// Admin configures the operator-facing control API server.
	Admin AdminConfig `json:"admin" yaml:"admin"`

	// Listeners configures the proxy listener pool and port allocation.
	Listeners ListenerConfig `json:"listeners" yaml:"listeners"`

	// Forwarding configures the external forwarding mechanism and the
	// synchronizer.
	Forwarding ForwardingConfig `json:"forwarding" yaml:"forwarding"`

	// DataDir is where the mapping table is persisted. Empty disables
	// persistence.
	DataDir string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`

	// RetentionSeconds is how long removed mappings are kept before purge.
	RetentionSeconds int `json:"retentionSeconds,omitempty" yaml:"retentionSeconds,omitempty"`

	// Logging configures structured log output.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// AdminConfig configures the control API server. The admin port is fixed:
// operators must always find the console backend in the same place.
type AdminConfig struct {
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port" yaml:"port"`

	// RateLimit is the sustained request rate per client; RateBurst the
	// burst allowance. Zero disables limiting.
	RateLimit float64 `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty"`
	RateBurst int     `json:"rateBurst,omitempty" yaml:"rateBurst,omitempty"`
}

// ListenerConfig configures the relay pool and the allocator range.
type ListenerConfig struct {
	// RangeStart and RangeEnd bound automatic port allocation, inclusive.
	RangeStart int `json:"rangeStart" yaml:"rangeStart"`
	RangeEnd   int `json:"rangeEnd" yaml:"rangeEnd"`

	// BindHost is the local address listeners bind. Empty binds all
	// interfaces.
	BindHost string `json:"bindHost,omitempty" yaml:"bindHost,omitempty"`

	// MaxConns caps concurrent connections per listener. Zero = unlimited.
	MaxConns int `json:"maxConns,omitempty" yaml:"maxConns,omitempty"`

	// Timeouts, in seconds.
	DialTimeoutSeconds  int `json:"dialTimeoutSeconds,omitempty" yaml:"dialTimeoutSeconds,omitempty"`
	IdleTimeoutSeconds  int `json:"idleTimeoutSeconds,omitempty" yaml:"idleTimeoutSeconds,omitempty"`
	DrainTimeoutSeconds int `json:"drainTimeoutSeconds,omitempty" yaml:"drainTimeoutSeconds,omitempty"`
}

// ForwardingConfig selects and tunes the forwarding mechanism.
type ForwardingConfig struct {
	// Mechanism is "memory" (in-process rule table) or "exec" (command
	// templates driving a host-level mechanism).
	Mechanism string `json:"mechanism" yaml:"mechanism"`

	// Command templates for the exec mechanism. Placeholders: {port},
	// {host}, {targetPort}.
	ApplyCommand  []string `json:"applyCommand,omitempty" yaml:"applyCommand,omitempty"`
	RemoveCommand []string `json:"removeCommand,omitempty" yaml:"removeCommand,omitempty"`
	ListCommand   []string `json:"listCommand,omitempty" yaml:"listCommand,omitempty"`

	// Synchronizer tuning, in seconds.
	IntervalSeconds    int `json:"intervalSeconds,omitempty" yaml:"intervalSeconds,omitempty"`
	CallTimeoutSeconds int `json:"callTimeoutSeconds,omitempty" yaml:"callTimeoutSeconds,omitempty"`
	MaxFailures        int `json:"maxFailures,omitempty" yaml:"maxFailures,omitempty"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Default returns a configuration with all defaults filled in.
func Default() *Config {
	return &Config{
		Admin: AdminConfig{
			Port: DefaultAdminPort,
		},
		Listeners: ListenerConfig{
			RangeStart: DefaultRangeStart,
			RangeEnd:   DefaultRangeEnd,
		},
		Forwarding: ForwardingConfig{
			Mechanism:       "memory",
			IntervalSeconds: DefaultSyncInterval,
		},
		RetentionSeconds: DefaultRetentionSec,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	d := Default()
	if c.Admin.Port == 0 {
		c.Admin.Port = d.Admin.Port
	}
	if c.Listeners.RangeStart == 0 {
		c.Listeners.RangeStart = d.Listeners.RangeStart
	}
	if c.Listeners.RangeEnd == 0 {
		c.Listeners.RangeEnd = d.Listeners.RangeEnd
	}
	if c.Forwarding.Mechanism == "" {
		c.Forwarding.Mechanism = d.Forwarding.Mechanism
	}
	if c.Forwarding.IntervalSeconds == 0 {
		c.Forwarding.IntervalSeconds = d.Forwarding.IntervalSeconds
	}
	if c.RetentionSeconds == 0 {
		c.RetentionSeconds = d.RetentionSeconds
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port %d out of range", c.Admin.Port)
	}
	if c.Listeners.RangeStart <= 0 || c.Listeners.RangeEnd > 65535 ||
		c.Listeners.RangeEnd < c.Listeners.RangeStart {
		return fmt.Errorf("listeners range [%d, %d] is invalid",
			c.Listeners.RangeStart, c.Listeners.RangeEnd)
	}
	if c.Admin.Port >= c.Listeners.RangeStart && c.Admin.Port <= c.Listeners.RangeEnd {
		return fmt.Errorf("admin.port %d falls inside the listener range [%d, %d]",
			c.Admin.Port, c.Listeners.RangeStart, c.Listeners.RangeEnd)
	}
	switch c.Forwarding.Mechanism {
	case "memory":
	case "exec":
		if len(c.Forwarding.ApplyCommand) == 0 ||
			len(c.Forwarding.RemoveCommand) == 0 ||
			len(c.Forwarding.ListCommand) == 0 {
			return fmt.Errorf("forwarding.mechanism exec requires applyCommand, removeCommand and listCommand")
		}
	default:
		return fmt.Errorf("unknown forwarding.mechanism %q", c.Forwarding.Mechanism)
	}
	return nil
}

// MappingsFile returns the persistence path for the mapping table, or ""
// when persistence is disabled.
func (c *Config) MappingsFile() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, "port_mappings.json")
}

// Retention returns the removed-record retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// DefaultDataDir returns the default data directory, following XDG
// conventions.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "proxyd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".proxyd")
	}
	return filepath.Join(home, ".local", "share", "proxyd")
}
