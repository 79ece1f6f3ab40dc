// Package config manages host configuration and state persistence
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigDirName is the name of the config directory
	ConfigDirName = ".lanlink"
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.yaml"
)

// Defaults
const (
	DefaultDiscoveryPort  = 9050
	DefaultSessionPort    = 23456
	DefaultMaxPeers       = 10
	DefaultToken          = "SomeConnectionKey"
	DefaultRetryTicks     = 100
	DefaultHeartbeatTicks = 100
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultLogLevel       = "info"

	// DefaultSessionTransport carries sessions over websockets; "grpc" is the alternative
	DefaultSessionTransport = "websocket"
)

// Config holds the settings shared by the client and server hosts
type Config struct {
	// DiscoveryPort is where the server listens for probes and clients broadcast them
	DiscoveryPort int `yaml:"discovery_port"`
	// BindAddress is the IPv4 address the server binds; empty means all interfaces
	BindAddress string `yaml:"bind_address"`
	// SessionPort is where the server accepts sessions
	SessionPort int `yaml:"session_port"`
	// MaxPeers caps concurrent sessions on the server
	MaxPeers int `yaml:"max_peers"`
	// Token is the shared connection key
	Token string `yaml:"token"`
	// SessionTransport is "websocket" or "grpc"; client and server must match
	SessionTransport string `yaml:"session_transport"`

	RetryTicks     int           `yaml:"retry_ticks"`
	HeartbeatTicks int           `yaml:"heartbeat_ticks"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	// MetricsAddr serves /metrics when set, e.g. ":9100"
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	LogLevel    string `yaml:"log_level"`
	// Relay makes the server re-send every message to all sessions
	Relay bool `yaml:"relay,omitempty"`
}

// Paths holds commonly used paths
type Paths struct {
	// ConfigDir is ~/.lanlink
	ConfigDir string
	// ConfigFile is ~/.lanlink/config.yaml
	ConfigFile string
}

// GetPaths returns the standard paths
func GetPaths() (*Paths, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ConfigDirName)
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName),
	}, nil
}

// EnsureDirectories creates all required directories
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", p.ConfigDir, err)
	}
	return nil
}

// Default returns a new Config with default values
func Default() *Config {
	return &Config{
		DiscoveryPort:    DefaultDiscoveryPort,
		SessionPort:      DefaultSessionPort,
		MaxPeers:         DefaultMaxPeers,
		Token:            DefaultToken,
		SessionTransport: DefaultSessionTransport,
		RetryTicks:       DefaultRetryTicks,
		HeartbeatTicks:   DefaultHeartbeatTicks,
		PollInterval:     DefaultPollInterval,
		LogLevel:         DefaultLogLevel,
	}
}

// Validate checks that every setting is usable
func (c *Config) Validate() error {
	var errs []error
	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		errs = append(errs, fmt.Errorf("discovery_port %d out of range", c.DiscoveryPort))
	}
	if c.SessionPort < 0 || c.SessionPort > 65535 {
		errs = append(errs, fmt.Errorf("session_port %d out of range", c.SessionPort))
	}
	if c.BindAddress != "" {
		if ip := net.ParseIP(c.BindAddress); ip == nil || ip.To4() == nil {
			errs = append(errs, fmt.Errorf("bind_address %q is not an IPv4 address", c.BindAddress))
		}
	}
	if c.MaxPeers < 1 {
		errs = append(errs, fmt.Errorf("max_peers must be at least 1, got %d", c.MaxPeers))
	}
	switch c.SessionTransport {
	case "websocket", "grpc":
	default:
		errs = append(errs, fmt.Errorf("session_transport %q must be websocket or grpc", c.SessionTransport))
	}
	if c.RetryTicks < 1 {
		errs = append(errs, fmt.Errorf("retry_ticks must be at least 1, got %d", c.RetryTicks))
	}
	if c.HeartbeatTicks < 1 {
		errs = append(errs, fmt.Errorf("heartbeat_ticks must be at least 1, got %d", c.HeartbeatTicks))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	return errors.Join(errs...)
}

// Load reads configuration from path, or from ~/.lanlink/config.yaml when path is
// empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		paths, err := GetPaths()
		if err != nil {
			return nil, err
		}
		if err := paths.EnsureDirectories(); err != nil {
			return nil, err
		}
		path = paths.ConfigFile
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

// Save writes configuration to path, or to ~/.lanlink/config.yaml when path is empty
func (c *Config) Save(path string) error {
	if path == "" {
		paths, err := GetPaths()
		if err != nil {
			return err
		}
		path = paths.ConfigFile
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The token is a shared secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
