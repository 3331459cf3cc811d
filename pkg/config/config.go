package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Node NodeConfig `yaml:"node"`
	Mesh MeshConfig `yaml:"mesh"`
	Log  LogConfig  `yaml:"log"`
}

// NodeConfig node configuration (listening and connecting)
type NodeConfig struct {
	BindAddr         string `yaml:"bind_addr"`         // Address to accept peers on (e.g. "127.0.0.1:7000"). Empty: client only
	AdvertiseAddr    string `yaml:"advertise_addr"`    // Address announced to peers in ConnInit (optional, defaults to the bound address)
	ConnectAddr      string `yaml:"connect_addr"`      // Peer to dial on startup (optional)
	ListenAddress    string `yaml:"listen_address"`    // Metrics listener address
	TelemetryPath    string `yaml:"telemetry_path"`    // Metrics path
	HandshakeTimeout int    `yaml:"handshake_timeout"` // Seconds an inbound peer has to send ConnInit
	ChannelBuffer    int    `yaml:"channel_buffer"`    // Capacity of the package and command queues
}

// MeshConfig overlay tuning
type MeshConfig struct {
	MaxDegree     int `yaml:"max_degree"`     // Peer count at which gossip stops opening new connections
	MaxPingMs     int `yaml:"max_ping_ms"`    // Latency ceiling in milliseconds, at most 65535
	ProbeInterval int `yaml:"probe_interval"` // Seconds between ping rounds
	DialTimeout   int `yaml:"dial_timeout"`   // Outbound dial timeout in seconds
}

// LogConfig log configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

const maxPingCeilingMs = 1<<16 - 1

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		// Try default path
		configPath = "config.yaml"
	}

	// Check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	config.SetDefaults()

	// Apply environment variable overrides
	config.ApplyEnvOverrides()

	return &config, nil
}

// Default returns a configuration with defaults and environment overrides applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	c.ApplyEnvOverrides()
	return c
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Node.ListenAddress == "" {
		c.Node.ListenAddress = ":9090"
	}
	if c.Node.TelemetryPath == "" {
		c.Node.TelemetryPath = "/metrics"
	}
	if c.Node.HandshakeTimeout == 0 {
		c.Node.HandshakeTimeout = 10
	}
	if c.Node.ChannelBuffer == 0 {
		c.Node.ChannelBuffer = 1024
	}

	if c.Mesh.MaxDegree == 0 {
		c.Mesh.MaxDegree = 4
	}
	if c.Mesh.MaxPingMs == 0 {
		c.Mesh.MaxPingMs = 60_000
	}
	if c.Mesh.ProbeInterval == 0 {
		c.Mesh.ProbeInterval = 5
	}
	if c.Mesh.DialTimeout == 0 {
		c.Mesh.DialTimeout = 60
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
}

// Validate reports settings the node cannot run with.
func (c *Config) Validate() error {
	if c.Mesh.MaxDegree < 1 {
		return fmt.Errorf("mesh.max_degree must be positive, got %d", c.Mesh.MaxDegree)
	}
	if c.Mesh.MaxPingMs < 1 || c.Mesh.MaxPingMs > maxPingCeilingMs {
		return fmt.Errorf("mesh.max_ping_ms must be between 1 and %d, got %d", maxPingCeilingMs, c.Mesh.MaxPingMs)
	}
	if c.Node.BindAddr == "" && c.Node.ConnectAddr == "" {
		return fmt.Errorf("nothing to do: set a bind address, a connect address, or both")
	}
	return nil
}

// GetMaxPing gets the latency ceiling
func (c *Config) GetMaxPing() time.Duration {
	return time.Duration(c.Mesh.MaxPingMs) * time.Millisecond
}

// GetProbeInterval gets the interval between ping rounds
func (c *Config) GetProbeInterval() time.Duration {
	return time.Duration(c.Mesh.ProbeInterval) * time.Second
}

// GetDialTimeout gets dial timeout
func (c *Config) GetDialTimeout() time.Duration {
	return time.Duration(c.Mesh.DialTimeout) * time.Second
}

// GetHandshakeTimeout gets the inbound handshake timeout
func (c *Config) GetHandshakeTimeout() time.Duration {
	return time.Duration(c.Node.HandshakeTimeout) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	// Node config
	if val := os.Getenv("NODE_BIND_ADDR"); val != "" {
		c.Node.BindAddr = val
	}
	if val := os.Getenv("NODE_ADVERTISE_ADDR"); val != "" {
		c.Node.AdvertiseAddr = val
	}
	if val := os.Getenv("NODE_CONNECT_ADDR"); val != "" {
		c.Node.ConnectAddr = val
	}
	if val := os.Getenv("NODE_LISTEN_ADDRESS"); val != "" {
		c.Node.ListenAddress = val
	}
	if val := os.Getenv("NODE_TELEMETRY_PATH"); val != "" {
		c.Node.TelemetryPath = val
	}
	setInt(&c.Node.HandshakeTimeout, "NODE_HANDSHAKE_TIMEOUT_SECONDS")
	setInt(&c.Node.ChannelBuffer, "NODE_CHANNEL_BUFFER")

	// Mesh config
	setInt(&c.Mesh.MaxDegree, "MESH_MAX_DEGREE")
	setInt(&c.Mesh.MaxPingMs, "MESH_MAX_PING_MS")
	setInt(&c.Mesh.ProbeInterval, "MESH_PROBE_INTERVAL_SECONDS")
	setInt(&c.Mesh.DialTimeout, "MESH_DIAL_TIMEOUT_SECONDS")

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FILE"); val != "" {
		c.Log.File = val
	}
}

func setInt(dst *int, env string) {
	if val := os.Getenv(env); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}
