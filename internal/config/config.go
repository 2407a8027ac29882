// Package config loads the relay's YAML configuration. A missing or broken
// file never stops the relay: Load returns the defaults together with
// ErrConfigLoad.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SWAI-Ltd/relaymesh/internal/logging"
)

const (
	DefaultPath = "config.yaml"
	// PathEnv names the config file when no flag is given.
	PathEnv = "RELAY_CONFIG"
)

var ErrConfigLoad = errors.New("config load failure")

type Config struct {
	Network   NetworkConfig   `yaml:"network"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Relay     RelayConfig     `yaml:"relay"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logging   logging.Config  `yaml:"logging"`
}

// NetworkConfig intervals are in seconds.
type NetworkConfig struct {
	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"`
	PublicIP      string `yaml:"public_ip"`
	// QUICPort enables the QUIC listener when non-zero.
	QUICPort          int `yaml:"quic_port"`
	MaxConnections    int `yaml:"max_connections"`
	HeartbeatInterval int `yaml:"heartbeat_interval"`
}

type GossipConfig struct {
	Topics           []string `yaml:"topics"`
	MessageCacheSize int      `yaml:"message_cache_size"`
	MaxMessageSize   int      `yaml:"max_message_size"`
	// MaxClockSkew is in seconds.
	MaxClockSkew int `yaml:"max_clock_skew"`
}

type BootstrapConfig struct {
	CentralHub      string   `yaml:"central_hub"`
	BootstrapRelays []string `yaml:"bootstrap_relays"`
	MinConnections  int      `yaml:"min_connections"`
	MaxConnections  int      `yaml:"max_connections"`
	ReconnectDelay  int      `yaml:"reconnect_delay"`
	DialTimeout     int      `yaml:"dial_timeout"`
}

type RelayConfig struct {
	Name      string `yaml:"name"`
	Region    string `yaml:"region"`
	SendQueue int    `yaml:"send_queue"`
}

type MetricsConfig struct {
	// Listen serves /metrics when set, e.g. ":9100".
	Listen string `yaml:"listen"`
}

type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		Network: NetworkConfig{
			ListenAddress:     "0.0.0.0",
			ListenPort:        4001,
			MaxConnections:    1000,
			HeartbeatInterval: 30,
		},
		Gossip: GossipConfig{
			Topics:           []string{"zeta-network-global"},
			MessageCacheSize: 5000,
			MaxMessageSize:   1 << 20,
			MaxClockSkew:     int((24 * time.Hour).Seconds()),
		},
		Bootstrap: BootstrapConfig{
			MinConnections: 1,
			MaxConnections: 10,
			ReconnectDelay: 10,
			DialTimeout:    10,
		},
		Relay: RelayConfig{
			Region:    "auto",
			SendQueue: 256,
		},
		Logging: logging.DefaultConfig(),
	}
}

// ResolvePath picks the config path: the flag value, then $RELAY_CONFIG,
// then config.yaml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(PathEnv)); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads path over the defaults. On any error the defaults are
// returned with an error wrapping ErrConfigLoad.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("%w: %v", ErrConfigLoad, err)
	}
	return Parse(data)
}

// Parse overlays data onto the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("%w: %v", ErrConfigLoad, err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize puts zero or negative values back to their defaults.
func (c *Config) normalize() {
	d := Default()
	fix := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	if c.Network.ListenAddress == "" {
		c.Network.ListenAddress = d.Network.ListenAddress
	}
	fix(&c.Network.ListenPort, d.Network.ListenPort)
	fix(&c.Network.MaxConnections, d.Network.MaxConnections)
	fix(&c.Network.HeartbeatInterval, d.Network.HeartbeatInterval)
	fix(&c.Gossip.MessageCacheSize, d.Gossip.MessageCacheSize)
	fix(&c.Gossip.MaxMessageSize, d.Gossip.MaxMessageSize)
	fix(&c.Gossip.MaxClockSkew, d.Gossip.MaxClockSkew)
	fix(&c.Bootstrap.MinConnections, d.Bootstrap.MinConnections)
	fix(&c.Bootstrap.MaxConnections, d.Bootstrap.MaxConnections)
	fix(&c.Bootstrap.ReconnectDelay, d.Bootstrap.ReconnectDelay)
	fix(&c.Bootstrap.DialTimeout, d.Bootstrap.DialTimeout)
	fix(&c.Relay.SendQueue, d.Relay.SendQueue)
	if len(c.Gossip.Topics) == 0 {
		c.Gossip.Topics = d.Gossip.Topics
	}
	if c.Relay.Region == "" {
		c.Relay.Region = d.Relay.Region
	}
}

func (n NetworkConfig) ListenAddr() string {
	return net.JoinHostPort(n.ListenAddress, strconv.Itoa(n.ListenPort))
}

// QUICAddr is empty when QUIC is disabled.
func (n NetworkConfig) QUICAddr() string {
	if n.QUICPort <= 0 {
		return ""
	}
	return net.JoinHostPort(n.ListenAddress, strconv.Itoa(n.QUICPort))
}

func (n NetworkConfig) Heartbeat() time.Duration {
	return time.Duration(n.HeartbeatInterval) * time.Second
}

func (g GossipConfig) ClockSkew() time.Duration {
	return time.Duration(g.MaxClockSkew) * time.Second
}

func (b BootstrapConfig) Backoff() time.Duration {
	return time.Duration(b.ReconnectDelay) * time.Second
}

func (b BootstrapConfig) DialTimeoutDuration() time.Duration {
	return time.Duration(b.DialTimeout) * time.Second
}
