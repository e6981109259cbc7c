// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"offgrid/internal/utils"
)

const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"

	MethodDirect     = "direct"
	MethodDNS        = "dns"
	MethodWebSocket  = "websocket"
	MethodMDNS       = "mdns"
	MethodRendezvous = "rendezvous"
)

var knownMethods = map[string]bool{
	MethodDirect:     true,
	MethodDNS:        true,
	MethodWebSocket:  true,
	MethodMDNS:       true,
	MethodRendezvous: true,
}

type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Messages  MessagesConfig  `yaml:"messages"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Network   NetworkConfig   `yaml:"network"`
	Log       LogConfig       `yaml:"log"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type QueueConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

type MessagesConfig struct {
	Dedup      bool          `yaml:"dedup"`
	Encrypt    bool          `yaml:"encrypt"`
	MaxRetries int           `yaml:"max_retries"`
	BatchSize  int           `yaml:"batch_size"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type BootstrapNodeConfig struct {
	ID        string   `yaml:"id"`
	Addr      string   `yaml:"addr"`
	Protocols []string `yaml:"protocols"`
}

type BootstrapConfig struct {
	Nodes             []BootstrapNodeConfig `yaml:"nodes"`
	Methods           []string              `yaml:"methods"`
	MethodAttempts    map[string]int        `yaml:"method_attempts"`
	ConnectTimeout    time.Duration         `yaml:"connect_timeout"`
	RetryDelay        time.Duration         `yaml:"retry_delay"`
	ReliabilityAlpha  float64               `yaml:"reliability_alpha"`
	DNSDomain         string                `yaml:"dns_domain"`
	WebSocketURL      string                `yaml:"websocket_url"`
	MDNSService       string                `yaml:"mdns_service"`
	MDNSWindow        time.Duration         `yaml:"mdns_window"`
	Rendezvous        string                `yaml:"rendezvous"`
	HealthInterval    time.Duration         `yaml:"health_interval"`
	MinPeers          int                   `yaml:"min_peers"`
	MinInteractions   int                   `yaml:"min_interactions"`
	MaxRecommendation int                   `yaml:"max_recommendations"`
	DecayFactor       float64               `yaml:"decay_factor"`
	ProximityWeight   float64               `yaml:"proximity_weight"`
	InterestWeight    float64               `yaml:"interest_weight"`
	MaxDistanceKm     float64               `yaml:"max_distance_km"`
}

type NetworkConfig struct {
	ListenAddrs []string `yaml:"listen_addrs"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	RemotePort  int    `yaml:"remote_port"`
}

func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "offgrid.db",
		},
		Queue: QueueConfig{
			MaxRetries:   5,
			SyncInterval: 30 * time.Second,
		},
		Messages: MessagesConfig{
			Dedup:      true,
			Encrypt:    true,
			MaxRetries: 3,
			BatchSize:  10,
			RetryDelay: 100 * time.Millisecond,
		},
		Bootstrap: BootstrapConfig{
			Methods: []string{MethodDirect, MethodDNS, MethodWebSocket, MethodMDNS},
			MethodAttempts: map[string]int{
				MethodDirect:    2,
				MethodDNS:       1,
				MethodWebSocket: 1,
				MethodMDNS:      1,
			},
			ConnectTimeout:    10 * time.Second,
			RetryDelay:        time.Second,
			ReliabilityAlpha:  0.2,
			MDNSService:       "offgrid-mdns",
			MDNSWindow:        5 * time.Second,
			Rendezvous:        "/offgrid/rendezvous/v1",
			HealthInterval:    time.Minute,
			MinPeers:          3,
			MinInteractions:   3,
			MaxRecommendation: 10,
			DecayFactor:       0.95,
			ProximityWeight:   0.1,
			InterestWeight:    0.1,
			MaxDistanceKm:     100,
		},
		Network: NetworkConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if !utils.IsYAMLFile(path) {
		return nil, ErrInvalidConfig.WithDetails(fmt.Sprintf("%s is not a yaml file", path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ErrInvalidConfig.WithDetails(fmt.Sprintf("failed to parse config YAML: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendBolt:
		if c.Storage.Path == "" {
			return ErrInvalidConfig.WithDetails("storage.path is required for " + c.Storage.Backend)
		}
	case BackendMemory:
	default:
		return ErrInvalidConfig.WithDetails("unknown storage backend " + c.Storage.Backend)
	}
	if c.Queue.MaxRetries <= 0 {
		return ErrInvalidConfig.WithDetails("queue.max_retries must be positive")
	}
	if c.Messages.MaxRetries <= 0 {
		return ErrInvalidConfig.WithDetails("messages.max_retries must be positive")
	}
	if c.Messages.BatchSize <= 0 {
		return ErrInvalidConfig.WithDetails("messages.batch_size must be positive")
	}
	if a := c.Bootstrap.ReliabilityAlpha; a <= 0 || a > 1 {
		return ErrInvalidConfig.WithDetails("bootstrap.reliability_alpha must be in (0,1]")
	}
	if d := c.Bootstrap.DecayFactor; d <= 0 || d > 1 {
		return ErrInvalidConfig.WithDetails("bootstrap.decay_factor must be in (0,1]")
	}
	if c.Bootstrap.MaxRecommendation <= 0 {
		return ErrInvalidConfig.WithDetails("bootstrap.max_recommendations must be positive")
	}
	for _, m := range c.Bootstrap.Methods {
		if !knownMethods[m] {
			return ErrInvalidConfig.WithDetails("unknown bootstrap method " + m)
		}
	}
	return nil
}

// Attempts returns the per-method attempt cap, at least 1.
func (b BootstrapConfig) Attempts(method string) int {
	if n := b.MethodAttempts[method]; n > 0 {
		return n
	}
	return 1
}

var ErrInvalidConfig = utils.ValidationError("invalid config")
