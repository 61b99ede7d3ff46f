// Package config loads the node configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names.
const (
	TransportTCP    = "tcp"
	TransportDaemon = "daemon"
	TransportMemory = "memory"
)

// Cache backend names.
const (
	CacheBolt  = "bolt"
	CacheRedis = "redis"
)

// Config holds the node configuration.
type Config struct {
	EID           string `yaml:"eid"`
	DataDir       string `yaml:"data_dir"`
	KeyFile       string `yaml:"key_file"`       // defaults to <data_dir>/id.key
	ListenAddr    string `yaml:"listen_addr"`    // TCP transport bind address
	AdvertiseAddr string `yaml:"advertise_addr"` // origin reported to peers; defaults to listen_addr
	Transport     string `yaml:"transport"`
	DaemonURL     string `yaml:"daemon_url"`
	StatusAddr    string `yaml:"status_addr"` // status and control API served by listen; empty disables

	Cache CacheConfig `yaml:"cache"`

	ReceiveTimeout    time.Duration `yaml:"receive_timeout"`
	ReplayWindow      time.Duration `yaml:"replay_window"` // 0 disables replay dropping
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	Radio RadioConfig `yaml:"radio"`
	Log   LogConfig   `yaml:"log"`
}

type CacheConfig struct {
	Backend     string `yaml:"backend"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type RadioConfig struct {
	ChunkSize int           `yaml:"chunk_size"`
	Pacing    time.Duration `yaml:"pacing"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir:    "dtnode-data",
		ListenAddr: "127.0.0.1:3000",
		Transport:  TransportTCP,
		DaemonURL:  "ws://127.0.0.1:4556/ws",
		StatusAddr: "127.0.0.1:8089",
		Cache: CacheConfig{
			Backend:     CacheBolt,
			RedisAddr:   "127.0.0.1:6379",
			RedisPrefix: "dtnode",
		},
		ReceiveTimeout:    10 * time.Second,
		DiscoveryInterval: 5 * time.Second,
		Radio: RadioConfig{
			ChunkSize: 200,
			Pacing:    20 * time.Millisecond,
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath returns the config file path inside dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads the configuration from the given YAML file path over the
// defaults. If the file does not exist, it returns the defaults with no
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// KeyPath returns the identity key file path.
func (c *Config) KeyPath() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return filepath.Join(c.DataDir, "id.key")
}

// Advertise returns the address peers should use to reach this node.
func (c *Config) Advertise() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return c.ListenAddr
}

// Validate checks the values a node cannot start without.
func (c *Config) Validate() error {
	if c.EID == "" {
		return fmt.Errorf("config: eid is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	switch c.Transport {
	case TransportTCP, TransportDaemon, TransportMemory:
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	switch c.Cache.Backend {
	case CacheBolt, CacheRedis:
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// Save writes the configuration to path with 0600 permissions.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
