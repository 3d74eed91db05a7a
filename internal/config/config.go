// Package config loads the instance configuration: defaults first, then
// whatever the YAML file overrides.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Group     GroupConfig     `yaml:"group"`
	Presence  PresenceConfig  `yaml:"presence"`
	Session   SessionConfig   `yaml:"session"`
	Storage   StorageConfig   `yaml:"storage"`
	Feed      FeedConfig      `yaml:"feed"`
	Assistant AssistantConfig `yaml:"assistant"`
	LogLevel  string          `yaml:"log_level"`
}

type GroupConfig struct {
	Name          string `yaml:"name"`
	MulticastAddr string `yaml:"multicast_addr"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TTL               time.Duration `yaml:"ttl"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

type SessionConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	DefaultDuration time.Duration `yaml:"default_duration"`
	SipTarget       int           `yaml:"sip_target"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Dir     string `yaml:"dir"`     // file backend; empty means the XDG state dir
	Path    string `yaml:"path"`    // sqlite backend; empty means counters.db in the XDG state dir
}

type FeedConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	AuthToken        string        `yaml:"auth_token"` // "auto" generates one at startup
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	PushThrottle     time.Duration `yaml:"push_throttle"`
}

type AssistantConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

func defaultConfig() *Config {
	return &Config{
		Group: GroupConfig{
			Name:          "office",
			MulticastAddr: "239.255.42.99:9099",
		},
		Presence: PresenceConfig{
			HeartbeatInterval: time.Second,
			TTL:               5 * time.Second,
			SweepInterval:     time.Second,
		},
		Session: SessionConfig{
			TickInterval:    time.Second,
			DefaultDuration: 5 * time.Minute,
			SipTarget:       10,
		},
		Storage: StorageConfig{
			Backend: BackendFile,
		},
		Feed: FeedConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			SnapshotInterval: 10 * time.Second,
			PushThrottle:     250 * time.Millisecond,
		},
		Assistant: AssistantConfig{
			Timeout: 3 * time.Second,
			Retries: 2,
		},
		LogLevel: "info",
	}
}

// Load reads the file at path over the defaults. A missing file is an
// error; use LoadOrDefault when the file is optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but treats a missing file as "use the
// defaults".
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Feed.Port <= 0 || c.Feed.Port > 65535 {
		return fmt.Errorf("feed port %d out of range", c.Feed.Port)
	}
	if c.Group.Name == "" {
		return fmt.Errorf("group name must not be empty")
	}
	return nil
}

// GenerateToken returns a random hex token for feed authentication.
func GenerateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
