// Package config handles bramble configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is indirected so tests can override the search order
// without touching real files on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag or BRAMBLE_CONFIG) is checked
// first. Then: ./config.yaml, ~/.config/bramble/config.yaml,
// /config/config.yaml (container convention), /etc/bramble/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bramble", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml")
	paths = append(paths, "/etc/bramble/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches searchPathsFunc() and returns the first
// path that exists. Returns the path found, or an error if nothing was
// found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all bramble runtime configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the bind address and port of the HTTP server
// that cmd/bramble starts to serve the metrics endpoint.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// DatabaseConfig defines the feature catalog's SQLite location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig defines the broker connection used by
// internal/mqttintegration.
type MQTTConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BrokerURL     string `yaml:"broker_url"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TopicPrefix   string `yaml:"topic_prefix"`
	QoS           byte   `yaml:"qos"`
	KeepAliveSec  int    `yaml:"keepalive_sec"`
}

// HomeAssistantConfig defines the Home Assistant WebSocket connection
// used by internal/hacompat as an alternate ingress source.
type HomeAssistantConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

// Configured reports whether the Home Assistant connection has both a
// URL and a token. A partial configuration (URL without token or vice
// versa) is treated as unconfigured.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// Configured reports whether MQTT has enough settings to dial a
// broker.
func (c MQTTConfig) Configured() bool {
	return c.Enabled && c.BrokerURL != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${BRAMBLE_DB_PATH}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Path == "" {
		if envPath := os.Getenv("BRAMBLE_DB_PATH"); envPath != "" {
			c.Database.Path = envPath
		} else {
			c.Database.Path = filepath.Join(c.DataDir, "bramble.sqlite3")
		}
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "bramble"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "zigbee2mqtt"
	}
	if c.MQTT.QoS == 0 {
		c.MQTT.QoS = 1
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 30
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt.enabled is true")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos %d out of range (0-2)", c.MQTT.QoS)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development: MQTT and Home Assistant both disabled, SQLite catalog
// under ./data. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
