// Package config loads the broker's configuration: the four core options
// the engine itself consumes, plus the ambient log, storage and pre-auth
// rate-limit knobs every real deployment needs alongside them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option recognized by the broker.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Limits  LimitsConfig  `yaml:"limits"`
}

// EngineConfig holds the four core options named in §6: the knobs C1-C4
// consume directly.
type EngineConfig struct {
	// ClientInitialBufferSize is C1's initial size, must be a power of two.
	ClientInitialBufferSize int `yaml:"client_initial_buffer_size"`
	// MaxPacketSize caps both C1 growth and the MQTT packet size.
	MaxPacketSize int `yaml:"max_packet_size"`
	// MaxQosPackets caps a session's offline QoS 1/2 queue.
	MaxQosPackets int `yaml:"max_qos_packets"`
	// DefaultSessionExpiryInterval applies when a client's CONNECT omits one.
	DefaultSessionExpiryInterval time.Duration `yaml:"default_session_expiry_interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds the persistence directory.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// LimitsConfig holds pre-authentication abuse controls.
type LimitsConfig struct {
	ConnectRatePerSecond float64       `yaml:"connect_rate_per_second"`
	ConnectBurst         int           `yaml:"connect_burst"`
	ConnectCleanup       time.Duration `yaml:"connect_cleanup_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ClientInitialBufferSize:      4096,
			MaxPacketSize:                256 << 20,
			MaxQosPackets:                1000,
			DefaultSessionExpiryInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Dir: "/tmp/flashmq/data",
		},
		Limits: LimitsConfig{
			ConnectRatePerSecond: 100.0 / 60.0,
			ConnectBurst:         20,
			ConnectCleanup:       5 * time.Minute,
		},
	}
}

// Load reads configuration from a YAML file, falling back to Default if
// filename is empty or the file does not exist.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for internally consistent values.
func (c *Config) Validate() error {
	if c.Engine.ClientInitialBufferSize <= 0 || c.Engine.ClientInitialBufferSize&(c.Engine.ClientInitialBufferSize-1) != 0 {
		return fmt.Errorf("engine.client_initial_buffer_size must be a power of two")
	}
	if c.Engine.MaxPacketSize < c.Engine.ClientInitialBufferSize {
		return fmt.Errorf("engine.max_packet_size must be at least client_initial_buffer_size")
	}
	if c.Engine.MaxQosPackets < 1 {
		return fmt.Errorf("engine.max_qos_packets must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir cannot be empty")
	}

	if c.Limits.ConnectRatePerSecond <= 0 {
		return fmt.Errorf("limits.connect_rate_per_second must be positive")
	}
	if c.Limits.ConnectBurst < 1 {
		return fmt.Errorf("limits.connect_burst must be at least 1")
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", filename, err)
	}
	return nil
}
