// Package config loads and validates the spout configuration document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/shunt/internal/kafka"
)

// Config is the complete spout configuration.
type Config struct {
	Broker kafka.ClusterConfig `yaml:"broker"`
	Topic  string              `yaml:"topic"`

	// ConsumerIDPrefix names the firehose source: <prefix>-<taskIndex>.
	ConsumerIDPrefix string `yaml:"consumerIdPrefix"`

	// StartOffset resolves partitions with no stored offset:
	// "earliest" or "latest" (default "latest").
	StartOffset string `yaml:"startOffset,omitempty"`

	Persistence  PersistenceConfig `yaml:"persistence"`
	Deserializer string            `yaml:"deserializer,omitempty"`
	Retry        RetryConfig       `yaml:"retry,omitempty"`
	Buffer       BufferConfig      `yaml:"buffer,omitempty"`

	FlushIntervalMs int    `yaml:"flushIntervalMs,omitempty"`
	OutputStreamID  string `yaml:"outputStreamId,omitempty"`

	// TriggerDir, when set, enables the file-based sideline trigger.
	TriggerDir string `yaml:"triggerDir,omitempty"`

	LogLevel    string `yaml:"logLevel,omitempty"`
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
}

// PersistenceConfig selects and configures the persistence adapter.
type PersistenceConfig struct {
	Class string `yaml:"class"` // "redis" or "memory"
	Root  string `yaml:"root,omitempty"`

	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// RetryConfig selects and configures the failed-message retry manager.
type RetryConfig struct {
	Class           string  `yaml:"class"` // "exponential" or "never"
	MaxAttempts     int     `yaml:"maxAttempts,omitempty"`
	InitialDelayMs  int     `yaml:"initialDelayMs,omitempty"`
	DelayMultiplier float64 `yaml:"delayMultiplier,omitempty"`
}

// BufferConfig selects and configures the output buffer.
type BufferConfig struct {
	Class          string `yaml:"class"` // "fifo", "round-robin", "throttled"
	MaxSize        int    `yaml:"maxSize,omitempty"`
	ThrottledSize  int    `yaml:"throttledSize,omitempty"`
	ThrottledRegex string `yaml:"throttledRegex,omitempty"`
}

// Load reads and validates a config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset optional fields.
func (c *Config) SetDefaults() {
	if c.StartOffset == "" {
		c.StartOffset = "latest"
	}
	if c.Deserializer == "" {
		c.Deserializer = "json"
	}
	if c.Retry.Class == "" {
		c.Retry.Class = "exponential"
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 25
	}
	if c.Retry.InitialDelayMs == 0 {
		c.Retry.InitialDelayMs = 1000
	}
	if c.Retry.DelayMultiplier == 0 {
		c.Retry.DelayMultiplier = 2.0
	}
	if c.Buffer.Class == "" {
		c.Buffer.Class = "round-robin"
	}
	if c.Buffer.MaxSize == 0 {
		c.Buffer.MaxSize = 10000
	}
	if c.Buffer.ThrottledSize == 0 {
		c.Buffer.ThrottledSize = 200
	}
	if c.Persistence.Class == "" {
		c.Persistence.Class = "redis"
	}
	if c.Persistence.Root == "" {
		c.Persistence.Root = "/shunt"
	}
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = 30000
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// Validate reports configuration errors. Failing here is fatal at open
// time; no partial state is created.
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.ConsumerIDPrefix == "" {
		return fmt.Errorf("consumerIdPrefix is required")
	}
	if c.StartOffset != "earliest" && c.StartOffset != "latest" {
		return fmt.Errorf("startOffset must be earliest or latest, got %q", c.StartOffset)
	}
	if c.Buffer.MaxSize <= 0 {
		return fmt.Errorf("buffer.maxSize must be positive, got %d", c.Buffer.MaxSize)
	}
	if c.Buffer.ThrottledSize <= 0 {
		return fmt.Errorf("buffer.throttledSize must be positive, got %d", c.Buffer.ThrottledSize)
	}
	if c.FlushIntervalMs <= 0 {
		return fmt.Errorf("flushIntervalMs must be positive, got %d", c.FlushIntervalMs)
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.maxAttempts must not be negative, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// FlushInterval returns the flush cadence as a duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// InitialDelay returns the first retry delay as a duration.
func (r *RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMs) * time.Millisecond
}
