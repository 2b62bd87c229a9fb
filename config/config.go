// Package config loads and validates consumer configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a queue consumer.
type Config struct {
	// Endpoints is the ordered list of broker URLs the consumer rotates
	// through on each connection attempt.
	Endpoints []string `yaml:"endpoints"`

	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Log        LogConfig        `yaml:"log"`
}

// ExchangeConfig describes the exchange declared at channel setup.
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // direct, fanout, topic, headers
	Durable bool   `yaml:"durable"`
}

// QueueConfig describes the queue declared and bound at channel setup.
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	BindingKey string `yaml:"binding_key"`
}

// ConsumerConfig holds message handling settings.
type ConsumerConfig struct {
	// Prefetch caps unacknowledged deliveries per consumer. 1 keeps the
	// ack for delivery N ahead of the dispatch of N+1.
	Prefetch int `yaml:"prefetch"`

	// TagPrefix prefixes the generated consumer tag.
	TagPrefix string `yaml:"tag_prefix"`

	// CheckTxID rejects messages lacking a tx_id correlation header
	// before the processing function runs.
	CheckTxID bool `yaml:"check_tx_id"`

	// NackRequeue is the requeue flag passed when nacking retryable and
	// unexpected failures.
	NackRequeue bool `yaml:"nack_requeue"`
}

// ReconnectConfig holds reconnection policy settings.
type ReconnectConfig struct {
	// MaxBackoff caps the linear backoff between connection attempts.
	// Zero leaves it uncapped.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// CloseDelay is the fixed pause after an unexpected connection
	// closure before reconnecting, so transient broker churn does not
	// turn into a connect storm.
	CloseDelay time.Duration `yaml:"close_delay"`
}

// QuarantineConfig holds quarantine sink settings.
type QuarantineConfig struct {
	Queue           string `yaml:"queue"`
	ConfirmDelivery bool   `yaml:"confirm_delivery"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration defaults. Load unmarshals on top of
// these, so absent keys keep their default values.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Type:    "direct",
			Durable: true,
		},
		Queue: QueueConfig{
			Durable: true,
		},
		Consumer: ConsumerConfig{
			Prefetch:    1,
			TagPrefix:   "resq",
			CheckTxID:   true,
			NackRequeue: true,
		},
		Reconnect: ReconnectConfig{
			CloseDelay: 3 * time.Second,
		},
		Quarantine: QuarantineConfig{
			ConfirmDelivery: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for construction-time errors.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("config: endpoints list is empty")
	}
	for i, ep := range c.Endpoints {
		if ep == "" {
			return fmt.Errorf("config: endpoint %d is empty", i)
		}
	}

	if c.Exchange.Name == "" {
		return errors.New("config: exchange name is required")
	}
	switch c.Exchange.Type {
	case "direct", "fanout", "topic", "headers":
	default:
		return fmt.Errorf("config: invalid exchange type %q", c.Exchange.Type)
	}

	if c.Queue.Name == "" {
		return errors.New("config: queue name is required")
	}

	if c.Consumer.Prefetch < 1 {
		return fmt.Errorf("config: prefetch must be at least 1, got %d", c.Consumer.Prefetch)
	}

	if c.Reconnect.MaxBackoff < 0 {
		return errors.New("config: max_backoff cannot be negative")
	}
	if c.Reconnect.CloseDelay < 0 {
		return errors.New("config: close_delay cannot be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log format %q", c.Log.Format)
	}

	return nil
}
