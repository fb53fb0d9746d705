// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config holds the YAML file model for the fluxlog daemon.
// Load falls back to defaults when no file is given or present, so the
// daemon runs with zero configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/absmach/fluxlog/destination/coapdest"
	"github.com/absmach/fluxlog/destination/httpdest"
	"github.com/absmach/fluxlog/destination/mqttdest"
	"github.com/absmach/fluxlog/destination/wsdest"
	"github.com/absmach/fluxlog/queue"
	"github.com/absmach/fluxlog/ratelimit"
	"github.com/absmach/fluxlog/retry"
	"github.com/absmach/fluxlog/spool"
	"github.com/absmach/fluxlog/telemetry"
	"github.com/absmach/fluxlog/writer"
)

// Destination type names accepted by DestinationConfig.Type.
const (
	DestinationHTTP      = "http"
	DestinationMQTT      = "mqtt"
	DestinationWebSocket = "websocket"
	DestinationCoAP      = "coap"
)

// Config holds all configuration for the fluxlog daemon.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Writer      WriterConfig      `yaml:"writer"`
	Queue       QueueConfig       `yaml:"queue"`
	Retry       RetryConfig       `yaml:"retry"`
	Destination DestinationConfig `yaml:"destination"`
	Spool       spool.Config      `yaml:"spool"`
	RateLimit   ratelimit.Config  `yaml:"ratelimit"`
	Server      ServerConfig      `yaml:"server"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchDelay      time.Duration `yaml:"batch_delay"`
	Synchronous     bool          `yaml:"synchronous"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	InitTimeout     time.Duration `yaml:"init_timeout"`
}

// QueueConfig holds message queue settings.
type QueueConfig struct {
	Capacity      int    `yaml:"capacity"`
	DiscardPolicy string `yaml:"discard_policy"` // none, oldest, newest
}

// RetryConfig holds the retry policy for destination calls.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	TotalTimeout      time.Duration `yaml:"total_timeout"`
}

// ToPolicy converts the section into a retry.Policy.
func (c RetryConfig) ToPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:        c.MaxRetries,
		InitialBackoff:    c.InitialBackoff,
		MaxBackoff:        c.MaxBackoff,
		BackoffMultiplier: c.BackoffMultiplier,
		TotalTimeout:      c.TotalTimeout,
	}
}

// DestinationConfig selects and configures the destination adapter.
type DestinationConfig struct {
	Type      string          `yaml:"type"` // http, mqtt, websocket, coap
	HTTP      httpdest.Config `yaml:"http"`
	MQTT      mqttdest.Config `yaml:"mqtt"`
	WebSocket wsdest.Config   `yaml:"websocket"`
	CoAP      coapdest.Config `yaml:"coap"`
}

// ServerConfig holds the health and admin API listeners.
type ServerConfig struct {
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	APIAddr         string        `yaml:"api_addr"`
	APIEnabled      bool          `yaml:"api_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Writer: WriterConfig{
			BatchDelay:      500 * time.Millisecond,
			Synchronous:     false,
			ShutdownTimeout: 10 * time.Second,
			InitTimeout:     30 * time.Second,
		},
		Queue: QueueConfig{
			Capacity:      10000,
			DiscardPolicy: string(queue.DiscardOldest),
		},
		Retry: RetryConfig{
			MaxRetries:        5,
			InitialBackoff:    200 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
			TotalTimeout:      0,
		},
		Destination: DestinationConfig{
			Type:      DestinationHTTP,
			HTTP:      httpdest.DefaultConfig(),
			MQTT:      mqttdest.DefaultConfig(),
			WebSocket: wsdest.DefaultConfig(),
			CoAP:      coapdest.DefaultConfig(),
		},
		Spool:     spool.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Server: ServerConfig{
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			APIAddr:         ":8082",
			APIEnabled:      true,
			ShutdownTimeout: 5 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Writer.BatchDelay <= 0 {
		return fmt.Errorf("writer.batch_delay must be positive")
	}
	if c.Writer.ShutdownTimeout < 0 {
		return fmt.Errorf("writer.shutdown_timeout cannot be negative")
	}
	if c.Writer.InitTimeout <= 0 {
		return fmt.Errorf("writer.init_timeout must be positive")
	}

	if c.Queue.Capacity < 1 {
		return fmt.Errorf("queue.capacity must be at least 1")
	}
	if err := queue.DiscardPolicy(c.Queue.DiscardPolicy).Validate(); err != nil {
		return fmt.Errorf("queue.discard_policy: %w", err)
	}

	if err := c.Retry.ToPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	switch c.Destination.Type {
	case DestinationHTTP:
		if err := c.Destination.HTTP.Validate(); err != nil {
			return fmt.Errorf("destination.http: %w", err)
		}
	case DestinationMQTT:
		if err := c.Destination.MQTT.Validate(); err != nil {
			return fmt.Errorf("destination.mqtt: %w", err)
		}
	case DestinationWebSocket:
		if err := c.Destination.WebSocket.Validate(); err != nil {
			return fmt.Errorf("destination.websocket: %w", err)
		}
	case DestinationCoAP:
		if err := c.Destination.CoAP.Validate(); err != nil {
			return fmt.Errorf("destination.coap: %w", err)
		}
	default:
		return fmt.Errorf("destination.type must be one of: http, mqtt, websocket, coap")
	}

	if err := c.Spool.Validate(); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health server is enabled")
	}
	if c.Server.APIEnabled && c.Server.APIAddr == "" {
		return fmt.Errorf("server.api_addr required when API server is enabled")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	return nil
}

// ToWriterConfig assembles the writer package's configuration from the
// relevant sections.
func (c *Config) ToWriterConfig() writer.Config {
	return writer.Config{
		BatchDelay:      c.Writer.BatchDelay,
		Synchronous:     c.Writer.Synchronous,
		ShutdownTimeout: c.Writer.ShutdownTimeout,
		QueueCapacity:   c.Queue.Capacity,
		DiscardPolicy:   queue.DiscardPolicy(c.Queue.DiscardPolicy),
		Retry:           c.Retry.ToPolicy(),
	}
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
