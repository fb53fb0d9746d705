// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqttdest publishes messages to an MQTT topic via Eclipse
// Paho. The broker needs no provisioning, so Describe amounts to a
// connection check and Create is a no-op. Publish failures are
// transient from the writer's point of view: the broker either takes
// the message or the connection is down.
package mqttdest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/absmach/fluxlog/core"
	"github.com/absmach/fluxlog/destination"
)

var _ destination.Destination = (*Destination)(nil)

// Config holds MQTT destination configuration.
type Config struct {
	BrokerURL       string        `yaml:"broker_url"`
	ClientID        string        `yaml:"client_id"`
	Topic           string        `yaml:"topic"`
	QoS             byte          `yaml:"qos"`
	Retain          bool          `yaml:"retain"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	MaxBatchCount   int           `yaml:"max_batch_count"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
}

// DefaultConfig returns the default MQTT destination configuration.
func DefaultConfig() Config {
	return Config{
		BrokerURL:       "tcp://localhost:1883",
		ClientID:        "fluxlog-writer",
		Topic:           "logs/events",
		QoS:             1,
		Retain:          false,
		ConnectTimeout:  5 * time.Second,
		PublishTimeout:  5 * time.Second,
		MaxBatchCount:   100,
		MaxMessageBytes: 256 * 1024,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch {
	case c.BrokerURL == "":
		return fmt.Errorf("broker_url cannot be empty")
	case c.ClientID == "":
		return fmt.Errorf("client_id cannot be empty")
	case c.Topic == "":
		return fmt.Errorf("topic cannot be empty")
	case c.QoS > 2:
		return fmt.Errorf("qos must be 0, 1 or 2")
	case c.ConnectTimeout <= 0:
		return fmt.Errorf("connect_timeout must be positive")
	case c.PublishTimeout <= 0:
		return fmt.Errorf("publish_timeout must be positive")
	}
	return nil
}

// Destination publishes each message of a batch to one MQTT topic.
type Destination struct {
	cfg    Config
	client mqtt.Client
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates an MQTT destination. The connection is dialed lazily on
// the first Describe or SendBatch. A nil logger falls back to
// slog.Default().
func New(cfg Config, logger *slog.Logger) (*Destination, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	return &Destination{
		cfg:    cfg,
		client: mqtt.NewClient(opts),
		logger: logger,
	}, nil
}

// Name identifies the destination in logs and metrics.
func (d *Destination) Name() string {
	return "mqtt:" + d.cfg.Topic
}

// Limits returns the batch constraints from the configuration. MQTT
// has no batch-level byte limit; only the per-message packet size
// matters.
func (d *Destination) Limits() destination.Limits {
	return destination.Limits{
		MaxBatchCount:   d.cfg.MaxBatchCount,
		MaxMessageBytes: d.cfg.MaxMessageBytes,
	}
}

// Describe verifies the broker connection, dialing on demand. An MQTT
// topic always exists once the broker is reachable.
func (d *Destination) Describe(ctx context.Context) (destination.Status, error) {
	if err := d.ensureConnected(ctx); err != nil {
		return destination.StatusUnknown, err
	}
	return destination.StatusActive, nil
}

// Create is a no-op: topics are implicit on MQTT brokers.
func (d *Destination) Create(ctx context.Context) error {
	return nil
}

// SendBatch publishes each message to the configured topic and reports
// per-message outcomes. A publish that cannot be confirmed within the
// publish timeout is throttled, not rejected: the broker may simply be
// slow and the message is safe to retry.
func (d *Destination) SendBatch(ctx context.Context, msgs []*core.Message) (destination.Result, error) {
	if err := d.ensureConnected(ctx); err != nil {
		return destination.Result{}, err
	}

	res := destination.Result{Outcomes: make([]destination.Outcome, len(msgs))}
	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			// Remaining messages stay retryable.
			for j := i; j < len(msgs); j++ {
				res.Outcomes[j] = destination.Throttled
			}
			return res, nil
		}

		tok := d.client.Publish(d.cfg.Topic, d.cfg.QoS, d.cfg.Retain, m.Payload)
		if !tok.WaitTimeout(d.cfg.PublishTimeout) {
			res.Outcomes[i] = destination.Throttled
			continue
		}
		if err := tok.Error(); err != nil {
			d.logger.Debug("mqtt publish failed",
				slog.String("id", m.ID),
				slog.String("error", err.Error()))
			res.Outcomes[i] = destination.Throttled
			continue
		}
		res.Outcomes[i] = destination.Sent
	}
	return res, nil
}

// Close disconnects from the broker.
func (d *Destination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client.IsConnectionOpen() {
		d.client.Disconnect(250)
	}
	return nil
}

func (d *Destination) ensureConnected(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client.IsConnectionOpen() {
		return nil
	}

	tok := d.client.Connect()
	if !tok.WaitTimeout(d.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect timed out: %w", destination.ErrUnavailable)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w: %v", destination.ErrUnavailable, err)
	}
	return nil
}
