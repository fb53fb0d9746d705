// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wsdest streams batches over a WebSocket connection, one
// NDJSON text frame per batch. The connection is dialed lazily and
// torn down on any write failure, so the next cycle re-dials; from the
// writer's point of view every failure is transient.
package wsdest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/fluxlog/core"
	"github.com/absmach/fluxlog/destination"
	"github.com/absmach/fluxlog/internal/bufpool"
)

var _ destination.Destination = (*Destination)(nil)

// Config holds WebSocket destination configuration.
type Config struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxBatchCount    int           `yaml:"max_batch_count"`
	MaxBatchBytes    int           `yaml:"max_batch_bytes"`
	MaxMessageBytes  int           `yaml:"max_message_bytes"`
}

// DefaultConfig returns the default WebSocket destination configuration.
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8083/logs",
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxBatchCount:    500,
		MaxBatchBytes:    1024 * 1024,
		MaxMessageBytes:  256 * 1024,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("url cannot be empty")
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("handshake_timeout must be positive")
	case c.WriteTimeout <= 0:
		return fmt.Errorf("write_timeout must be positive")
	}
	return nil
}

// record is one NDJSON line of a batch frame.
type record struct {
	ID      string `json:"id"`
	TS      int64  `json:"ts"`
	Payload string `json:"payload"`
}

// Destination streams batches to a WebSocket endpoint.
type Destination struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a WebSocket destination. The connection is dialed lazily
// on the first Describe or SendBatch. A nil logger falls back to
// slog.Default().
func New(cfg Config, logger *slog.Logger) (*Destination, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Destination{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger,
	}, nil
}

// Name identifies the destination in logs and metrics.
func (d *Destination) Name() string {
	return "ws:" + d.cfg.URL
}

// Limits returns the batch constraints from the configuration.
func (d *Destination) Limits() destination.Limits {
	return destination.Limits{
		MaxBatchCount:   d.cfg.MaxBatchCount,
		MaxBatchBytes:   d.cfg.MaxBatchBytes,
		MaxMessageBytes: d.cfg.MaxMessageBytes,
	}
}

// Describe dials the endpoint and pings it. A stream endpoint either
// accepts the handshake or it does not; there is nothing to create.
func (d *Destination) Describe(ctx context.Context) (destination.Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureConnLocked(ctx); err != nil {
		return destination.StatusUnknown, err
	}
	deadline := time.Now().Add(d.cfg.WriteTimeout)
	if err := d.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		d.dropConnLocked()
		return destination.StatusUnknown, fmt.Errorf("websocket ping: %w: %v", destination.ErrUnavailable, err)
	}
	return destination.StatusActive, nil
}

// Create is a no-op: a stream endpoint is provisioned out of band.
func (d *Destination) Create(ctx context.Context) error {
	return nil
}

// SendBatch writes one NDJSON text frame carrying the whole batch. Any
// write failure drops the connection so the retry re-dials.
func (d *Destination) SendBatch(ctx context.Context, msgs []*core.Message) (destination.Result, error) {
	buf := bufpool.Get()
	defer bufpool.Put(buf)

	enc := json.NewEncoder(buf)
	for _, m := range msgs {
		rec := record{ID: m.ID, TS: m.Timestamp.UnixNano(), Payload: string(m.Payload)}
		if err := enc.Encode(&rec); err != nil {
			return destination.Result{}, fmt.Errorf("encode message %s: %w: %v", m.ID, destination.ErrRejected, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureConnLocked(ctx); err != nil {
		return destination.Result{}, err
	}

	d.conn.SetWriteDeadline(time.Now().Add(d.cfg.WriteTimeout))
	if err := d.conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		d.dropConnLocked()
		return destination.Result{}, fmt.Errorf("websocket write: %w: %v", destination.ErrUnavailable, err)
	}
	return destination.AllSent(len(msgs)), nil
}

// Close closes the connection if one is open.
func (d *Destination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *Destination) ensureConnLocked(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}

	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
			return fmt.Errorf("websocket dial: status %d: %w", resp.StatusCode, destination.ErrGone)
		}
		return fmt.Errorf("websocket dial: %w: %v", destination.ErrUnavailable, err)
	}
	d.conn = conn
	d.logger.Debug("websocket connected", slog.String("url", d.cfg.URL))
	return nil
}

func (d *Destination) dropConnLocked() {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}
