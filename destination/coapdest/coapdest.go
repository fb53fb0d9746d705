// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coapdest POSTs messages to a CoAP resource over UDP or DTLS.
// CoAP is a constrained transport: batches are delivered one request
// per message, so MaxBatchCount mostly bounds how long a cycle can
// hold the connection.
package coapdest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v3"
	"github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpclient "github.com/plgd-dev/go-coap/v3/udp/client"

	"github.com/absmach/fluxlog/core"
	"github.com/absmach/fluxlog/destination"
)

var _ destination.Destination = (*Destination)(nil)

// Config holds CoAP destination configuration.
type Config struct {
	Address         string        `yaml:"address"`
	Path            string        `yaml:"path"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxBatchCount   int           `yaml:"max_batch_count"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`

	// DTLS PSK credentials; both empty runs plain UDP.
	PSKIdentity string `yaml:"psk_identity"`
	PSKKey      string `yaml:"psk_key"`
}

// DefaultConfig returns the default CoAP destination configuration.
func DefaultConfig() Config {
	return Config{
		Address:         "localhost:5683",
		Path:            "/logs",
		RequestTimeout:  5 * time.Second,
		MaxBatchCount:   50,
		MaxMessageBytes: 1024,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch {
	case c.Address == "":
		return fmt.Errorf("address cannot be empty")
	case c.Path == "":
		return fmt.Errorf("path cannot be empty")
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request_timeout must be positive")
	case (c.PSKIdentity == "") != (c.PSKKey == ""):
		return fmt.Errorf("psk_identity and psk_key must be set together")
	}
	return nil
}

// Destination delivers messages to a CoAP resource.
type Destination struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *udpclient.Conn
}

// New creates a CoAP destination. The connection is dialed lazily on
// the first Describe or SendBatch. A nil logger falls back to
// slog.Default().
func New(cfg Config, logger *slog.Logger) (*Destination, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Destination{cfg: cfg, logger: logger}, nil
}

// Name identifies the destination in logs and metrics.
func (d *Destination) Name() string {
	return "coap:" + d.cfg.Address + d.cfg.Path
}

// Limits returns the batch constraints from the configuration. CoAP
// sends one request per message, so there is no batch byte limit.
func (d *Destination) Limits() destination.Limits {
	return destination.Limits{
		MaxBatchCount:   d.cfg.MaxBatchCount,
		MaxMessageBytes: d.cfg.MaxMessageBytes,
	}
}

// Describe GETs the resource path to confirm it exists.
func (d *Destination) Describe(ctx context.Context) (destination.Status, error) {
	conn, err := d.getConn()
	if err != nil {
		return destination.StatusUnknown, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	resp, err := conn.Get(ctx, d.cfg.Path)
	if err != nil {
		d.dropConn()
		return destination.StatusUnknown, fmt.Errorf("coap get %s: %w: %v", d.cfg.Path, destination.ErrUnavailable, err)
	}

	switch resp.Code() {
	case codes.Content, codes.Valid, codes.Changed:
		return destination.StatusActive, nil
	case codes.NotFound:
		return destination.StatusMissing, nil
	default:
		return destination.StatusUnknown, classifyCode(resp.Code(), "describe resource")
	}
}

// Create POSTs an empty payload to provision the resource.
func (d *Destination) Create(ctx context.Context) error {
	conn, err := d.getConn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	resp, err := conn.Post(ctx, d.cfg.Path, message.AppOctets, bytes.NewReader(nil))
	if err != nil {
		d.dropConn()
		return fmt.Errorf("coap create %s: %w: %v", d.cfg.Path, destination.ErrUnavailable, err)
	}

	switch resp.Code() {
	case codes.Created, codes.Changed, codes.Content:
		return nil
	default:
		return classifyCode(resp.Code(), "create resource")
	}
}

// SendBatch POSTs each message to the resource path and reports
// per-message outcomes.
func (d *Destination) SendBatch(ctx context.Context, msgs []*core.Message) (destination.Result, error) {
	conn, err := d.getConn()
	if err != nil {
		return destination.Result{}, err
	}

	res := destination.Result{Outcomes: make([]destination.Outcome, len(msgs))}
	for i, m := range msgs {
		if err := ctx.Err(); err != nil {
			throttleFrom(&res, i)
			return res, nil
		}

		reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		resp, err := conn.Post(reqCtx, d.cfg.Path, message.AppOctets, bytes.NewReader(m.Payload))
		cancel()
		if err != nil {
			d.dropConn()
			if i == 0 {
				return destination.Result{}, fmt.Errorf("coap post %s: %w: %v", d.cfg.Path, destination.ErrUnavailable, err)
			}
			// Mid-batch transport failure: the prefix was accepted and
			// must not be re-sent or counted lost.
			throttleFrom(&res, i)
			return res, nil
		}

		switch resp.Code() {
		case codes.Created, codes.Changed, codes.Content, codes.Valid:
			res.Outcomes[i] = destination.Sent
		case codes.TooManyRequests, codes.ServiceUnavailable:
			res.Outcomes[i] = destination.Throttled
		case codes.NotFound:
			if i == 0 {
				return destination.Result{}, fmt.Errorf("coap post %s: %v: %w", d.cfg.Path, resp.Code(), destination.ErrGone)
			}
			// Keep the delivered prefix; the remainder leads the next
			// batch, where a first-message NotFound reports gone.
			throttleFrom(&res, i)
			return res, nil
		default:
			d.logger.Debug("coap rejected message",
				slog.String("id", m.ID),
				slog.String("code", resp.Code().String()))
			res.Outcomes[i] = destination.Rejected
		}
	}
	return res, nil
}

// throttleFrom marks every outcome from index i on as retryable,
// leaving the already-decided prefix intact.
func throttleFrom(res *destination.Result, i int) {
	for j := i; j < len(res.Outcomes); j++ {
		res.Outcomes[j] = destination.Throttled
	}
}

// Close closes the connection if one is open.
func (d *Destination) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *Destination) getConn() (*udpclient.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return d.conn, nil
	}

	var conn *udpclient.Conn
	var err error
	if d.cfg.PSKIdentity != "" {
		dtlsCfg := &piondtls.Config{
			PSK: func(hint []byte) ([]byte, error) {
				return []byte(d.cfg.PSKKey), nil
			},
			PSKIdentityHint: []byte(d.cfg.PSKIdentity),
			CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_CCM_8},
		}
		conn, err = dtls.Dial(d.cfg.Address, dtlsCfg)
	} else {
		conn, err = udp.Dial(d.cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("coap dial %s: %w: %v", d.cfg.Address, destination.ErrUnavailable, err)
	}
	d.conn = conn
	d.logger.Debug("coap connected", slog.String("address", d.cfg.Address))
	return conn, nil
}

// classifyCode maps an unexpected CoAP response code onto the error
// taxonomy: server-side codes are transient, everything else permanent.
func classifyCode(code codes.Code, op string) error {
	switch code {
	case codes.TooManyRequests:
		return fmt.Errorf("coap %s: %v: %w", op, code, destination.ErrThrottled)
	case codes.ServiceUnavailable, codes.InternalServerError, codes.GatewayTimeout, codes.BadGateway:
		return fmt.Errorf("coap %s: %v: %w", op, code, destination.ErrUnavailable)
	default:
		return fmt.Errorf("coap %s: %v: %w", op, code, destination.ErrRejected)
	}
}

func (d *Destination) dropConn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}
