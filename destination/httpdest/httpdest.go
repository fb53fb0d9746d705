// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package httpdest delivers batches to an HTTP bulk-ingest service.
// Each batch is POSTed as NDJSON records to the stream's records
// endpoint, optionally compressed. A circuit breaker sits in front of
// the endpoint so a dead service is not hammered by every cycle; while
// the breaker is open, sends short-circuit into a retryable failure.
package httpdest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sony/gobreaker"

	"github.com/absmach/fluxlog/core"
	"github.com/absmach/fluxlog/destination"
	"github.com/absmach/fluxlog/internal/bufpool"
)

var _ destination.Destination = (*Destination)(nil)

// Compression names accepted by Config.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Config holds HTTP destination configuration.
type Config struct {
	BaseURL         string        `yaml:"base_url"`
	Stream          string        `yaml:"stream"`
	Token           string        `yaml:"token"`
	Timeout         time.Duration `yaml:"timeout"`
	Compression     string        `yaml:"compression"`
	MaxBatchCount   int           `yaml:"max_batch_count"`
	MaxBatchBytes   int           `yaml:"max_batch_bytes"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
	Breaker         BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns the default HTTP destination configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8428",
		Stream:          "logs",
		Timeout:         10 * time.Second,
		Compression:     CompressionNone,
		MaxBatchCount:   500,
		MaxBatchBytes:   1024 * 1024,
		MaxMessageBytes: 256 * 1024,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("base_url cannot be empty")
	case c.Stream == "":
		return fmt.Errorf("stream cannot be empty")
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive")
	case c.Breaker.FailureThreshold < 1:
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	switch c.Compression {
	case CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return fmt.Errorf("compression must be one of: none, gzip, zstd")
	}
	return nil
}

// record is one NDJSON line of a batch body.
type record struct {
	ID      string `json:"id"`
	TS      int64  `json:"ts"`
	Payload string `json:"payload"`
}

// sendResponse is the optional per-record result body of a 2xx send.
type sendResponse struct {
	Results []string `json:"results"`
}

// Destination ships batches to an HTTP bulk-ingest stream.
type Destination struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	encoder *zstd.Encoder
	logger  *slog.Logger
}

// New creates an HTTP destination. A nil logger falls back to
// slog.Default().
func New(cfg Config, logger *slog.Logger) (*Destination, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var encoder *zstd.Encoder
	if cfg.Compression == CompressionZstd {
		var err error
		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Stream,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Breaker.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("destination circuit breaker state changed",
				slog.String("stream", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Destination{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		encoder: encoder,
		logger:  logger,
	}, nil
}

// Name identifies the destination in logs and metrics.
func (d *Destination) Name() string {
	return "http:" + d.cfg.Stream
}

// Limits returns the batch constraints from the configuration.
func (d *Destination) Limits() destination.Limits {
	return destination.Limits{
		MaxBatchCount:   d.cfg.MaxBatchCount,
		MaxBatchBytes:   d.cfg.MaxBatchBytes,
		MaxMessageBytes: d.cfg.MaxMessageBytes,
	}
}

func (d *Destination) streamURL() string {
	return strings.TrimSuffix(d.cfg.BaseURL, "/") + "/streams/" + d.cfg.Stream
}

// Describe reports whether the stream resource exists.
func (d *Destination) Describe(ctx context.Context) (destination.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.streamURL(), nil)
	if err != nil {
		return destination.StatusUnknown, fmt.Errorf("failed to create request: %w", err)
	}
	d.setAuth(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return destination.StatusUnknown, fmt.Errorf("describe stream: %w: %v", destination.ErrUnavailable, err)
	}
	defer drainBody(resp)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return destination.StatusActive, nil
	case resp.StatusCode == http.StatusNotFound:
		return destination.StatusMissing, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusAccepted:
		return destination.StatusCreating, nil
	default:
		return destination.StatusUnknown, classifyStatus(resp.StatusCode, "describe stream")
	}
}

// Create provisions the stream resource.
func (d *Destination) Create(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	d.setAuth(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("create stream: %w: %v", destination.ErrUnavailable, err)
	}
	defer drainBody(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(resp.StatusCode, "create stream")
}

// SendBatch POSTs one batch as NDJSON through the circuit breaker.
func (d *Destination) SendBatch(ctx context.Context, msgs []*core.Message) (destination.Result, error) {
	body := bufpool.Get()
	defer bufpool.Put(body)

	enc := json.NewEncoder(body)
	for _, m := range msgs {
		rec := record{ID: m.ID, TS: m.Timestamp.UnixNano(), Payload: string(m.Payload)}
		if err := enc.Encode(&rec); err != nil {
			return destination.Result{}, fmt.Errorf("encode message %s: %w: %v", m.ID, destination.ErrRejected, err)
		}
	}

	payload, encoding, err := d.compress(body.Bytes())
	if err != nil {
		return destination.Result{}, err
	}

	out, err := d.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.streamURL()+"/records", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-ndjson")
		if encoding != "" {
			req.Header.Set("Content-Encoding", encoding)
		}
		d.setAuth(req)

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send batch: %w: %v", destination.ErrUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, classifyStatus(resp.StatusCode, "send batch")
		}

		// Non-5xx responses do not count against the breaker; the
		// classification happens outside it.
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return &httpResult{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return destination.Result{}, fmt.Errorf("circuit breaker open: %w", destination.ErrUnavailable)
		}
		return destination.Result{}, err
	}

	res := out.(*httpResult)
	switch {
	case res.status >= 200 && res.status < 300:
		return parseOutcomes(res.body, len(msgs)), nil
	case res.status == http.StatusTooManyRequests:
		return destination.Result{}, fmt.Errorf("send batch: status %d: %w", res.status, destination.ErrThrottled)
	case res.status == http.StatusNotFound:
		return destination.Result{}, fmt.Errorf("send batch: status %d: %w", res.status, destination.ErrGone)
	default:
		return destination.Result{}, fmt.Errorf("send batch: status %d: %w", res.status, destination.ErrRejected)
	}
}

// Close releases the HTTP client's idle connections and the encoder.
func (d *Destination) Close() error {
	d.client.CloseIdleConnections()
	if d.encoder != nil {
		d.encoder.Close()
	}
	return nil
}

type httpResult struct {
	status int
	body   []byte
}

func (d *Destination) setAuth(req *http.Request) {
	if d.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.Token)
	}
}

// compress applies the configured request compression, returning the
// body and the Content-Encoding value to advertise.
func (d *Destination) compress(data []byte) ([]byte, string, error) {
	switch d.cfg.Compression {
	case CompressionGzip:
		buf := bufpool.Get()
		defer bufpool.Put(buf)
		gz := gzip.NewWriter(buf)
		if _, err := gz.Write(data); err != nil {
			return nil, "", fmt.Errorf("gzip batch body: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip batch body: %w", err)
		}
		return append([]byte(nil), buf.Bytes()...), "gzip", nil
	case CompressionZstd:
		return d.encoder.EncodeAll(data, nil), "zstd", nil
	default:
		return data, "", nil
	}
}

// parseOutcomes maps the optional per-record result body onto
// destination outcomes. An absent or mis-sized body means everything
// was accepted.
func parseOutcomes(body []byte, n int) destination.Result {
	if len(body) == 0 {
		return destination.AllSent(n)
	}
	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.Results) != n {
		return destination.AllSent(n)
	}

	res := destination.Result{Outcomes: make([]destination.Outcome, n)}
	for i, r := range resp.Results {
		switch r {
		case "throttled":
			res.Outcomes[i] = destination.Throttled
		case "rejected":
			res.Outcomes[i] = destination.Rejected
		default:
			res.Outcomes[i] = destination.Sent
		}
	}
	return res
}

// classifyStatus wraps an unexpected HTTP status with the matching
// destination sentinel.
func classifyStatus(status int, op string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: status %d: %w", op, status, destination.ErrThrottled)
	case status >= 500:
		return fmt.Errorf("%s: status %d: %w", op, status, destination.ErrUnavailable)
	default:
		return fmt.Errorf("%s: status %d: %w", op, status, destination.ErrRejected)
	}
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}
