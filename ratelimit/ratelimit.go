// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit paces messages flowing toward the destination with
// a token bucket, so a burst of producer traffic cannot overrun a
// throttling-sensitive remote service. A disabled limiter short-circuits
// every check.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config holds egress rate limiting configuration.
type Config struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		MessagesPerSecond: 1000,
		Burst:             200,
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.MessagesPerSecond <= 0:
		return fmt.Errorf("messages per second must be positive, got %v", c.MessagesPerSecond)
	case c.Burst <= 0:
		return fmt.Errorf("burst must be positive, got %d", c.Burst)
	}
	return nil
}

// Limiter paces message egress. The zero-value pointer and a limiter
// built from a disabled config both allow everything.
type Limiter struct {
	limiter  *rate.Limiter
	burst    int
	disabled bool
}

// New creates a limiter from the configuration.
func New(cfg Config) *Limiter {
	if !cfg.Enabled {
		return &Limiter{disabled: true}
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		burst:   cfg.Burst,
	}
}

// Allow reports whether n messages may be sent now without waiting.
func (l *Limiter) Allow(n int) bool {
	if l == nil || l.disabled {
		return true
	}
	if n > l.burst {
		n = l.burst
	}
	return l.limiter.AllowN(time.Now(), n)
}

// WaitN blocks until n message tokens are available or ctx is done.
// Batches larger than the burst are paced in burst-sized chunks, so a
// batch never fails for exceeding the bucket.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil || l.disabled || n <= 0 {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > l.burst {
			chunk = l.burst
		}
		if err := l.limiter.WaitN(ctx, chunk); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		n -= chunk
	}
	return nil
}
