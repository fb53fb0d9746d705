// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package writer

import (
	"fmt"
	"time"

	"github.com/absmach/fluxlog/queue"
	"github.com/absmach/fluxlog/retry"
)

// Config defines writer behavior. BatchDelay is the accumulation window
// measured from the first message of a cycle; ShutdownTimeout bounds the
// final flush (zero flushes nothing and drops straight to accounting).
type Config struct {
	BatchDelay      time.Duration
	Synchronous     bool
	ShutdownTimeout time.Duration
	QueueCapacity   int
	DiscardPolicy   queue.DiscardPolicy
	Retry           retry.Policy
}

// DefaultConfig returns the default writer configuration.
func DefaultConfig() Config {
	return Config{
		BatchDelay:      500 * time.Millisecond,
		Synchronous:     false,
		ShutdownTimeout: 10 * time.Second,
		QueueCapacity:   10000,
		DiscardPolicy:   queue.DiscardOldest,
		Retry:           retry.DefaultPolicy(),
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	switch {
	case c.BatchDelay <= 0:
		return fmt.Errorf("batch delay must be positive: %w", ErrInvalidConfig)
	case c.ShutdownTimeout < 0:
		return fmt.Errorf("shutdown timeout must not be negative: %w", ErrInvalidConfig)
	case c.QueueCapacity <= 0:
		return fmt.Errorf("queue capacity must be positive: %w", ErrInvalidConfig)
	}
	if err := c.DiscardPolicy.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidConfig)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	return nil
}
