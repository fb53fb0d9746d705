// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retry implements the backoff engine wrapped around destination
// calls: attempt, classify the failure, wait or give up. The schedule is
// exponential with a cap, so delays are monotonically non-decreasing
// across attempts. Waits select on the context, so a stopping writer
// interrupts an in-progress backoff promptly.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidPolicy indicates an invalid retry policy configuration.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Class classifies an operation failure.
type Class int

const (
	// Retryable failures are re-attempted per the policy.
	Retryable Class = iota
	// Permanent failures stop the operation immediately.
	Permanent
)

// Classifier maps an operation error to a retry class. A nil classifier
// treats every failure as retryable.
type Classifier func(error) Class

// Policy defines retry behavior for a failing operation.
//
// MaxRetries bounds re-attempts after the first try, so an operation
// runs at most MaxRetries+1 times. TotalTimeout is an absolute cutoff
// measured from the first attempt; zero disables it.
type Policy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	TotalTimeout      time.Duration
}

// DefaultPolicy returns the retry policy used for destination calls
// unless configured otherwise.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        5,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		TotalTimeout:      0,
	}
}

// Validate validates the policy.
func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative: %w", ErrInvalidPolicy)
	case p.InitialBackoff < 0:
		return fmt.Errorf("initial backoff must not be negative: %w", ErrInvalidPolicy)
	case p.MaxBackoff < p.InitialBackoff:
		return fmt.Errorf("max backoff must not be below initial backoff: %w", ErrInvalidPolicy)
	case p.BackoffMultiplier < 1.0:
		return fmt.Errorf("backoff multiplier must be at least 1.0: %w", ErrInvalidPolicy)
	case p.TotalTimeout < 0:
		return fmt.Errorf("total timeout must not be negative: %w", ErrInvalidPolicy)
	}
	return nil
}

// Backoff returns the wait before retry n (1-based):
// InitialBackoff * BackoffMultiplier^(n-1), capped at MaxBackoff.
func Backoff(retry int, p Policy) time.Duration {
	if retry < 1 {
		retry = 1
	}
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(retry-1))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	return time.Duration(backoff)
}

// Do runs op until it succeeds, fails permanently, exhausts the policy,
// or the context is canceled. The final failure is always surfaced to
// the caller, never swallowed. A context error is returned wrapped so
// callers can distinguish abandonment from operation failure.
func Do(ctx context.Context, p Policy, classify Classifier, op func(context.Context) error) error {
	var deadline time.Time
	if p.TotalTimeout > 0 {
		deadline = time.Now().Add(p.TotalTimeout)
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("operation abandoned: %w", err)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if classify != nil && classify(err) == Permanent {
			return err
		}
		if attempt > p.MaxRetries {
			return fmt.Errorf("retries exhausted after %d attempts: %w", attempt, err)
		}

		delay := Backoff(attempt, p)
		if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
			return fmt.Errorf("retry deadline exceeded after %d attempts: %w", attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled after %d attempts (last error: %v): %w", attempt, err, ctx.Err())
		case <-timer.C:
		}
	}
}
