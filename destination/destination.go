// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package destination defines the facade the batch writer delivers
// through. A destination describes (or creates) the remote resource it
// writes to, accepts one batch per call, and reports a per-message
// outcome so the writer can requeue throttled messages and discard
// rejected ones. Concrete transports live in the subpackages; the
// writer consumes this interface only.
package destination

import (
	"context"

	"github.com/absmach/fluxlog/core"
)

// Status describes the remote resource during initialization.
type Status int

const (
	// StatusUnknown means the destination could not be described.
	StatusUnknown Status = iota
	// StatusActive means the destination exists and accepts batches.
	StatusActive
	// StatusMissing means the destination does not exist yet.
	StatusMissing
	// StatusCreating means creation is in progress on the remote side.
	StatusCreating
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusMissing:
		return "missing"
	case StatusCreating:
		return "creating"
	default:
		return "unknown"
	}
}

// Limits are the destination's batch constraints consumed by batch
// assembly: maximum messages per batch, maximum total payload bytes per
// batch, and maximum payload bytes for a single message. Non-positive
// values mean unconstrained.
type Limits struct {
	MaxBatchCount   int
	MaxBatchBytes   int
	MaxMessageBytes int
}

// Outcome is the per-message result of a batch send.
type Outcome uint8

const (
	// Sent means the destination accepted the message.
	Sent Outcome = iota
	// Throttled means the destination temporarily refused the message;
	// the writer requeues it for the next cycle.
	Throttled
	// Rejected means the destination permanently refused the message;
	// the writer discards it.
	Rejected
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Throttled:
		return "throttled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result carries the per-message outcomes of one SendBatch call,
// index-aligned with the submitted batch.
type Result struct {
	Outcomes []Outcome
}

// AllSent returns a result marking every message of an n-sized batch
// as sent.
func AllSent(n int) Result {
	return Result{Outcomes: make([]Outcome, n)}
}

// Counts returns the number of sent, throttled and rejected messages.
func (r Result) Counts() (sent, throttled, rejected int) {
	for _, o := range r.Outcomes {
		switch o {
		case Sent:
			sent++
		case Throttled:
			throttled++
		case Rejected:
			rejected++
		}
	}
	return sent, throttled, rejected
}

// Destination is the facade implemented by every concrete transport.
//
// Describe and Create are used during writer initialization: Describe
// reports whether the remote resource is usable, Create provisions it
// when missing. SendBatch delivers one batch and either returns an
// error for the whole call (classified via the package sentinels) or a
// Result with per-message outcomes. Limits are static for the lifetime
// of the destination.
type Destination interface {
	Describe(ctx context.Context) (Status, error)
	Create(ctx context.Context) error
	SendBatch(ctx context.Context, msgs []*core.Message) (Result, error)
	Limits() Limits
	Name() string
	Close() error
}
