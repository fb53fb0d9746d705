// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package writer

import "errors"

// Lifecycle errors.
var (
	// ErrAlreadyStarted indicates Start was called more than once.
	ErrAlreadyStarted = errors.New("writer already started")

	// ErrStopped indicates Start was called on a writer that already
	// ran and stopped; writers are not restartable.
	ErrStopped = errors.New("writer stopped")

	// ErrInvalidConfig indicates an invalid writer configuration.
	ErrInvalidConfig = errors.New("invalid writer configuration")
)

// errCreationPending signals initialization that the destination is
// still being provisioned and should be described again after backoff.
var errCreationPending = errors.New("destination creation pending")
