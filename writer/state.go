// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package writer

import "sync/atomic"

// State represents the writer lifecycle state.
type State uint32

// Writer states.
const (
	StateUninitialized State = iota
	StateInitializing
	StateRunning
	StateStopping
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state uint32
}

// newStateManager creates a new state manager.
func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateUninitialized)}
}

// get returns the current state.
func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

// set unconditionally sets the state.
func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to transition from expected to new state.
// Returns true if successful.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to transition from any of the expected states.
// Returns true if successful.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}

// isRunning returns true if the writer accepts batch cycles.
func (sm *stateManager) isRunning() bool {
	return sm.get() == StateRunning
}

// isShuttingDown returns true once a stop has been requested or completed.
func (sm *stateManager) isShuttingDown() bool {
	s := sm.get()
	return s == StateStopping || s == StateStopped
}
