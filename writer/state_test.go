// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package writer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateUninitialized: "uninitialized",
		StateInitializing:  "initializing",
		StateRunning:       "running",
		StateStopping:      "stopping",
		StateStopped:       "stopped",
		State(99):          "unknown",
	}
	for s, want := range cases {
		assert.Equal(t, want, s.String())
	}
}

func TestStateManager_Transitions(t *testing.T) {
	sm := newStateManager()
	assert.Equal(t, StateUninitialized, sm.get())

	assert.True(t, sm.transition(StateUninitialized, StateInitializing))
	assert.False(t, sm.transition(StateUninitialized, StateInitializing))
	assert.Equal(t, StateInitializing, sm.get())

	assert.True(t, sm.transition(StateInitializing, StateRunning))
	assert.True(t, sm.isRunning())
	assert.False(t, sm.isShuttingDown())

	assert.True(t, sm.transitionFrom(StateStopping, StateUninitialized, StateRunning))
	assert.True(t, sm.isShuttingDown())
	assert.False(t, sm.isRunning())

	sm.set(StateStopped)
	assert.True(t, sm.isShuttingDown())
}
