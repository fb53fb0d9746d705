// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	before := time.Now()
	msg := NewMessage([]byte("hello"))
	after := time.Now()

	require.NotNil(t, msg)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, []byte("hello"), msg.Payload)
	assert.Equal(t, 5, msg.Size())
	assert.False(t, msg.Timestamp.Before(before))
	assert.False(t, msg.Timestamp.After(after))
}

func TestNewMessageUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		msg := NewMessage([]byte("x"))
		assert.False(t, seen[msg.ID], "duplicate message ID %s", msg.ID)
		seen[msg.ID] = true
	}
}

func TestNewMessageString(t *testing.T) {
	msg := NewMessageString("log line")
	assert.Equal(t, []byte("log line"), msg.Payload)
	assert.Equal(t, 8, msg.Size())
}

func TestTotalSize(t *testing.T) {
	tests := []struct {
		name     string
		payloads []string
		expected int
	}{
		{"empty", nil, 0},
		{"single", []string{"abc"}, 3},
		{"multiple", []string{"ab", "cde", "f"}, 6},
		{"with empty payload", []string{"", "xy"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := make([]*Message, 0, len(tt.payloads))
			for _, p := range tt.payloads {
				msgs = append(msgs, NewMessageString(p))
			}
			assert.Equal(t, tt.expected, TotalSize(msgs))
		})
	}
}
