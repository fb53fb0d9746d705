// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/google/uuid"
)

// Message is a single log event captured for delivery.
//
// A message is immutable after construction: the producer hands ownership
// to the queue on enqueue and must not modify the payload afterwards. The
// message travels queue -> in-flight batch -> destination and is released
// after a successful send or a permanent failure.
type Message struct {
	ID        string
	Timestamp time.Time
	Payload   []byte
}

// NewMessage creates a message around the given payload, stamping it with
// a fresh ID and the current wall-clock time.
func NewMessage(payload []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// NewMessageString creates a message from a string payload.
func NewMessageString(payload string) *Message {
	return NewMessage([]byte(payload))
}

// Size returns the payload length in bytes, the unit destinations account
// batch capacity in.
func (m *Message) Size() int {
	return len(m.Payload)
}

// TotalSize returns the combined payload size of msgs.
func TotalSize(msgs []*Message) int {
	total := 0
	for _, m := range msgs {
		total += m.Size()
	}
	return total
}
