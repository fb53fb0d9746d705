// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue provides the bounded in-memory buffer between log
// producers and the batch writer. The queue owns the discard policy:
// when it is at capacity, the policy decides whether the queue grows,
// the head is evicted, or the new message is refused.
package queue

import (
	"fmt"
	"sync"

	"github.com/absmach/fluxlog/core"
)

// DiscardPolicy selects which message is dropped when the queue is full.
type DiscardPolicy string

const (
	// DiscardNone disables discarding: the queue grows past capacity and
	// the caller accepts the memory risk.
	DiscardNone DiscardPolicy = "none"
	// DiscardOldest evicts the head to make room for the new tail.
	DiscardOldest DiscardPolicy = "oldest"
	// DiscardNewest refuses the incoming message and keeps the queue as is.
	DiscardNewest DiscardPolicy = "newest"
)

// Validate checks that the policy is one of the known values.
func (p DiscardPolicy) Validate() error {
	switch p {
	case DiscardNone, DiscardOldest, DiscardNewest:
		return nil
	default:
		return fmt.Errorf("unknown discard policy %q", string(p))
	}
}

// Queue is a thread-safe FIFO buffer of messages with a capacity
// threshold and a discard policy. Producers push onto the tail; the
// writer drains everything at the start of a batch cycle and requeues
// throttled messages at the front. The internal lock is held only for
// the structural mutation, never across I/O.
type Queue struct {
	mu       sync.Mutex
	messages []*core.Message
	capacity int
	policy   DiscardPolicy
	dropped  uint64
}

// New creates a queue with the given capacity and discard policy.
// Non-positive capacities and unknown policies fall back to defaults.
func New(capacity int, policy DiscardPolicy) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	if policy.Validate() != nil {
		policy = DiscardOldest
	}
	return &Queue{
		messages: make([]*core.Message, 0),
		capacity: capacity,
		policy:   policy,
	}
}

// Enqueue appends a message to the tail, applying the discard policy
// when the queue is at capacity. It never fails from the producer's
// point of view: a refused message is counted against the dropped
// counter instead.
func (q *Queue) Enqueue(msg *core.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= q.capacity {
		switch q.policy {
		case DiscardOldest:
			q.messages = q.messages[1:]
			q.dropped++
		case DiscardNewest:
			q.dropped++
			return
		}
	}
	q.messages = append(q.messages, msg)
}

// DrainAll removes and returns every queued message in FIFO order,
// leaving the queue empty. Relative to interleaved enqueues, each
// message is returned by exactly one drain.
func (q *Queue) DrainAll() []*core.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.messages
	q.messages = make([]*core.Message, 0)
	return msgs
}

// Requeue reinserts messages at the front in their given order, ahead
// of anything enqueued since the drain. The discard policy still
// applies: when the combined length exceeds capacity, the requeued
// block is treated as older than the current contents, so under
// DiscardOldest the front of the requeued block is evicted first and
// under DiscardNewest the current tail survives and the overflowing
// tail of the requeued block is counted dropped.
func (q *Queue) Requeue(msgs []*core.Message) {
	if len(msgs) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	combined := make([]*core.Message, 0, len(msgs)+len(q.messages))
	combined = append(combined, msgs...)
	combined = append(combined, q.messages...)

	if over := len(combined) - q.capacity; over > 0 {
		switch q.policy {
		case DiscardOldest:
			combined = combined[over:]
			q.dropped += uint64(over)
		case DiscardNewest:
			// Keep what was already queued; trim the requeued block's
			// tail. Only the requeued block is ever removed here, so
			// the dropped counter grows by at most len(msgs) even when
			// the existing contents already exceed capacity.
			removed := over
			if keep := len(msgs) - over; keep > 0 {
				trimmed := make([]*core.Message, 0, q.capacity)
				trimmed = append(trimmed, msgs[:keep]...)
				trimmed = append(trimmed, q.messages...)
				combined = trimmed
			} else {
				combined = q.messages
				removed = len(msgs)
			}
			q.dropped += uint64(removed)
		}
	}
	q.messages = combined
}

// Dropped returns the number of messages discarded by the policy so
// far. The counter is monotonic for the lifetime of the queue.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// IsEmpty reports whether the queue holds no messages.
func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

// Cap returns the current capacity threshold.
func (q *Queue) Cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// Policy returns the current discard policy.
func (q *Queue) Policy() DiscardPolicy {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.policy
}

// SetCapacity changes the capacity threshold. The new value applies to
// subsequent enqueues; messages already queued are not evicted.
// Non-positive values are ignored.
func (q *Queue) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.capacity = capacity
}

// SetPolicy changes the discard policy for subsequent enqueues.
// Unknown policies are ignored.
func (q *Queue) SetPolicy(policy DiscardPolicy) {
	if policy.Validate() != nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policy = policy
}
