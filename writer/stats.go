// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package writer

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrorRecord captures the last operation failure for observers. It is
// overwritten on each new failure and published atomically, so readers
// never see a half-written record.
type ErrorRecord struct {
	Message string    `json:"message"`
	Cause   string    `json:"cause,omitempty"`
	Time    time.Time `json:"time"`
	Stack   string    `json:"stack,omitempty"`
}

// Stats tracks writer statistics. Counters are monotonic for the
// lifetime of the writer and safe to read concurrently without locks.
type Stats struct {
	startTime time.Time

	// Delivery stats
	messagesSent atomic.Uint64
	batchesSent  atomic.Uint64
	sendRetries  atomic.Uint64

	// Loss stats
	messagesDiscarded atomic.Uint64
	oversizeMessages  atomic.Uint64
	messagesSpooled   atomic.Uint64

	lastError atomic.Pointer[ErrorRecord]
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Delivery tracking.
func (s *Stats) AddMessagesSent(n uint64) {
	s.messagesSent.Add(n)
}

func (s *Stats) IncrementBatchesSent() {
	s.batchesSent.Add(1)
}

func (s *Stats) AddSendRetries(n uint64) {
	s.sendRetries.Add(n)
}

func (s *Stats) GetMessagesSent() uint64 {
	return s.messagesSent.Load()
}

func (s *Stats) GetBatchesSent() uint64 {
	return s.batchesSent.Load()
}

func (s *Stats) GetSendRetries() uint64 {
	return s.sendRetries.Load()
}

// Loss tracking.
func (s *Stats) AddMessagesDiscarded(n uint64) {
	s.messagesDiscarded.Add(n)
}

func (s *Stats) IncrementOversizeMessages() {
	s.oversizeMessages.Add(1)
}

func (s *Stats) AddMessagesSpooled(n uint64) {
	s.messagesSpooled.Add(n)
}

func (s *Stats) GetMessagesDiscarded() uint64 {
	return s.messagesDiscarded.Load()
}

func (s *Stats) GetOversizeMessages() uint64 {
	return s.oversizeMessages.Load()
}

func (s *Stats) GetMessagesSpooled() uint64 {
	return s.messagesSpooled.Load()
}

// Failure tracking.
func (s *Stats) RecordFailure(err error) {
	s.recordFailure(err, "")
}

// RecordPanic records a fault from the run loop's recover boundary,
// keeping a stack summary alongside the message.
func (s *Stats) RecordPanic(err error, stack string) {
	s.recordFailure(err, stack)
}

func (s *Stats) recordFailure(err error, stack string) {
	if err == nil {
		return
	}
	rec := &ErrorRecord{
		Message: err.Error(),
		Time:    time.Now(),
		Stack:   stack,
	}
	if cause := errors.Unwrap(err); cause != nil {
		rec.Cause = cause.Error()
	}
	s.lastError.Store(rec)
}

// LastError returns the most recent failure record, or nil if no
// operation has failed yet.
func (s *Stats) LastError() *ErrorRecord {
	return s.lastError.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
