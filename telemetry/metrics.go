// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments for the batch writer.
// A nil *Metrics is valid: every Record method is a no-op on it, so
// the writer carries one pointer regardless of whether telemetry is
// enabled.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesSent      metric.Int64Counter
	messagesDiscarded metric.Int64Counter
	oversizeMessages  metric.Int64Counter
	messagesSpooled   metric.Int64Counter
	sendRetries       metric.Int64Counter
	batchesSent       metric.Int64Counter

	// Gauges
	queueDepth metric.Int64ObservableGauge

	// Histograms
	batchSize    metric.Int64Histogram
	batchBytes   metric.Int64Histogram
	sendDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments
// initialized against the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxlog-writer"),
	}

	var err error

	m.messagesSent, err = m.meter.Int64Counter(
		"fluxlog.messages.sent.total",
		metric.WithDescription("Total messages confirmed sent to the destination"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSent counter: %w", err)
	}

	m.messagesDiscarded, err = m.meter.Int64Counter(
		"fluxlog.messages.discarded.total",
		metric.WithDescription("Total messages discarded after delivery failure or shutdown"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDiscarded counter: %w", err)
	}

	m.oversizeMessages, err = m.meter.Int64Counter(
		"fluxlog.messages.oversize.total",
		metric.WithDescription("Total messages dropped for exceeding the per-message size limit"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create oversizeMessages counter: %w", err)
	}

	m.messagesSpooled, err = m.meter.Int64Counter(
		"fluxlog.messages.spooled.total",
		metric.WithDescription("Total messages preserved to the disk spool at shutdown"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesSpooled counter: %w", err)
	}

	m.sendRetries, err = m.meter.Int64Counter(
		"fluxlog.send.retries.total",
		metric.WithDescription("Total batch send re-attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendRetries counter: %w", err)
	}

	m.batchesSent, err = m.meter.Int64Counter(
		"fluxlog.batches.sent.total",
		metric.WithDescription("Total batches delivered to the destination"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchesSent counter: %w", err)
	}

	m.queueDepth, err = m.meter.Int64ObservableGauge(
		"fluxlog.queue.depth",
		metric.WithDescription("Current number of messages waiting in the queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"fluxlog.batch.size",
		metric.WithDescription("Messages per delivered batch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchSize histogram: %w", err)
	}

	m.batchBytes, err = m.meter.Int64Histogram(
		"fluxlog.batch.bytes",
		metric.WithDescription("Payload bytes per delivered batch"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchBytes histogram: %w", err)
	}

	m.sendDuration, err = m.meter.Float64Histogram(
		"fluxlog.send.duration",
		metric.WithDescription("Batch delivery duration including retries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendDuration histogram: %w", err)
	}

	return m, nil
}

// RecordBatchSent records one delivered batch: message count, payload
// bytes and total delivery duration.
func (m *Metrics) RecordBatchSent(ctx context.Context, count, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, count)
	m.batchesSent.Add(ctx, 1)
	m.batchSize.Record(ctx, count)
	m.batchBytes.Record(ctx, bytes)
	m.sendDuration.Record(ctx, float64(d.Milliseconds()))
}

// RecordMessagesDiscarded records messages dropped after delivery
// failure or at the shutdown deadline.
func (m *Metrics) RecordMessagesDiscarded(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.messagesDiscarded.Add(ctx, n)
}

// RecordOversize records messages dropped for exceeding the
// per-message size limit.
func (m *Metrics) RecordOversize(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.oversizeMessages.Add(ctx, n)
}

// RecordSpooled records messages preserved to the disk spool.
func (m *Metrics) RecordSpooled(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.messagesSpooled.Add(ctx, n)
}

// RecordSendRetries records batch send re-attempts.
func (m *Metrics) RecordSendRetries(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.sendRetries.Add(ctx, n)
}

// RegisterQueueDepth binds the queue depth gauge to a live depth
// reader; the gauge is sampled at each metric collection.
func (m *Metrics) RegisterQueueDepth(depth func() int64) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.queueDepth, depth())
		return nil
	}, m.queueDepth)
	if err != nil {
		return fmt.Errorf("failed to register queue depth callback: %w", err)
	}
	return nil
}
