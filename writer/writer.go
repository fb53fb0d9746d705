// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package writer implements the asynchronous batching writer: a bounded
// message queue drained by a single background goroutine that packs
// messages into destination-sized batches and delivers them through the
// retry engine. Producers never block on network I/O, and no delivery
// failure ever propagates into a producer goroutine; everything is
// absorbed into counters and the last-error record.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxlog/core"
	"github.com/absmach/fluxlog/destination"
	"github.com/absmach/fluxlog/queue"
	"github.com/absmach/fluxlog/ratelimit"
	"github.com/absmach/fluxlog/retry"
	"github.com/absmach/fluxlog/spool"
	"github.com/absmach/fluxlog/telemetry"
)

// tickInterval is the fallback poll period for the run loop, covering
// wake signals lost while a cycle was already in flight.
const tickInterval = time.Second

// Dependencies carries the writer's optional collaborators. Every field
// may be nil.
type Dependencies struct {
	Limiter *ratelimit.Limiter
	Spool   *spool.Spool
	Metrics *telemetry.Metrics
}

// Writer delivers queued messages to a destination in batches. One
// background goroutine owns the batch loop; any number of producer
// goroutines may call AddMessage concurrently.
type Writer struct {
	dest    destination.Destination
	queue   *queue.Queue
	state   *stateManager
	stats   *Stats
	limiter *ratelimit.Limiter
	spool   *spool.Spool
	metrics *telemetry.Metrics
	logger  *slog.Logger

	retryPolicy     retry.Policy
	synchronous     bool
	shutdownTimeout time.Duration
	batchDelay      atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	started   atomic.Bool
	initOK    atomic.Bool
	stopOnce  sync.Once
	initOnce  sync.Once
	processMu sync.Mutex

	notifyCh  chan struct{}
	stopCh    chan struct{}
	initDone  chan struct{}
	stoppedCh chan struct{}
}

// New creates a writer delivering to dest. A nil logger falls back to
// slog.Default().
func New(cfg Config, dest destination.Destination, deps Dependencies, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dest == nil {
		return nil, fmt.Errorf("destination cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		dest:            dest,
		queue:           queue.New(cfg.QueueCapacity, cfg.DiscardPolicy),
		state:           newStateManager(),
		stats:           NewStats(),
		limiter:         deps.Limiter,
		spool:           deps.Spool,
		metrics:         deps.Metrics,
		logger:          logger,
		retryPolicy:     cfg.Retry,
		synchronous:     cfg.Synchronous,
		shutdownTimeout: cfg.ShutdownTimeout,
		ctx:             ctx,
		cancel:          cancel,
		notifyCh:        make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		initDone:        make(chan struct{}),
		stoppedCh:       make(chan struct{}),
	}
	w.batchDelay.Store(int64(cfg.BatchDelay))
	if err := w.metrics.RegisterQueueDepth(func() int64 { return int64(w.queue.Len()) }); err != nil {
		return nil, err
	}
	return w, nil
}

// Start launches the background run loop. Cancelling ctx is equivalent
// to calling Stop. A second call returns ErrAlreadyStarted.
func (w *Writer) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		if w.state.get() == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stoppedCh:
		}
	}()
	go w.run(w.ctx)
	return nil
}

// AddMessage enqueues a message for delivery and wakes the batch loop.
// In synchronous mode it additionally drives one batch pass inline on
// the calling goroutine. Messages arriving after a stop are counted as
// discarded; the producer is never blocked or failed by writer-side
// conditions.
func (w *Writer) AddMessage(msg *core.Message) {
	if msg == nil {
		return
	}
	if w.state.isShuttingDown() {
		w.stats.AddMessagesDiscarded(1)
		return
	}

	w.queue.Enqueue(msg)
	w.notify()

	if w.synchronous && w.state.isRunning() {
		w.processQueue(w.ctx)
	}
}

// WaitUntilInitialized blocks until the writer leaves the initializing
// phase or the timeout elapses, and reports whether initialization
// succeeded. It returns true even if the writer stopped afterwards, as
// long as the destination check passed.
func (w *Writer) WaitUntilInitialized(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.initDone:
		return w.initOK.Load()
	case <-timer.C:
		return false
	}
}

// Stop requests shutdown: the run loop finishes its current cycle,
// attempts one final flush bounded by the shutdown timeout, and stops.
// Any backoff wait in progress is interrupted promptly.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		w.state.transition(StateRunning, StateStopping)
		close(w.stopCh)
		w.cancel()
	})
}

// WaitUntilStopped blocks until the writer reaches the stopped state or
// the timeout elapses, and reports whether it stopped in time.
func (w *Writer) WaitUntilStopped(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.stoppedCh:
		return true
	case <-timer.C:
		return false
	}
}

// State returns the current lifecycle state.
func (w *Writer) State() State {
	return w.state.get()
}

// Synchronous reports whether the writer runs in synchronous mode.
func (w *Writer) Synchronous() bool {
	return w.synchronous
}

// MaxMessageSize returns the destination's per-message payload limit in
// bytes; zero means unconstrained.
func (w *Writer) MaxMessageSize() int {
	return w.dest.Limits().MaxMessageBytes
}

// SetBatchDelay changes the accumulation window. Takes effect on the
// next cycle; non-positive values are ignored.
func (w *Writer) SetBatchDelay(d time.Duration) {
	if d <= 0 {
		return
	}
	w.batchDelay.Store(int64(d))
}

// SetDiscardThreshold changes the queue capacity for subsequent
// enqueues.
func (w *Writer) SetDiscardThreshold(capacity int) {
	w.queue.SetCapacity(capacity)
}

// SetDiscardAction changes the queue discard policy for subsequent
// enqueues.
func (w *Writer) SetDiscardAction(policy queue.DiscardPolicy) {
	w.queue.SetPolicy(policy)
}

// LastError returns the most recent failure record, or nil.
func (w *Writer) LastError() *ErrorRecord {
	return w.stats.LastError()
}

// StatsSnapshot is a point-in-time read of the writer's observable
// state, safe to take from any goroutine.
type StatsSnapshot struct {
	State             string       `json:"state"`
	MessagesSent      uint64       `json:"messages_sent"`
	MessagesDiscarded uint64       `json:"messages_discarded"`
	OversizeMessages  uint64       `json:"oversize_messages"`
	BatchesSent       uint64       `json:"batches_sent"`
	SendRetries       uint64       `json:"send_retries"`
	MessagesSpooled   uint64       `json:"messages_spooled"`
	QueueDepth        int          `json:"queue_depth"`
	QueueDropped      uint64       `json:"queue_dropped"`
	Uptime            string       `json:"uptime"`
	LastError         *ErrorRecord `json:"last_error,omitempty"`
}

// Stats returns a snapshot of counters, queue depth and the last error.
func (w *Writer) Stats() StatsSnapshot {
	return StatsSnapshot{
		State:             w.state.get().String(),
		MessagesSent:      w.stats.GetMessagesSent(),
		MessagesDiscarded: w.stats.GetMessagesDiscarded(),
		OversizeMessages:  w.stats.GetOversizeMessages(),
		BatchesSent:       w.stats.GetBatchesSent(),
		SendRetries:       w.stats.GetSendRetries(),
		MessagesSpooled:   w.stats.GetMessagesSpooled(),
		QueueDepth:        w.queue.Len(),
		QueueDropped:      w.queue.Dropped(),
		Uptime:            w.stats.GetUptime().String(),
		LastError:         w.stats.LastError(),
	}
}

// notify wakes the run loop without blocking the producer.
func (w *Writer) notify() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Writer) closeInitDone() {
	w.initOnce.Do(func() { close(w.initDone) })
}

// run is the background loop: initialize, then cycle until stopped.
func (w *Writer) run(ctx context.Context) {
	defer close(w.stoppedCh)
	defer w.state.set(StateStopped)
	defer w.closeInitDone()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("writer run loop panic: %v", r)
			w.stats.RecordPanic(err, string(debug.Stack()))
			w.logger.Error("batch writer terminated by panic",
				slog.String("destination", w.dest.Name()),
				slog.String("error", err.Error()))
		}
	}()

	if !w.state.transition(StateUninitialized, StateInitializing) {
		return
	}

	if err := w.initialize(ctx); err != nil {
		w.stats.RecordFailure(err)
		w.logger.Error("destination initialization failed",
			slog.String("destination", w.dest.Name()),
			slog.String("error", err.Error()))
		if n := len(w.queue.DrainAll()); n > 0 {
			w.stats.AddMessagesDiscarded(uint64(n))
			w.logger.Warn("discarding messages buffered before initialization failure",
				slog.Int("count", n))
		}
		return
	}

	w.replaySpool()
	w.initOK.Store(true)
	w.state.transition(StateInitializing, StateRunning)
	w.closeInitDone()
	w.logger.Info("batch writer running",
		slog.String("destination", w.dest.Name()),
		slog.Bool("synchronous", w.synchronous))

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case <-w.stopCh:
			w.shutdown()
			return
		case <-w.notifyCh:
			w.waitBatchDelay(ctx)
			w.processQueue(ctx)
		case <-ticker.C:
			if !w.queue.IsEmpty() {
				w.processQueue(ctx)
			}
		}
	}
}

// initialize confirms the destination is usable, creating it when
// missing and polling while creation is in progress, all under the
// retry policy.
func (w *Writer) initialize(ctx context.Context) error {
	op := func(ctx context.Context) error {
		status, err := w.dest.Describe(ctx)
		if err != nil {
			return fmt.Errorf("describe destination: %w", err)
		}
		switch status {
		case destination.StatusActive:
			return nil
		case destination.StatusMissing:
			w.logger.Info("destination missing, creating",
				slog.String("destination", w.dest.Name()))
			if err := w.dest.Create(ctx); err != nil {
				return fmt.Errorf("create destination: %w", err)
			}
			return errCreationPending
		case destination.StatusCreating:
			return errCreationPending
		default:
			return fmt.Errorf("destination status %s: %w", status, destination.ErrUnavailable)
		}
	}
	return retry.Do(ctx, w.retryPolicy, classifyInitError, op)
}

// replaySpool feeds messages preserved by a previous run back into the
// queue before the first cycle.
func (w *Writer) replaySpool() {
	if w.spool == nil {
		return
	}
	msgs, err := w.spool.DrainAll()
	if err != nil {
		w.logger.Warn("spool replay failed", slog.String("error", err.Error()))
		return
	}
	if len(msgs) == 0 {
		return
	}
	w.queue.Requeue(msgs)
	w.notify()
	w.logger.Info("replayed spooled messages", slog.Int("count", len(msgs)))
}

// waitBatchDelay sleeps out the accumulation window after the first
// message of a cycle, returning early on stop.
func (w *Writer) waitBatchDelay(ctx context.Context) {
	delay := time.Duration(w.batchDelay.Load())
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-timer.C:
	}
}

// processQueue drains the queue, packs batches and sends them. Messages
// the destination throttled, and batches abandoned by a stop, are
// requeued at the front for the next pass. Returns the number of
// messages confirmed sent.
func (w *Writer) processQueue(ctx context.Context) int {
	w.processMu.Lock()
	defer w.processMu.Unlock()

	msgs := w.queue.DrainAll()
	if len(msgs) == 0 {
		return 0
	}

	limits := w.dest.Limits()
	batches, oversize := splitBatches(msgs, limits)
	for _, m := range oversize {
		w.stats.IncrementOversizeMessages()
		w.metrics.RecordOversize(ctx, 1)
		w.logger.Warn("dropping oversize message",
			slog.String("id", m.ID),
			slog.Int("size", m.Size()),
			slog.Int("max_message_bytes", limits.MaxMessageBytes),
			slog.Int("max_batch_bytes", limits.MaxBatchBytes))
	}

	totalSent := 0
	var requeue []*core.Message
	for i, batch := range batches {
		sent, retryLater, cont := w.sendBatch(ctx, batch)
		totalSent += sent
		requeue = append(requeue, retryLater...)
		if !cont {
			for _, rest := range batches[i+1:] {
				requeue = append(requeue, rest...)
			}
			break
		}
	}
	if len(requeue) > 0 {
		w.queue.Requeue(requeue)
		w.notify()
	}
	return totalSent
}

// sendBatch delivers one batch through the retry engine and applies the
// per-message outcomes. retryLater holds messages to requeue; cont is
// false when the cycle must stop (abandoned by cancellation, or the
// destination is gone).
func (w *Writer) sendBatch(ctx context.Context, batch []*core.Message) (sent int, retryLater []*core.Message, cont bool) {
	if w.limiter != nil {
		if err := w.limiter.WaitN(ctx, len(batch)); err != nil {
			return 0, batch, false
		}
	}

	var result destination.Result
	attempts := 0
	start := time.Now()
	err := retry.Do(ctx, w.retryPolicy, classifySendError, func(ctx context.Context) error {
		attempts++
		var sendErr error
		result, sendErr = w.dest.SendBatch(ctx, batch)
		if sendErr != nil {
			return fmt.Errorf("send batch of %d: %w", len(batch), sendErr)
		}
		return nil
	})
	if attempts > 1 {
		w.stats.AddSendRetries(uint64(attempts - 1))
		w.metrics.RecordSendRetries(ctx, int64(attempts-1))
	}

	if err != nil {
		w.stats.RecordFailure(err)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Abandoned by stop or a flush deadline; the batch stays queued
			// so the final flush gets its chance before anything is counted.
			return 0, batch, false
		case destination.IsGone(err):
			w.logger.Error("destination gone, stopping writer",
				slog.String("destination", w.dest.Name()),
				slog.String("error", err.Error()))
			w.stats.AddMessagesDiscarded(uint64(len(batch)))
			w.metrics.RecordMessagesDiscarded(ctx, int64(len(batch)))
			w.Stop()
			return 0, nil, false
		default:
			if w.state.isShuttingDown() && w.spool != nil {
				// Undeliverable during the final flush; hand the batch
				// back so it reaches the spool, not the discard counter.
				w.logger.Warn("delivery failed during final flush, keeping batch for the spool",
					slog.Int("count", len(batch)),
					slog.String("error", err.Error()))
				return 0, batch, false
			}
			w.logger.Error("dropping batch after delivery failure",
				slog.Int("count", len(batch)),
				slog.String("error", err.Error()))
			w.stats.AddMessagesDiscarded(uint64(len(batch)))
			w.metrics.RecordMessagesDiscarded(ctx, int64(len(batch)))
			return 0, nil, true
		}
	}

	// Per-message outcomes; an empty or mis-sized result means the
	// destination accepted everything.
	outcomes := result.Outcomes
	if len(outcomes) != len(batch) {
		outcomes = nil
	}
	if outcomes == nil {
		sent = len(batch)
	} else {
		rejected := 0
		for i, o := range outcomes {
			switch o {
			case destination.Sent:
				sent++
			case destination.Throttled:
				retryLater = append(retryLater, batch[i])
			case destination.Rejected:
				rejected++
			}
		}
		if rejected > 0 {
			w.stats.AddMessagesDiscarded(uint64(rejected))
			w.metrics.RecordMessagesDiscarded(ctx, int64(rejected))
			w.logger.Warn("destination rejected messages",
				slog.Int("count", rejected))
		}
		if len(retryLater) > 0 {
			w.logger.Debug("destination throttled messages, requeueing",
				slog.Int("count", len(retryLater)))
		}
	}

	w.stats.AddMessagesSent(uint64(sent))
	w.stats.IncrementBatchesSent()
	w.metrics.RecordBatchSent(ctx, int64(sent), int64(core.TotalSize(batch)), time.Since(start))
	return sent, retryLater, true
}

// shutdown runs the final flush and leaves the writer stopping; the
// deferred transition in run marks it stopped.
func (w *Writer) shutdown() {
	w.state.set(StateStopping)
	w.finalFlush()
}

// finalFlush makes a best-effort pass over whatever is still queued,
// bounded by the shutdown timeout. Whatever cannot be delivered in time
// is spooled when a spool is attached, otherwise counted as discarded.
func (w *Writer) finalFlush() {
	if w.shutdownTimeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
		for !w.queue.IsEmpty() && ctx.Err() == nil {
			if w.processQueue(ctx) == 0 {
				break
			}
		}
		cancel()
	}

	leftover := w.queue.DrainAll()
	if len(leftover) > 0 {
		if w.spool != nil {
			if err := w.spool.Append(leftover); err != nil {
				w.stats.AddMessagesDiscarded(uint64(len(leftover)))
				w.logger.Error("spooling unflushed messages failed, discarding",
					slog.Int("count", len(leftover)),
					slog.String("error", err.Error()))
			} else {
				w.stats.AddMessagesSpooled(uint64(len(leftover)))
				w.metrics.RecordSpooled(context.Background(), int64(len(leftover)))
				w.logger.Info("spooled unflushed messages",
					slog.Int("count", len(leftover)))
			}
		} else {
			w.stats.AddMessagesDiscarded(uint64(len(leftover)))
			w.metrics.RecordMessagesDiscarded(context.Background(), int64(len(leftover)))
			w.logger.Warn("discarding unflushed messages at shutdown deadline",
				slog.Int("count", len(leftover)))
		}
	}

	w.logger.Info("batch writer stopped",
		slog.Uint64("messages_sent", w.stats.GetMessagesSent()),
		slog.Uint64("messages_discarded", w.stats.GetMessagesDiscarded()),
		slog.Uint64("messages_spooled", w.stats.GetMessagesSpooled()),
		slog.Uint64("oversize_messages", w.stats.GetOversizeMessages()))
}

// classifySendError decides retryability for whole-batch send failures.
// Unclassified transport errors are treated as transient.
func classifySendError(err error) retry.Class {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Permanent
	case destination.IsGone(err), errors.Is(err, destination.ErrRejected):
		return retry.Permanent
	case destination.IsRetryable(err):
		return retry.Retryable
	default:
		return retry.Retryable
	}
}

// classifyInitError decides retryability during initialization.
// Unclassified errors are configuration mistakes and fatal to startup.
func classifyInitError(err error) retry.Class {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Permanent
	case errors.Is(err, errCreationPending):
		return retry.Retryable
	case destination.IsRetryable(err):
		return retry.Retryable
	default:
		return retry.Permanent
	}
}
