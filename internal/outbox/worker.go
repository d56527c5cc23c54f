// Package outbox retries deferred work that checkout committed to the store
// after inventory was already applied.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradepost/checkout/internal/metrics"
	"github.com/tradepost/checkout/internal/storage"
)

// Handler performs one queued entry. A nil error marks the entry done.
type Handler func(ctx context.Context, entry storage.OutboxEntry) error

// pendingGaugeLimit caps the scan used to report the pending gauge.
const pendingGaugeLimit = 1000

// Worker polls the outbox and dispatches entries to handlers by kind.
type Worker struct {
	store       storage.OutboxStore
	handlers    map[string]Handler
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	interval    time.Duration
	batchSize   int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	timeout     time.Duration
	now         func() time.Time
	stopChan    chan struct{}
	doneChan    chan struct{}
}

// Options configures a Worker.
type Options struct {
	Store       storage.OutboxStore
	Handlers    map[string]Handler
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Interval    time.Duration // Poll interval (default: 5s)
	BatchSize   int           // Entries per poll (default: 10)
	BaseBackoff time.Duration // Delay after the first failed attempt (default: 2s)
	MaxBackoff  time.Duration // Backoff ceiling (default: 10m)
	Timeout     time.Duration // Deadline per handler call (default: 30s)
}

// NewWorker creates an outbox worker.
func NewWorker(opts Options) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger.GetLevel() == zerolog.Disabled {
		opts.Logger = zerolog.Nop()
	}

	handlers := make(map[string]Handler, len(opts.Handlers))
	for kind, h := range opts.Handlers {
		handlers[kind] = h
	}

	return &Worker{
		store:       opts.Store,
		handlers:    handlers,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		baseBackoff: opts.BaseBackoff,
		maxBackoff:  opts.MaxBackoff,
		timeout:     opts.Timeout,
		now:         time.Now,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
}

// Start begins polling in the background.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop waits for the in-flight batch and stops the worker.
func (w *Worker) Stop() {
	close(w.stopChan)
	<-w.doneChan
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneChan)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().
		Dur("interval", w.interval).
		Int("batch_size", w.batchSize).
		Msg("outbox.worker_started")

	for {
		select {
		case <-w.stopChan:
			w.logger.Info().Msg("outbox.worker_stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce handles one batch of due entries and returns how many were
// delivered.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	entries, err := w.store.DequeueOutbox(ctx, w.batchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("outbox.dequeue_failed")
		return 0
	}

	delivered := 0
	for _, entry := range entries {
		if w.process(ctx, entry) {
			delivered++
		}
	}

	if w.metrics != nil {
		w.reportPending(ctx)
	}
	return delivered
}

func (w *Worker) process(ctx context.Context, entry storage.OutboxEntry) bool {
	log := w.logger.With().
		Str("outbox_id", entry.ID).
		Str("kind", entry.Kind).
		Str("aggregate_id", entry.AggregateID).
		Logger()

	if err := w.store.MarkOutboxProcessing(ctx, entry.ID); err != nil {
		log.Error().Err(err).Msg("outbox.mark_processing_failed")
		return false
	}
	entry.Attempts++

	handler, ok := w.handlers[entry.Kind]
	var err error
	if !ok {
		err = fmt.Errorf("no handler for outbox kind %q", entry.Kind)
	} else {
		hctx, cancel := context.WithTimeout(ctx, w.timeout)
		err = handler(hctx, entry)
		cancel()
	}
	w.metrics.ObserveOutboxAttempt(entry.Kind, err)

	if err == nil {
		if markErr := w.store.MarkOutboxDone(ctx, entry.ID); markErr != nil {
			log.Error().Err(markErr).Msg("outbox.mark_done_failed")
		}
		log.Info().Int("attempts", entry.Attempts).Msg("outbox.delivered")
		return true
	}

	nextAttemptAt := w.now().Add(w.backoff(entry.Attempts))
	if markErr := w.store.MarkOutboxFailed(ctx, entry.ID, err.Error(), nextAttemptAt); markErr != nil {
		log.Error().Err(markErr).Msg("outbox.mark_failed_failed")
		return false
	}

	if entry.MaxAttempts > 0 && entry.Attempts >= entry.MaxAttempts {
		log.Error().
			Err(err).
			Int("attempts", entry.Attempts).
			Msg("outbox.exhausted")
	} else {
		log.Warn().
			Err(err).
			Int("attempts", entry.Attempts).
			Time("next_attempt_at", nextAttemptAt).
			Msg("outbox.retry_scheduled")
	}
	return false
}

// backoff doubles from baseBackoff for each attempt after the first.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.maxBackoff {
			return w.maxBackoff
		}
	}
	return d
}

func (w *Worker) reportPending(ctx context.Context) {
	pending, err := w.store.ListOutbox(ctx, storage.OutboxPending, pendingGaugeLimit)
	if err != nil {
		w.logger.Warn().Err(err).Msg("outbox.count_failed")
		return
	}
	w.metrics.SetOutboxPending(len(pending))
}
