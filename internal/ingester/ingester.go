// Package ingester drains the record queue and persists candles to storage.
// It handles batching, retry logic, and graceful shutdown.
package ingester

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pbsg/kraken-ingest/internal/backpressure"
	"github.com/pbsg/kraken-ingest/internal/faulttolerance"
	"github.com/pbsg/kraken-ingest/internal/health"
	"github.com/pbsg/kraken-ingest/internal/models"
	"github.com/pbsg/kraken-ingest/internal/storage"
)

// Config holds ingester configuration parameters.
type Config struct {
	// BatchSize is the maximum number of candles to accumulate before flushing.
	BatchSize int

	// BatchTimeout is the maximum time to wait before flushing, even if the
	// batch isn't full. Together the two bound both write latency and
	// per-insert overhead.
	BatchTimeout time.Duration
}

// Ingester consumes candles from the queue and writes them to storage in
// batches. Delivery toward storage is at-least-once: a failed flush leaves
// the batch intact for retry, and the storage-side upsert by identity key
// makes redundant flushes harmless.
type Ingester struct {
	queue   *backpressure.Queue
	storage storage.Storage
	retryer *faulttolerance.Retryer
	breaker *faulttolerance.CircuitBreaker
	tracker *health.Tracker
	logger  *logrus.Logger
	cfg     Config
}

// New creates an Ingester with the provided dependencies.
// It receives its tools rather than creating them, for testability.
func New(
	queue *backpressure.Queue,
	store storage.Storage,
	retryer *faulttolerance.Retryer,
	breaker *faulttolerance.CircuitBreaker,
	tracker *health.Tracker,
	logger *logrus.Logger,
	cfg Config,
) *Ingester {
	return &Ingester{
		queue:   queue,
		storage: store,
		retryer: retryer,
		breaker: breaker,
		tracker: tracker,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start runs the flush loop. It returns nil after the queue closes and the
// final batch is flushed, or an error when storage retries are exhausted
// (a fatal storage-health condition) or ctx is cancelled hard.
//
// The loop:
//  1. Pops candles off the queue
//  2. Accumulates until the batch is full or the flush timer fires
//  3. Upserts the batch (bounded retries with backoff)
//  4. On queue close, drains and flushes whatever is pending
func (ig *Ingester) Start(ctx context.Context) error {
	ig.logger.Infof("Starting ingester loop (batch_size=%d, batch_timeout=%v)",
		ig.cfg.BatchSize, ig.cfg.BatchTimeout)

	// Reusable buffer to reduce GC pressure
	batch := make([]*models.OHLC, 0, ig.cfg.BatchSize)

	ticker := time.NewTicker(ig.cfg.BatchTimeout)
	defer ticker.Stop()

	// flush writes the accumulated batch to storage. The batch is cleared
	// only on success; exhausted retries escalate to a fatal storage event.
	flush := func(ctx context.Context) error {
		if len(batch) == 0 {
			return nil
		}

		err := ig.retryer.Execute(ctx, func() error {
			err := ig.breaker.Execute(ctx, func() error {
				return ig.storage.UpsertCandles(ctx, batch)
			})
			if err != nil {
				// Every failed attempt moves the error rate; the health
				// surface degrades during a retry storm, not only after it.
				ig.tracker.Record(health.Event{Type: health.EventFlushError, Err: err})
			}
			return err
		})
		if err != nil {
			ig.tracker.Record(health.Event{Type: health.EventStorageFatal, Err: err, Count: len(batch)})
			ig.logger.Errorf("Storage unrecoverable, abandoning %d records: %v", len(batch), err)
			return fmt.Errorf("flush failed after retries: %w", err)
		}

		ig.tracker.Record(health.Event{Type: health.EventFlushOK, Count: len(batch)})
		ig.logger.Infof("Flushed %d records", len(batch))

		batch = batch[:0]
		ticker.Reset(ig.cfg.BatchTimeout)
		return nil
	}

	for {
		select {
		case rec, ok := <-ig.queue.Records():
			if !ok {
				// Producer stopped; drain is complete, flush the remainder.
				err := flush(ctx)
				ig.logger.Info("Ingester stopped")
				return err
			}

			batch = append(batch, rec)
			if len(batch) >= ig.cfg.BatchSize {
				if err := flush(ctx); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				ig.logger.Debugf("Flushing partial batch of %d on timer", len(batch))
			}
			if err := flush(ctx); err != nil {
				return err
			}

		case <-ctx.Done():
			// Hard abort: give the pending batch one detached, time-bounded
			// write so in-flight records are either persisted or explicitly
			// abandoned with a warning, never silently dropped.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			err := flush(flushCtx)
			cancel()
			if err != nil {
				ig.logger.Warnf("Shutdown flush incomplete: %v", err)
				return err
			}
			return ctx.Err()
		}
	}
}
