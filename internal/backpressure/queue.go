// Package backpressure bounds the in-memory queue between the feed reader
// and the storage writer. The writer drains at storage pace (a handful of
// rows per flush) while a reconnect replay can burst thousands of records;
// without a bound the queue is the one place the process can grow without
// limit.
package backpressure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/pbsg/kraken-ingest/internal/models"
)

// Policy decides what happens when the queue is full.
type Policy string

const (
	// PolicyBlock applies backpressure to the producer. Blocking too long
	// risks an exchange-side disconnect, but no record is lost locally.
	PolicyBlock Policy = "block"

	// PolicyDropOldest discards the oldest queued record to admit the new
	// one, trading staleness for liveness.
	PolicyDropOldest Policy = "drop-oldest"
)

// ParsePolicy parses a policy name from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyBlock, PolicyDropOldest:
		return Policy(s), nil
	}
	return "", fmt.Errorf("unknown queue policy %q", s)
}

// Queue is a bounded single-producer/single-consumer record queue.
// Push is called only by the adapter goroutine; Records is ranged only by
// the writer goroutine. Depth and Dropped are safe from any goroutine.
type Queue struct {
	ch      chan *models.OHLC
	policy  Policy
	logger  *logrus.Logger
	dropped atomic.Uint64

	closeOnce sync.Once

	// OnDrop observes each record discarded under drop-oldest. Set before
	// the first Push. Optional.
	OnDrop func(rec *models.OHLC)
}

// New creates a Queue with the given capacity and full-queue policy.
func New(capacity int, policy Policy, logger *logrus.Logger) *Queue {
	return &Queue{
		ch:     make(chan *models.OHLC, capacity),
		policy: policy,
		logger: logger,
	}
}

// Push enqueues one record, preserving arrival order. Under PolicyBlock it
// waits for space or ctx cancellation; under PolicyDropOldest it discards
// queued records (oldest first) until the new one fits.
func (q *Queue) Push(ctx context.Context, rec *models.OHLC) error {
	if q.policy == PolicyBlock {
		select {
		case q.ch <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case q.ch <- rec:
			return nil
		default:
		}

		select {
		case old := <-q.ch:
			n := q.dropped.Add(1)
			q.logger.Warnf("Queue full, dropped oldest record %s %s @ %s (%d dropped total)",
				old.Symbol, old.Timeframe, old.OpenTime.Format("15:04"), n)
			if q.OnDrop != nil {
				q.OnDrop(old)
			}
		default:
			// Consumer drained between the two selects; retry the send.
		}
	}
}

// Records returns the consumer side of the queue. The channel closes after
// Close, once drained.
func (q *Queue) Records() <-chan *models.OHLC { return q.ch }

// Depth returns the current number of queued records.
func (q *Queue) Depth() int { return len(q.ch) }

// Capacity returns the configured bound.
func (q *Queue) Capacity() int { return cap(q.ch) }

// Dropped returns the total number of records discarded under drop-oldest.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close ends the stream. Call only after the producer has stopped; the
// consumer still drains whatever is queued.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}
