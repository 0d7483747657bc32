// Package storage provides database persistence for OHLC candle data.
package storage

import (
	"context"
	"time"

	"github.com/pbsg/kraken-ingest/internal/models"
)

// Storage defines the interface for persisting candle data.
// Implementations must be safe for concurrent use.
type Storage interface {
	// UpsertCandles writes a batch of candles in one round trip. Inserts are
	// keyed on (symbol, timeframe, open_time, source); an existing row is
	// replaced (last write wins), so retried flushes are idempotent.
	UpsertCandles(ctx context.Context, candles []*models.OHLC) error

	// LastSeen returns the most recent stored bucket start for the pair,
	// or ok=false when nothing is stored yet.
	LastSeen(ctx context.Context, symbol string, tf models.Timeframe) (t time.Time, ok bool, err error)

	// ListGaps returns bucket starts missing from storage between since and
	// the last completed bucket. Detection seam only; backfill is external.
	ListGaps(ctx context.Context, symbol string, tf models.Timeframe, since time.Time) ([]time.Time, error)

	// Close releases database connection resources.
	Close() error
}
