package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pbsg/kraken-ingest/internal/models"
)

// postgresStorage implements Storage on Postgres/TimescaleDB via pgx.
// Batched upserts keep the per-insert overhead low while the identity-key
// conflict clause makes redundant flushes harmless.
type postgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage opens a connection pool and verifies connectivity with
// a ping. Returns an error if the database is unreachable within 5 seconds.
func NewPostgresStorage(ctx context.Context, dsn string) (Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &postgresStorage{pool: pool}, nil
}

const upsertCandleSQL = `
	INSERT INTO ohlc (
		symbol, timeframe, open_time,
		open, high, low, close, volume, vwap, trades,
		source, inserted_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (symbol, timeframe, open_time, source) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		vwap = EXCLUDED.vwap,
		trades = EXCLUDED.trades,
		inserted_at = EXCLUDED.inserted_at
`

// UpsertCandles writes all candles in a single batched round trip,
// preserving slice order. All rows in the batch share one inserted_at.
func (s *postgresStorage) UpsertCandles(ctx context.Context, candles []*models.OHLC) error {
	if len(candles) == 0 {
		return nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(upsertCandleSQL,
			c.Symbol,
			string(c.Timeframe),
			c.OpenTime.UTC(),
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			c.VWAP,
			c.Trades,
			c.Source,
			now,
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range candles {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert candle: %w", err)
		}
	}
	return results.Close()
}

// LastSeen returns the newest stored bucket start for the pair.
func (s *postgresStorage) LastSeen(ctx context.Context, symbol string, tf models.Timeframe) (time.Time, bool, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT max(open_time) FROM ohlc WHERE symbol = $1 AND timeframe = $2`,
		symbol, string(tf),
	).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last seen: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return last.UTC(), true, nil
}

// ListGaps derives missing bucket starts between since and the last
// completed bucket. since must be bucket-aligned; the open (current)
// bucket is excluded since it cannot have been stored yet.
func (s *postgresStorage) ListGaps(ctx context.Context, symbol string, tf models.Timeframe, since time.Time) ([]time.Time, error) {
	step := fmt.Sprintf("%d minutes", tf.Minutes())

	rows, err := s.pool.Query(ctx, `
		SELECT gs.bucket
		FROM generate_series($3::timestamptz, now() - $4::interval, $4::interval) AS gs(bucket)
		WHERE NOT EXISTS (
			SELECT 1 FROM ohlc o
			WHERE o.symbol = $1 AND o.timeframe = $2 AND o.open_time = gs.bucket
		)
		ORDER BY gs.bucket
	`, symbol, string(tf), since.UTC(), step)
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	defer rows.Close()

	var gaps []time.Time
	for rows.Next() {
		var bucket time.Time
		if err := rows.Scan(&bucket); err != nil {
			return nil, fmt.Errorf("list gaps: %w", err)
		}
		gaps = append(gaps, bucket.UTC())
	}
	return gaps, rows.Err()
}

// Close closes the connection pool.
func (s *postgresStorage) Close() error {
	s.pool.Close()
	return nil
}
