package ingester

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbsg/kraken-ingest/internal/backpressure"
	"github.com/pbsg/kraken-ingest/internal/faulttolerance"
	"github.com/pbsg/kraken-ingest/internal/health"
	"github.com/pbsg/kraken-ingest/internal/models"
)

// mockStorage is a map-backed Storage keyed the same way the real upsert is,
// so redundant writes collapse into one row just like ON CONFLICT does.
type mockStorage struct {
	mu        sync.Mutex
	rows      map[models.Key]*models.OHLC
	calls     int
	failNext  int
	failErr   error
	lastBatch int
}

func newMockStorage() *mockStorage {
	return &mockStorage{rows: make(map[models.Key]*models.OHLC)}
}

func (m *mockStorage) UpsertCandles(_ context.Context, candles []*models.OHLC) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	for _, c := range candles {
		m.rows[c.Key()] = c
	}
	m.lastBatch = len(candles)
	return nil
}

func (m *mockStorage) LastSeen(context.Context, string, models.Timeframe) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (m *mockStorage) ListGaps(context.Context, string, models.Timeframe, time.Time) ([]time.Time, error) {
	return nil, nil
}

func (m *mockStorage) Close() error { return nil }

func (m *mockStorage) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *mockStorage) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func candle(symbol string, tf models.Timeframe, openTime time.Time) *models.OHLC {
	return &models.OHLC{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  openTime,
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(110),
		Low:       decimal.NewFromInt(95),
		Close:     decimal.NewFromInt(105),
		Volume:    decimal.NewFromInt(3),
		Source:    "kraken",
	}
}

// fixture wires an Ingester around a mock storage with test-friendly retry
// delays. Start runs in a goroutine; done yields its return value.
type fixture struct {
	queue   *backpressure.Queue
	store   *mockStorage
	tracker *health.Tracker
	done    chan error
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, store *mockStorage, cfg Config, maxAttempts int) *fixture {
	t.Helper()
	logger := quietLogger()

	queue := backpressure.New(64, backpressure.PolicyBlock, logger)
	retryer := faulttolerance.NewRetryer(faulttolerance.RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		Name:        "TestFlush",
	}, logger)
	breaker := faulttolerance.NewCircuitBreaker(faulttolerance.CircuitBreakerConfig{
		MaxFailures: maxAttempts,
		Timeout:     time.Second,
		Name:        "TestStorage",
	}, logger)
	tracker := health.NewTracker(health.Config{StalenessThreshold: time.Minute}, nil)

	ig := New(queue, store, retryer, breaker, tracker, logger, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ig.Start(ctx) }()

	t.Cleanup(cancel)
	return &fixture{queue: queue, store: store, tracker: tracker, done: done, cancel: cancel}
}

func (f *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("ingester did not stop in time")
		return nil
	}
}

func TestFlushOnBatchSize(t *testing.T) {
	store := newMockStorage()
	f := newFixture(t, store, Config{BatchSize: 3, BatchTimeout: time.Hour}, 3)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.queue.Push(context.Background(), candle("BTC/USD", models.TF15m, base.Add(time.Duration(i)*15*time.Minute))))
	}

	// The size threshold, not the (hour-long) timer, must trigger the write.
	require.Eventually(t, func() bool { return store.rowCount() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, store.callCount(), "expected a single batched write")

	f.queue.Close()
	require.NoError(t, f.wait(t))
}

func TestFlushOnTimer(t *testing.T) {
	store := newMockStorage()
	f := newFixture(t, store, Config{BatchSize: 1000, BatchTimeout: 50 * time.Millisecond}, 3)

	require.NoError(t, f.queue.Push(context.Background(), candle("ETH/USD", models.TF1h, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))))

	// A lone record well under the size threshold still lands on the timer.
	require.Eventually(t, func() bool { return store.rowCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.queue.Close()
	require.NoError(t, f.wait(t))
}

func TestRetryRecoversWithoutLoss(t *testing.T) {
	store := newMockStorage()
	store.failNext = 3
	store.failErr = errors.New("connection refused")

	f := newFixture(t, store, Config{BatchSize: 2, BatchTimeout: time.Hour}, 5)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.queue.Push(context.Background(), candle("BTC/USD", models.TF15m, base)))
	require.NoError(t, f.queue.Push(context.Background(), candle("BTC/USD", models.TF15m, base.Add(15*time.Minute))))

	f.queue.Close()
	require.NoError(t, f.wait(t))

	assert.Equal(t, 2, store.rowCount(), "records must survive transient storage failures")
	assert.Equal(t, 4, store.callCount(), "three failures plus the successful attempt")

	// Transient failures must be visible on the health surface even though
	// the flush eventually succeeded.
	snap := f.tracker.Snapshot()
	assert.GreaterOrEqual(t, snap.ErrorRate, 3.0, "each failed attempt counts toward error_rate")
}

func TestExhaustedRetriesIsFatal(t *testing.T) {
	store := newMockStorage()
	store.failNext = 100
	store.failErr = errors.New("database is shutting down")

	f := newFixture(t, store, Config{BatchSize: 1, BatchTimeout: time.Hour}, 3)

	require.NoError(t, f.queue.Push(context.Background(), candle("BTC/USD", models.TF15m, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))))

	err := f.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed after retries")

	snap := f.tracker.Snapshot()
	assert.Equal(t, health.StatusUnhealthy, snap.Status, "exhausted retries must surface as unhealthy")
}

func TestReplayAfterReconnectUpsertsOnce(t *testing.T) {
	store := newMockStorage()
	f := newFixture(t, store, Config{BatchSize: 1000, BatchTimeout: 30 * time.Millisecond}, 3)

	tenFifteen := time.Date(2024, 5, 1, 10, 15, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, f.queue.Push(ctx, candle("BTC/USD", models.TF15m, tenFifteen)))
	require.Eventually(t, func() bool { return store.rowCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Snapshot replay after a reconnect delivers 10:15 again, then 10:30.
	require.NoError(t, f.queue.Push(ctx, candle("BTC/USD", models.TF15m, tenFifteen)))
	require.NoError(t, f.queue.Push(ctx, candle("BTC/USD", models.TF15m, tenFifteen.Add(15*time.Minute))))

	f.queue.Close()
	require.NoError(t, f.wait(t))

	assert.Equal(t, 2, store.rowCount(), "replayed candle must not create a second row")
}

func TestShutdownFlushesPendingBatch(t *testing.T) {
	store := newMockStorage()
	f := newFixture(t, store, Config{BatchSize: 1000, BatchTimeout: time.Hour}, 3)

	require.NoError(t, f.queue.Push(context.Background(), candle("BTC/USD", models.TF15m, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))))

	// Give the loop a moment to pop the record into the pending batch.
	require.Eventually(t, func() bool { return f.queue.Depth() == 0 }, 2*time.Second, 5*time.Millisecond)

	f.cancel()
	err := f.wait(t)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, store.rowCount(), "hard shutdown must still flush the pending batch")
}

func TestEmptyTimerTickWritesNothing(t *testing.T) {
	store := newMockStorage()
	f := newFixture(t, store, Config{BatchSize: 10, BatchTimeout: 20 * time.Millisecond}, 3)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, store.callCount(), "empty batches must not reach storage")

	f.queue.Close()
	require.NoError(t, f.wait(t))
}
