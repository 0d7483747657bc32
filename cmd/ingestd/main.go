package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pbsg/kraken-ingest/configs"
	"github.com/pbsg/kraken-ingest/internal/backpressure"
	"github.com/pbsg/kraken-ingest/internal/crawler"
	"github.com/pbsg/kraken-ingest/internal/dedup"
	"github.com/pbsg/kraken-ingest/internal/drivers/kraken"
	"github.com/pbsg/kraken-ingest/internal/faulttolerance"
	"github.com/pbsg/kraken-ingest/internal/health"
	"github.com/pbsg/kraken-ingest/internal/ingester"
	"github.com/pbsg/kraken-ingest/internal/models"
	"github.com/pbsg/kraken-ingest/internal/storage"
)

// drainGrace bounds how long shutdown waits for the writer to flush.
const drainGrace = 30 * time.Second

func main() {
	logger := crawler.NewLogger()

	cfg, err := configs.AppLoad()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgresStorage(ctx, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	metrics := health.NewMetrics(reg)
	tracker := health.NewTracker(health.Config{
		StalenessThreshold: cfg.Health.StalenessTimeout,
		ErrorRateCeiling:   cfg.Health.ErrorRateCeiling,
	}, metrics)

	policy, err := backpressure.ParsePolicy(cfg.Pipeline.QueuePolicy)
	if err != nil {
		logger.Fatalf("Invalid queue policy: %v", err)
	}
	queue := backpressure.New(cfg.Pipeline.QueueCapacity, policy, logger)
	queue.OnDrop = func(*models.OHLC) {
		tracker.Record(health.Event{Type: health.EventRecordsDropped})
	}
	tracker.SetQueueDepthFunc(func() (int, int) {
		return queue.Depth(), queue.Capacity()
	})

	filter := dedup.New(cfg.Pipeline.DedupWindow)

	driver := kraken.New(kraken.Config{
		Symbols:    cfg.Kraken.Symbols,
		Timeframes: cfg.Kraken.Timeframes,
		Snapshot:   cfg.Kraken.Snapshot,
		Logger:     logger,
		Out: func(rec *models.OHLC) {
			if !filter.Admit(rec) {
				tracker.Record(health.Event{Type: health.EventDuplicateDropped})
				logger.Debugf("Dropping duplicate: %s %s @ %s", rec.Symbol, rec.Timeframe, rec.OpenTime)
				return
			}
			if err := queue.Push(ctx, rec); err != nil {
				logger.Warnf("Record not queued: %v", err)
			}
		},
		Notify: func(e crawler.Event) { tracker.Record(translateEvent(e)) },
	})

	wsCfg := crawler.DefaultWebSocketConfig(cfg.Kraken.WSURL)
	wsCfg.StalenessTimeout = cfg.Health.StalenessTimeout
	session := crawler.NewSession(wsCfg, logger)
	session.OnConnect = driver.SubscribeAll
	session.OnMessage = driver.HandleMessage
	session.OnEvent = func(e crawler.Event) { tracker.Record(translateEvent(e)) }

	health.Serve(ctx, cfg.Health.Port, health.NewRouter(tracker, reg), logger)

	retryer := faulttolerance.NewRetryer(faulttolerance.RetryConfig{
		MaxAttempts: cfg.Ingester.MaxFlushAttempts,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.1,
		Name:        "storage-flush",
	}, logger)
	breaker := faulttolerance.NewCircuitBreaker(faulttolerance.CircuitBreakerConfig{
		Name: "storage",
	}, logger)

	ing := ingester.New(queue, store, retryer, breaker, tracker, logger, ingester.Config{
		BatchSize:    cfg.Ingester.BatchSize,
		BatchTimeout: cfg.Ingester.BatchTimeout,
	})

	// The writer runs on its own context so it can drain the queue after
	// the feed context is cancelled.
	writerCtx, writerCancel := context.WithCancel(context.Background())
	defer writerCancel()

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- ing.Start(writerCtx)
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		if err := session.Run(ctx); err != nil {
			logger.Errorf("Session terminated: %v", err)
		}
		// Producer stopped; closing the queue lets the writer drain and exit.
		queue.Close()
	}()

	if code := awaitShutdown(readerDone, writerDone, writerCancel, stop, drainGrace, logger); code != 0 {
		os.Exit(code)
	}

	logger.Info("Shutdown complete")
}

// awaitShutdown waits for the reader and writer goroutines to finish and
// returns the process exit code. During a clean shutdown the writer can
// observe the closed queue and finish before the reader goroutine is seen
// exiting, so a nil writer result is never treated as a failure.
func awaitShutdown(
	readerDone <-chan struct{},
	writerDone <-chan error,
	writerCancel context.CancelFunc,
	stop context.CancelFunc,
	grace time.Duration,
	logger *logrus.Logger,
) int {
	select {
	case err := <-writerDone:
		if err != nil {
			// Storage became unrecoverable while the feed was still up.
			logger.Errorf("Ingester terminated: %v", err)
			stop()
			<-readerDone
			return 1
		}
		<-readerDone
		return 0

	case <-readerDone:
		select {
		case err := <-writerDone:
			if err != nil && err != context.Canceled {
				logger.Errorf("Final flush failed: %v", err)
				return 1
			}
		case <-time.After(grace):
			logger.Warn("Writer drain timed out, abandoning remaining records")
			writerCancel()
			<-writerDone
		}
		return 0
	}
}

// translateEvent maps connection lifecycle events onto health events.
func translateEvent(e crawler.Event) health.Event {
	var t health.EventType
	switch e.Type {
	case crawler.EventConnected:
		t = health.EventConnected
	case crawler.EventDisconnected:
		t = health.EventDisconnected
	case crawler.EventMessageReceived:
		t = health.EventMessageReceived
	case crawler.EventSubscribeFailed:
		t = health.EventSubscribeFailed
	}
	return health.Event{Type: t, Err: e.Err, At: e.At}
}
