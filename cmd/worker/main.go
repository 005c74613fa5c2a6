package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"geopresence/internal/config"
	"geopresence/internal/connectivity"
	"geopresence/internal/ledger"
	"geopresence/internal/logging"
	"geopresence/internal/metrics"
	"geopresence/internal/offline"
	"geopresence/internal/store"
)

// Worker drains the offline queue into the ledger. It flushes once at
// startup and again on every offline-to-online transition of the ledger
// store. A failed flush leaves the queue intact; the next transition (or
// restart) retries.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	led := ledger.NewPostgres(db.Client)
	queue := offline.NewQueue(offline.NewRedisStorage(redisClient.Client, cfg.OfflineQueueKey), logger)

	monitor := connectivity.NewMonitor(true)
	online := monitor.Subscribe()
	go monitor.Watch(ctx, func(ctx context.Context) bool {
		return db.Client.PingContext(ctx) == nil
	}, cfg.ProbeInterval)

	flush := func() {
		metrics.FlushTotal.Inc()
		n, err := queue.Flush(ctx, led)
		if err != nil {
			if errors.Is(err, offline.ErrFlushInProgress) {
				return
			}
			metrics.FlushFailures.Inc()
			logger.Warn("flush failed, queue retained", zap.Error(err))
			return
		}
		metrics.FlushedRecords.Add(float64(n))
		if n > 0 {
			logger.Info("flushed queued attendance", zap.Int("records", n))
		}
	}

	logger.Info("worker started")
	flush()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		case <-online:
			logger.Info("connectivity restored, flushing")
			flush()
		}
	}
}
