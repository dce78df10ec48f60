package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/depthbook/internal/book"
	"github.com/Aidin1998/depthbook/internal/config"
	"github.com/Aidin1998/depthbook/internal/marketdata"
	"github.com/Aidin1998/depthbook/internal/source/binance"
	"github.com/Aidin1998/depthbook/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter := binance.New(cfg.Exchange.WSURL, cfg.Exchange.RESTURL, zapLogger)
	adapter.SetBufferEnabled(cfg.Buffer.Enabled)
	adapter.SetBufferInterval(cfg.Buffer.Interval)

	if err := adapter.Connect(ctx, book.NormalizePair(cfg.Pair)); err != nil {
		zapLogger.Fatal("Failed to connect to exchange", zap.Error(err))
	}
	defer adapter.Close()

	b, err := book.New(cfg.Pair, adapter, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create order book", zap.Error(err))
	}
	defer b.Close()

	b.SetSnapshotReloadTimeout(cfg.SnapshotReload.Timeout)
	b.SetSnapshotReloadEnabled(cfg.SnapshotReload.Enabled)
	b.SetValidityCheckTimeout(cfg.ValidityCheck.Timeout)
	b.SetValidityCheckLimit(cfg.ValidityCheck.Limit)
	b.SetValidityCheckEnabled(cfg.ValidityCheck.Enabled)
	b.SetDebugEnabled(cfg.Notify.Debug)
	b.SetIndexComputationEnabled(cfg.Notify.ComputeIndex)
	b.SetNotifyLevelAndAbove(cfg.Notify.LevelAndAbove)

	var publisher *marketdata.Publisher
	if cfg.Kafka.Enabled {
		publisher = marketdata.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		publisher.Attach(b)
		defer publisher.Close()
	}

	unsub := b.BidAskChangedStream().Subscribe(func(ch *book.Change) {
		zapLogger.Info("top of book moved",
			zap.String("pair", ch.Pair),
			zap.Float64("bid", ch.Quotes.BidPrice),
			zap.Float64("ask", ch.Quotes.AskPrice),
			zap.Bool("from_snapshot", ch.FromSnapshot))
	})
	defer unsub()

	// Prime the book; diffs buffered meanwhile are applied on top.
	b.ReloadSnapshot()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		zapLogger.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer metricsServer.Close()

	<-ctx.Done()
	zapLogger.Info("shutting down")
}
