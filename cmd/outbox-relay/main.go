// Package main provides the outbox relay service entry point.
// Moves adherence events committed to the outbox table onto Redpanda.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/medalert/adherence-engine/internal/config"
	"github.com/medalert/adherence-engine/internal/infrastructure/postgres"
	"github.com/medalert/adherence-engine/internal/infrastructure/redpanda"
	"github.com/medalert/adherence-engine/internal/observability/logging"
	"github.com/medalert/adherence-engine/internal/observability/metrics"
	"github.com/medalert/adherence-engine/internal/observability/tracing"
)

const (
	serviceName = "outbox-relay"
	// processed entries are kept this long for replay and auditing
	retention = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load(os.Getenv("MEDALERT_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.Must(cfg.Log, serviceName)
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.FromConfig(cfg.Tracing, serviceName))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers

	producer, err := redpanda.NewProducer(producerCfg, m.KafkaMessagesProduced, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	if err := redpanda.HealthCheck(ctx, cfg.Kafka.Brokers); err != nil {
		logger.Warn("redpanda not reachable yet", zap.Error(err))
	}
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, producer, relayCfg, m.OutboxPending, logger)
	relay.Start()

	cleanup := cron.New()
	cleanup.AddFunc("@every 1h", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := relay.CleanupProcessed(ctx, retention)
		if err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("outbox cleanup", zap.Int64("deleted", n))
		}
	})
	cleanup.Start()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Server.MetricsPort,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	<-cleanup.Stop().Done()
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
}
