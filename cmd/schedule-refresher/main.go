// Package main provides the schedule refresher entry point.
// Recomputes every patient's schedules on a timer and whenever an adherence
// event arrives, and publishes per-patient snapshots.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medalert/adherence-engine/internal/config"
	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/infrastructure/postgres"
	"github.com/medalert/adherence-engine/internal/infrastructure/redpanda"
	"github.com/medalert/adherence-engine/internal/observability/logging"
	"github.com/medalert/adherence-engine/internal/observability/metrics"
	"github.com/medalert/adherence-engine/internal/observability/tracing"
	"github.com/medalert/adherence-engine/internal/refresh"
	"github.com/medalert/adherence-engine/internal/schedule"
	"github.com/medalert/adherence-engine/pkg/circuitbreaker"
)

const serviceName = "schedule-refresher"

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

	m := metrics.New(prometheus.DefaultRegisterer)

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Warn("ensure topics failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, m.KafkaMessagesProduced, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	// A missing patient is an answer from the store, not a store failure.
	breakerCfg := circuitbreaker.DefaultConfig("patient-store")
	breakerCfg.StateGauge = m.CircuitBreakerState.WithLabelValues("patient-store")
	breakerCfg.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, patient.ErrNotFound)
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	engine := schedule.New(cfg.Schedule.Options(), logger.Named("engine"))
	repo := patient.NewRepository(pool, redpanda.TopicAdherenceEvents, logger)

	refreshCfg := refresh.DefaultConfig()
	refreshCfg.Spec = cfg.Refresh.Spec
	refreshCfg.Workers = cfg.Refresh.Workers

	refresher := refresh.New(engine, repo, refreshCfg, logger,
		refresh.WithMetrics(m),
		refresh.WithBreaker(breaker),
		refresh.WithSink(refresh.ProducerSink(producer, redpanda.TopicScheduleSnapshots)),
	)
	// Initial snapshot before the timer and the event consumer start.
	if _, err := refresher.Trigger(ctx); err != nil {
		logger.Warn("initial refresh failed", zap.Error(err))
	}
	if err := refresher.Start(); err != nil {
		logger.Fatal("refresher start failed", zap.Error(err))
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.ConsumerGroup

	consumer, err := redpanda.NewConsumer(consumerCfg, refresher.HandleEvent, m.KafkaMessagesConsumed, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

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

	logger.Info("schedule refresher started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("spec", refreshCfg.Spec))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	refresher.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	metricsServer.Shutdown(shutdownCtx)

	cs, ps := consumer.Stats(), producer.Stats()
	logger.Info("schedule refresher stopped",
		zap.Int64("events_read", cs.MessagesRead),
		zap.Int64("event_errors", cs.ErrorCount),
		zap.Int64("events_skipped", cs.Skipped),
		zap.Int64("snapshots_sent", ps.MessagesSent),
		zap.Int64("snapshot_errors", ps.ErrorCount))
}
