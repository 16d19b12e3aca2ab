// Package main provides the adherence API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medalert/adherence-engine/internal/api/handlers"
	"github.com/medalert/adherence-engine/internal/api/middleware"
	"github.com/medalert/adherence-engine/internal/config"
	"github.com/medalert/adherence-engine/internal/domain/patient"
	"github.com/medalert/adherence-engine/internal/infrastructure/postgres"
	"github.com/medalert/adherence-engine/internal/infrastructure/redpanda"
	"github.com/medalert/adherence-engine/internal/observability/logging"
	"github.com/medalert/adherence-engine/internal/observability/metrics"
	"github.com/medalert/adherence-engine/internal/observability/tracing"
	"github.com/medalert/adherence-engine/internal/schedule"
	"github.com/medalert/adherence-engine/pkg/idempotency"
)

const serviceName = "adherence-api"

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

	// Connect to database
	pool, err := postgres.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New(prometheus.DefaultRegisterer)
	engine := schedule.New(cfg.Schedule.Options(), logger.Named("engine"))

	repo := patient.NewRepository(pool, redpanda.TopicAdherenceEvents, logger)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	adherenceHandler := handlers.NewAdherenceHandler(repo, engine, inbox, m, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Auth.APIKeys))
		r.Mount("/patients", adherenceHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting adherence API", zap.String("port", cfg.Server.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s","version":"1.0.0"}`, serviceName)
}
