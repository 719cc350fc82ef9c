// Command outbox-relay publishes prescription events written to the outbox
// table to Redpanda.
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

	"github.com/drfirst/go-rxrequest/internal/config"
	"github.com/drfirst/go-rxrequest/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxrequest/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxrequest/internal/observability/logging"
	"github.com/drfirst/go-rxrequest/internal/observability/metrics"
	"github.com/drfirst/go-rxrequest/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 4, 1)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return err
	}
	topicCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = admin.EnsureTopics(topicCtx, redpanda.DefaultTopicConfigs(cfg.KafkaPartitions, cfg.KafkaReplication))
	cancel()
	admin.Close()
	if err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.KafkaBrokers), logger)
	if err != nil {
		return err
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New(prometheus.DefaultRegisterer)

	outboxCfg := postgres.DefaultOutboxConfig()
	if cfg.OutboxBatchSize > 0 {
		outboxCfg.BatchSize = cfg.OutboxBatchSize
	}
	if cfg.OutboxPollInterval > 0 {
		outboxCfg.PollInterval = cfg.OutboxPollInterval
	}
	outbox := postgres.NewOutbox(pool, producer, m, outboxCfg, logger)
	outbox.Start()
	logger.Info("outbox relay started",
		zap.Int("batch_size", outboxCfg.BatchSize),
		zap.Duration("poll_interval", outboxCfg.PollInterval))

	// Metrics and liveness only; the relay has no API.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = server.Shutdown(shutdownCtx)
	outbox.Stop()

	stats := producer.Stats()
	logger.Info("outbox relay stopped", zap.Any("producer_stats", stats))
	return nil
}
