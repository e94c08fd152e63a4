package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AxonStream/core/internal/audit"
	"github.com/AxonStream/core/internal/delivery"
	"github.com/AxonStream/core/internal/store"
	"github.com/AxonStream/core/internal/stream"
	"github.com/AxonStream/core/pkg/config"
	"github.com/AxonStream/core/pkg/database"
	"github.com/AxonStream/core/pkg/kafka"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/monitoring"
	pkgredis "github.com/AxonStream/core/pkg/redis"
	"github.com/AxonStream/core/pkg/server"
)

const version = "1.0.0"

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("courier")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting AxonStream courier (delivery engine)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared substrate
	redisClient, err := pkgredis.NewUniversalClient(ctx, pkgredis.Config{
		Mode:     pkgredis.Mode(config.GetEnv("REDIS_MODE", "single")),
		Addrs:    config.GetEnvSlice("REDIS_ADDRS", []string{"localhost:6379"}),
		Password: config.GetEnv("REDIS_PASSWORD", ""),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()
	keys := pkgredis.NewKeyspace(config.GetEnv("REDIS_KEY_PREFIX", "axon"))

	// Persistent store
	db, err := database.Connect(database.DefaultConfig(config.RequireEnv("DATABASE_URL")), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer db.Close()
	st := store.New(db)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("courier", version)
	metricsCollector := monitoring.NewMetricsCollector("courier", version, "")
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("postgres", monitoring.DatabaseHealthCheck(db))

	// Audit pipeline, with optional Kafka mirror
	auditDropped := metricsCollector.NewCounter("audit_dropped_total", "Audit records dropped on full buffer", []string{"sink"})
	var firehose audit.Firehose
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","), "courier", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka producer")
		}
		defer producer.Close()
		healthChecker.AddCheck("kafka", monitoring.BrokerHealthCheck(producer))
		firehose = producer
	}
	emitter := audit.NewEmitter(st, firehose, config.GetEnv("KAFKA_AUDIT_TOPIC", "audit_events"),
		auditDropped.WithLabelValues("buffer"), logger)

	// Fan-in stream consumer
	eventStream := stream.New(redisClient, keys, stream.Config{
		MaxLen: config.GetEnvInt64("STREAM_MAX_LEN", stream.DefaultMaxLen),
		Block:  config.GetEnvDuration("STREAM_BLOCK_MS", stream.DefaultBlock),
	}, nil, logger)

	hostname, _ := os.Hostname()
	consumer := config.GetEnv("SERVER_ID", "courier-"+hostname)

	ledger := delivery.NewLedger(redisClient, keys, config.GetEnvDuration("DELIVERY_RETENTION", 24*time.Hour))
	engineMetrics := delivery.Metrics{
		Delivered:  metricsCollector.NewCounter("deliveries_total", "Webhook delivery outcomes", []string{"status"}),
		Shed:       metricsCollector.NewCounter("deliveries_shed_total", "Deliveries shed on queue overflow", []string{"reason"}).WithLabelValues("backpressure"),
		QueueDepth: metricsCollector.NewGauge("delivery_queue_depth", "Per-endpoint delivery queue depth", []string{"endpoint_id"}),
	}
	engine := delivery.New(eventStream, st, st, ledger, emitter, engineMetrics, delivery.Config{
		Group:    config.GetEnv("STREAM_GROUP", delivery.DefaultGroup),
		Consumer: consumer,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return emitter.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })

	// Retention on the fan-in stream; per-channel streams trim on append.
	g.Go(func() error {
		ticker := time.NewTicker(config.GetEnvDuration("STREAM_TRIM_INTERVAL", time.Minute))
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := eventStream.Trim(gctx, 0); err != nil {
					logger.WithError(err).Warn("Stream trim failed")
				}
			}
		}
	})

	// Health and metrics surface
	ginRouter := server.SetupServiceRouter(logger, "courier", healthChecker, metricsCollector, config.GetEnv("CORS_ORIGIN", "*"))
	g.Go(func() error {
		cfg := server.DefaultConfig("courier", "18001")
		return server.Run(gctx, cfg, ginRouter, logger)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Fatal("Courier terminated")
	}
	logger.Info("Courier stopped")
}
