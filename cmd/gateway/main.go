package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AxonStream/core/internal/audit"
	"github.com/AxonStream/core/internal/connections"
	"github.com/AxonStream/core/internal/enforce"
	"github.com/AxonStream/core/internal/gateway"
	"github.com/AxonStream/core/internal/registry"
	"github.com/AxonStream/core/internal/router"
	"github.com/AxonStream/core/internal/store"
	"github.com/AxonStream/core/internal/stream"
	"github.com/AxonStream/core/internal/webhooks"
	"github.com/AxonStream/core/pkg/auth"
	"github.com/AxonStream/core/pkg/config"
	"github.com/AxonStream/core/pkg/database"
	"github.com/AxonStream/core/pkg/kafka"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
	"github.com/AxonStream/core/pkg/monitoring"
	pkgredis "github.com/AxonStream/core/pkg/redis"
	"github.com/AxonStream/core/pkg/server"
)

const version = "1.0.0"

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("gateway")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting AxonStream gateway")

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Lifecycle cancellation is deferred until the drain step has run.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	healthChecker := monitoring.NewHealthChecker("gateway", version)
	metricsCollector := monitoring.NewMetricsCollector("gateway", version, "")
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("postgres", monitoring.DatabaseHealthCheck(db))

	// Audit pipeline, with optional Kafka mirror
	auditDropped := metricsCollector.NewCounter("audit_dropped_total", "Audit records dropped on full buffer", []string{"sink"})
	var firehose audit.Firehose
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		producer, err := kafka.NewProducer(strings.Split(brokers, ","), "gateway", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize Kafka producer")
		}
		defer producer.Close()
		healthChecker.AddCheck("kafka", monitoring.BrokerHealthCheck(producer))
		firehose = producer
	}
	emitter := audit.NewEmitter(st, firehose, config.GetEnv("KAFKA_AUDIT_TOPIC", "audit_events"),
		auditDropped.WithLabelValues("buffer"), logger)

	// Tenant enforcement
	guard := enforce.NewSubstrateGuard(enforce.GuardConfig{}, logger)
	tenantLimiter := enforce.NewTenantLimiter(redisClient, keys, guard, enforce.TenantLimitConfig{
		Window:      config.GetEnvDuration("RATE_TENANT_WINDOW", enforce.DefaultTenantWindow),
		Max:         config.GetEnvInt("RATE_TENANT_MAX", enforce.DefaultTenantMax),
		BurstWindow: config.GetEnvDuration("RATE_BURST_WINDOW", enforce.DefaultBurstWindow),
	}, logger)
	defaults := models.OrgLimits{
		MaxConnections:   config.GetEnvInt("ORG_MAX_CONNECTIONS", 1000),
		MaxEventsPerHour: config.GetEnvInt("ORG_MAX_EVENTS_PER_HOUR", 100000),
		MaxChannels:      config.GetEnvInt("ORG_MAX_CHANNELS", 100),
		MaxAPICallsHour:  config.GetEnvInt("ORG_MAX_API_CALLS", 10000),
	}
	enforcer := enforce.New(redisClient, keys, tenantLimiter, emitter, defaults, st.GetOrgLimits, logger)

	// Event stream
	eventStream := stream.New(redisClient, keys, stream.Config{
		MaxLen:          config.GetEnvInt64("STREAM_MAX_LEN", stream.DefaultMaxLen),
		MaxPayloadBytes: config.GetEnvInt("MAX_PAYLOAD_BYTES", stream.DefaultMaxPayloadBytes),
		Block:           config.GetEnvDuration("STREAM_BLOCK_MS", stream.DefaultBlock),
	}, enforcer.EventQuota(), logger)

	// Node identity and registry
	serverID := config.GetEnv("SERVER_ID", "gateway-"+uuid.New().String()[:8])
	hostname, _ := os.Hostname()
	sessions := connections.NewManager(redisClient, keys, connections.DefaultSessionTTL, logger)

	// Cluster router and hub
	routerDropped := metricsCollector.NewCounter("router_dropped_total", "Cluster envelopes dropped", []string{"reason"})
	clusterRouter := router.New(redisClient, keys, serverID, router.DefaultMaxSkew, routerDropped, logger)

	verifier := &auth.Verifier{
		Secret:    []byte(config.RequireEnv("JWT_SECRET")),
		Issuer:    config.GetEnv("JWT_ISSUER", ""),
		Audience:  config.GetEnv("JWT_AUDIENCE", ""),
		ClockSkew: config.GetEnvDuration("JWT_CLOCK_SKEW", 30*time.Second),
	}

	hubMetrics := gateway.Metrics{
		Connections: metricsCollector.NewGauge("websocket_connections_active", "Active WebSocket connections", []string{"org_id"}),
		Frames:      metricsCollector.NewCounter("websocket_frames_total", "Processed WebSocket frames", []string{"action", "outcome"}),
	}
	hub := gateway.NewHub(gateway.Config{
		ServerID:        serverID,
		MaxPayloadBytes: int64(config.GetEnvInt("MAX_PAYLOAD_BYTES", 1<<20)),
		MaxConnections:  config.GetEnvInt("GATEWAY_MAX_CONNECTIONS", 10000),
		IdleTimeout:     config.GetEnvDuration("IDLE_TIMEOUT", 120*time.Second),
		ConnWindow:      config.GetEnvDuration("RATE_CONN_WINDOW", enforce.DefaultConnWindow),
		ConnMax:         config.GetEnvInt("RATE_CONN_MAX", enforce.DefaultConnMax),
	}, verifier, enforcer, eventStream, clusterRouter, sessions, hubMetrics, logger)

	// Placement scoring needs real utilization, not just connection counts; the
	// sampler layers CPU and memory onto the hub's snapshot for each heartbeat.
	sysLoad := monitoring.NewSysLoad(config.GetEnvDuration("SYSLOAD_INTERVAL", monitoring.DefaultSysLoadInterval), logger)
	nodeLoad := func() models.ServerLoad {
		load := hub.Stats()
		load.CPUPercent, load.MemPercent = sysLoad.Snapshot()
		return load
	}

	port := config.GetEnv("PORT", "18000")
	reg := registry.New(redisClient, keys, models.Server{
		ID:       serverID,
		Host:     hostname,
		Port:     config.GetEnvInt("PORT", 18000),
		Protocol: "ws",
		Version:  version,
	}, nodeLoad, config.GetEnvDuration("HEARTBEAT_INTERVAL", registry.DefaultHeartbeatInterval), logger)

	// Dead-node sweep: drop the node's session records and tell subscribers
	// their peers are gone.
	sweep := func(ctx context.Context, deadServerID string) {
		lost, err := sessions.CleanupServer(ctx, deadServerID)
		if err != nil {
			logger.WithError(err).WithField("server_id", deadServerID).Warn("Stale session cleanup failed")
			return
		}
		for _, sess := range lost {
			payload, err := json.Marshal(map[string]string{
				"session_id": sess.ID,
				"user_id":    sess.UserID,
				"server_id":  deadServerID,
			})
			if err != nil {
				continue
			}
			for _, channel := range sess.Channels {
				hub.Announce(ctx, models.Event{
					ID:        uuid.New().String(),
					OrgID:     sess.OrgID,
					Channel:   channel,
					Type:      "session.lost",
					Payload:   payload,
					CreatedAt: time.Now().UTC(),
				})
			}
		}
		if len(lost) > 0 {
			logger.WithFields(logging.Fields{
				"server_id": deadServerID,
				"sessions":  len(lost),
			}).Info("Reclaimed sessions from dead node")
		}
	}

	// Background lifecycles
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sysLoad.Run(gctx) })
	g.Go(func() error { return emitter.Run(gctx) })
	g.Go(func() error { return reg.Run(gctx) })
	g.Go(func() error { return reg.RunScan(gctx, sweep) })
	g.Go(func() error { return clusterRouter.Run(gctx, hub) })

	// Shutdown sequencing: leave the registry so the placer skips this node,
	// migrate local sessions to live peers, then cancel the group.
	g.Go(func() error {
		select {
		case <-sigCtx.Done():
		case <-gctx.Done():
			return gctx.Err()
		}
		drainCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := reg.Deregister(drainCtx); err != nil {
			logger.WithError(err).Warn("Deregister before drain failed")
		}
		if n := hub.Drain(drainCtx, reg); n > 0 {
			logger.WithField("sessions", n).Info("Drained sessions to peer nodes")
		}
		cancel()
		return nil
	})

	// Sweep our own id on startup: sessions left behind by an unclean restart
	// under the same identity are gone for good.
	go sweep(ctx, serverID)

	// HTTP surface
	ginRouter := server.SetupServiceRouter(logger, "gateway", healthChecker, metricsCollector, config.GetEnv("CORS_ORIGIN", "*"))
	ginRouter.GET(config.GetEnv("WS_PATH", "/ws"), hub.ServeWS)

	api := ginRouter.Group("/api/v1")
	api.Use(auth.Middleware(verifier))
	webhooks.NewHandlers(st, emitter, logger).RegisterRoutes(api)

	g.Go(func() error {
		cfg := server.DefaultConfig("gateway", port)
		return server.Run(gctx, cfg, ginRouter, logger)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Fatal("Gateway terminated")
	}
	logger.Info("Gateway stopped")
}
