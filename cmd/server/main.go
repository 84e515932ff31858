package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/botfleet-go/internal/batch"
	"github.com/irfndi/botfleet-go/internal/cache"
	"github.com/irfndi/botfleet-go/internal/config"
	"github.com/irfndi/botfleet-go/internal/database"
	"github.com/irfndi/botfleet-go/internal/health"
	"github.com/irfndi/botfleet-go/internal/notify"
	"github.com/irfndi/botfleet-go/internal/scheduler"
	"github.com/irfndi/botfleet-go/internal/status"
	"github.com/irfndi/botfleet-go/internal/telemetry"
	"github.com/irfndi/botfleet-go/internal/udp"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redis, err := database.NewRedisConnection(cfg.Redis)
	if err != nil {
		logrus.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	ctx := context.Background()

	// Identity cache and notification fan-out.
	users := cache.NewUserCache(db.Pool, redis.Client)
	if err := users.Warm(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to warm user cache")
	}
	publisher := notify.NewRedisPublisher(redis.Client)

	// Batch writer between the ingest path and postgres.
	writer := batch.NewWriter(db.Pool,
		cfg.HighLoad.AsyncProcessing.Bulk.InsertBatchSize,
		time.Duration(cfg.HighLoad.AsyncProcessing.Bulk.FlushIntervalMs)*time.Millisecond)
	writer.Start()

	// Telemetry processors and the datagram dispatcher.
	orderStore := telemetry.NewPgxOrderStore(db.Pool)
	orders := telemetry.NewOrderProcessor(orderStore, writer, users, publisher, cfg.Ingest.TryUSDRate)
	balances := telemetry.NewBalanceProcessor(writer, users, publisher)
	strategies := telemetry.NewStrategyProcessor(writer)
	errs := telemetry.NewErrorProcessor(writer, users, publisher)
	charts := telemetry.NewChartProcessor(writer, users, publisher)
	dispatcher := telemetry.NewDispatcher(orders, balances, strategies, errs, writer)

	var pool *udp.WorkerPool
	if cfg.HighLoad.UDP.WorkerPool.Enabled {
		pool = udp.NewWorkerPool(cfg.HighLoad.UDP.WorkerPool.Workers, cfg.HighLoad.UDP.WorkerPool.QueueSize)
		pool.Start()
	}

	statusCache := status.NewCache(db.Pool, config.Seconds(cfg.Status.FlushInterval))
	statusCache.Start()

	manager := udp.NewManager(udp.ResolveMode(), cfg, pool, dispatcher, statusCache, charts)
	startListeners(ctx, db.Pool, manager)

	// Scheduled command executor.
	var pruner scheduler.LogPruner
	if cfg.Scheduler.LogDir != "" {
		pruner = &scheduler.FilePruner{
			Dir:    cfg.Scheduler.LogDir,
			MaxAge: config.Seconds(cfg.Scheduler.LogMaxAgeHours * 3600),
		}
	}
	sched := scheduler.New(scheduler.NewPgxRepository(db.Pool), manager, pruner, scheduler.Options{
		PollInterval:     config.Seconds(cfg.Scheduler.PollInterval),
		LogPruneInterval: config.Seconds(cfg.Scheduler.LogPruneInterval),
	})
	if cfg.Scheduler.Enabled {
		sched.Start()
	}

	// Ops endpoint.
	var poolStats health.PoolStats
	if pool != nil {
		poolStats = pool
	}
	healthHandler := health.NewHandler(db, redis, poolStats, manager)
	monitor := health.NewMonitor(healthHandler, config.Seconds(cfg.HighLoad.Monitoring.Health.CheckInterval))
	monitor.Start()

	router := gin.Default()
	healthHandler.SetupRoutes(router)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	go func() {
		logrus.WithField("port", cfg.Server.Port).Info("Ops endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start ops endpoint: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Ops endpoint shutdown failed")
	}
	monitor.Stop()

	// Stop ingest first, then drain what was already accepted.
	if cfg.Scheduler.Enabled {
		sched.Stop()
	}
	manager.StopAll()
	if pool != nil {
		pool.Stop()
	}
	writer.Close()
	statusCache.Close()

	logrus.Info("Shutdown complete")
}

// serverSource is the slice of pgxpool.Pool startListeners needs.
type serverSource interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// listenerStarter is satisfied by udp.Manager.
type listenerStarter interface {
	Start(serverID int64, host string, port int, password string, keepalive bool) error
}

// startListeners brings up a listener for every active endpoint.
func startListeners(ctx context.Context, db serverSource, manager listenerStarter) {
	rows, err := db.Query(ctx, `
		SELECT id, host, port, password, keepalive_enabled
		FROM servers WHERE is_active = true ORDER BY id`)
	if err != nil {
		logrus.WithError(err).Error("Failed to load active servers")
		return
	}
	defer rows.Close()

	started, failed := 0, 0
	for rows.Next() {
		var (
			id        int64
			host      string
			port      int
			password  *string
			keepalive bool
		)
		if err := rows.Scan(&id, &host, &port, &password, &keepalive); err != nil {
			logrus.WithError(err).Error("Failed to scan server row")
			continue
		}
		// password is nullable; a NULL means unsigned commands.
		pw := ""
		if password != nil {
			pw = *password
		}
		if err := manager.Start(id, host, port, pw, keepalive); err != nil {
			logrus.WithError(err).WithField("server_id", id).Error("Failed to start listener")
			failed++
			continue
		}
		started++
	}
	if err := rows.Err(); err != nil {
		logrus.WithError(err).Error("Failed to iterate server rows")
	}
	logrus.WithFields(logrus.Fields{"started": started, "failed": failed}).Info("Listeners initialized")
}
