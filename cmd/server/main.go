// Package main is the entry point for the fleet OTA control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fleetota/control-plane/internal/api"
	"github.com/fleetota/control-plane/internal/audit"
	"github.com/fleetota/control-plane/internal/commands"
	"github.com/fleetota/control-plane/internal/config"
	dbpostgres "github.com/fleetota/control-plane/internal/database/postgres"
	"github.com/fleetota/control-plane/internal/firmware"
	"github.com/fleetota/control-plane/internal/lock"
	"github.com/fleetota/control-plane/internal/ota"
	"github.com/fleetota/control-plane/internal/queue"
	"github.com/fleetota/control-plane/internal/realtime"
	"github.com/fleetota/control-plane/internal/rollout"
	"github.com/fleetota/control-plane/internal/storage"
	"github.com/fleetota/control-plane/internal/watchdog"
	"github.com/fleetota/control-plane/internal/webhook"
	"github.com/fleetota/control-plane/pkg/logger"
	pkgmetrics "github.com/fleetota/control-plane/pkg/metrics"
)

const (
	serviceName    = "fleetota-control-plane"
	serviceVersion = "1.0.0"
)

func main() {
	var configPath = flag.String("config", "", "path to config file")
	var showVersion = flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	log := logger.NewLogger(logger.Config{Level: "info", Format: "json"})
	slog.SetDefault(log)

	log.Info("starting control plane", "service", serviceName, "version", serviceVersion)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pgPool *dbpostgres.PostgresPool
	if cfg.RequiresPostgres() {
		pgPool = dbpostgres.NewPostgresPool(&dbpostgres.PostgresConfig{
			Host:              cfg.Database.Host,
			Port:              cfg.Database.Port,
			Database:          cfg.Database.Database,
			User:              cfg.Database.Username,
			Password:          cfg.Database.Password,
			SSLMode:           cfg.Database.SSLMode,
			MaxConns:          int32(cfg.Database.MaxConnections),
			MinConns:          int32(cfg.Database.MinConnections),
			MaxConnLifetime:   cfg.Database.MaxConnLifetime,
			MaxConnIdleTime:   cfg.Database.MaxConnIdleTime,
			ConnectTimeout:    cfg.Database.ConnectTimeout,
			HealthCheckPeriod: 30 * time.Second,
		}, log)
		if err := pgPool.Connect(ctx); err != nil {
			log.Error("failed to create postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		exporter := dbpostgres.NewPrometheusExporter(pgPool, pkgmetrics.DefaultRegistry().Infra().DB)
		exporter.Start(ctx, 15*time.Second)
		defer exporter.Stop()
	}

	var rawPool *pgxpool.Pool
	if pgPool != nil {
		rawPool = pgPool.Pool()
	}
	repo, err := storage.NewStorage(ctx, cfg, rawPool, log)
	if err != nil {
		log.Error("failed to initialize storage backend", "error", err)
		os.Exit(1)
	}

	locker, redisClient := newLocker(cfg, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	firmwareStore, err := firmware.NewStore(firmware.Config{
		StoragePath:       cfg.Firmware.StoragePath,
		MaxSizeBytes:      cfg.Firmware.MaxSizeBytes,
		AllowedExtensions: cfg.Firmware.AllowedExtensions,
		MaxDiffRegions:    cfg.Firmware.MaxDiffRegions,
	}, repo, log)
	if err != nil {
		log.Error("failed to initialize firmware store", "error", err)
		os.Exit(1)
	}

	updateQueue := queue.NewQueue(queue.Config{MaxWorkers: cfg.App.MaxWorkers}, repo, locker, log)
	updateQueue.Start(ctx, cfg.App.MaxWorkers)
	defer updateQueue.Stop()

	commandService := commands.NewService(repo, nil, log)

	metrics := realtime.NewRealtimeMetrics("fleetota")
	hub := realtime.NewHub(log, metrics, commandService)
	commandService.SetHub(hub)
	if err := hub.Start(ctx); err != nil {
		log.Error("failed to start realtime hub", "error", err)
		os.Exit(1)
	}
	defer hub.Stop(context.Background())

	webhookDispatcher := webhook.NewDispatcher(webhook.Config{
		RequestTimeout: cfg.Webhook.RequestTimeout,
		HeaderName:     cfg.Webhook.Signature.HeaderName,
	}, repo, log)

	rolloutController := rollout.NewController(rollout.Config{
		AutoExpandEnabled:  cfg.Rollout.AutoExpandEnabled,
		AutoExpandInterval: cfg.Rollout.AutoExpandInterval,
	}, repo, updateQueue, hub, log)
	rolloutController.Start(ctx)
	defer rolloutController.Stop()

	deviceWatchdog := watchdog.NewWatchdog(watchdog.Config{
		TickInterval:     cfg.Watchdog.TickInterval,
		CheckinGraceMult: cfg.Watchdog.CheckinGraceMult,
	}, repo, hub, webhookDispatcher, log)
	deviceWatchdog.Start(ctx)
	defer deviceWatchdog.Stop()

	auditRecorder := audit.NewRecorder(repo, log)

	otaHandler := ota.NewHandler(ota.Config{
		ChecksPerMinutePerMAC:    cfg.RateLimit.ChecksPerMinutePerMAC,
		DownloadsPerMinuteGlobal: cfg.RateLimit.DownloadsPerMinuteGlobal,
	}, repo, firmwareStore, hub, webhookDispatcher, log)

	routerConfig := api.DefaultRouterConfig(log)
	routerConfig.Repository = repo
	routerConfig.Hub = hub
	routerConfig.Firmware = firmwareStore
	routerConfig.Queue = updateQueue
	routerConfig.Rollout = rolloutController
	routerConfig.Watchdog = deviceWatchdog
	routerConfig.Commands = commandService
	routerConfig.Webhooks = webhookDispatcher
	routerConfig.Audit = auditRecorder
	routerConfig.OTA = otaHandler
	router := api.NewRouter(routerConfig)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("http server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownTimeout := cfg.Server.GracefulShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}

// newLocker builds the update queue's admission lock: Redis-backed when
// configured (shared single-flight-per-MAC across replicas), in-process
// otherwise. The returned *goredis.Client is non-nil only in the Redis case,
// so the caller knows whether there's a connection to close.
func newLocker(cfg *config.Config, log *slog.Logger) (lock.Locker, *goredis.Client) {
	if !cfg.UsesRedisLock() {
		return lock.NewInProcessLocker(), nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	return lock.NewRedisLocker(client, cfg.Lock.TTL, cfg.Lock.ValuePrefix, log), client
}
