// Package main provides the API server entry point for the lifecycle mailer.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lifecycle-mailer/internal/adapter"
	"github.com/lifecycle-mailer/internal/api"
	"github.com/lifecycle-mailer/internal/config"
	"github.com/lifecycle-mailer/internal/job"
	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/ratelimit"
	"github.com/lifecycle-mailer/internal/service"
	"github.com/lifecycle-mailer/internal/storage"
)

func main() {
	fmt.Println("Lifecycle Mailer API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx := context.Background()

	// Connect to Postgres
	logger.Info("Connecting to databases...")
	postgres, err := storage.ConnectPostgres(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	if err := storage.RunMigrations(cfg.Database.Postgres.URL()); err != nil {
		logger.WithError(err).Fatal("Failed to apply Postgres migrations")
	}

	// Redis backs the dashboard cache; without it every read goes to Postgres
	var cacheService *storage.CacheService
	var redisCache *storage.RedisCache
	if cfg.Database.Redis.Enabled {
		redis, err := storage.ConnectRedis(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, dashboard cache disabled")
		} else {
			defer redis.Close()
			redisCache = redis
			cacheService = storage.NewCacheService(redis, cfg.Cache.TTL)
			logger.WithField("ttl", cacheService.TTL().String()).Info("Dashboard cache enabled")
		}
	}

	// ClickHouse keeps the raw webhook archive
	var archive service.WebhookArchiver
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.ConnectClickHouse(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, webhook archive disabled")
		} else {
			defer clickhouse.Close()
			if err := storage.RunClickHouseMigrations(ctx, clickhouse); err != nil {
				logger.WithError(err).Fatal("Failed to apply ClickHouse migrations")
			}
			archive = storage.NewWebhookEventArchive(clickhouse)
		}
	}

	logger.Info("Database connections established")

	// Initialize repositories
	userRepo := storage.NewUserRepository(postgres)
	logRepo := storage.NewEmailLogRepository(postgres)
	statsRepo := storage.NewEmailStatsRepository(postgres)

	// Email provider
	loops := adapter.NewLoopsClient(&cfg.Loops)
	if !loops.Configured() {
		logger.Warn("LOOPS_API_KEY not set, every send will be recorded as failed")
	}
	// Triggered and transactional sends may use the reserved part of the provider budget
	if redisCache != nil && cfg.Loops.SharedBudget {
		pacer, err := ratelimit.NewLoopsPacer(redisCache.Client(), &cfg.Loops, ratelimit.PriorityInteractive)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create send pacer")
		}
		loops.SetGate(pacer)
	}

	// Initialize services
	dispatcher := service.NewDispatcher(loops, logRepo, statsRepo)

	queue := job.NewDispatchQueue(dispatcher, cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)
	if err := queue.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start dispatch queue")
	}

	userService := service.NewUserService(userRepo, queue)
	webhookService := service.NewWebhookService(storage.NewStatusRecorder(postgres), archive)
	dashboardService := service.NewDashboardService(statsRepo, userRepo, logRepo, cacheService)
	if cacheService != nil {
		dispatcher.SetDashboardCache(cacheService)
		userService.SetDashboardCache(cacheService)
		webhookService.SetDashboardCache(cacheService)
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimitRPS:    cfg.RateLimit.RequestsPerSec,
		RateLimitBurst:  cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, userService, dashboardService, webhookService, dispatcher)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// Requests are done; let scheduled sends finish
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancelDrain()
	if err := queue.Stop(drainCtx); err != nil {
		logger.WithError(err).WithField("pending", queue.Stats().Pending).Warn("Dispatch queue did not drain")
	}

	logger.Info("Server exited")
}
