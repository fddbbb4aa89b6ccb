// Package main provides the lifecycle worker entry point.
// It runs the inactive, trial-ending and onboarding scans on their cron schedules.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lifecycle-mailer/internal/adapter"
	"github.com/lifecycle-mailer/internal/config"
	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/ratelimit"
	"github.com/lifecycle-mailer/internal/service"
	"github.com/lifecycle-mailer/internal/storage"
	"github.com/lifecycle-mailer/internal/worker"
)

func main() {
	fmt.Println("Lifecycle Mailer Worker")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("worker")

	ctx := context.Background()

	postgres, err := storage.ConnectPostgres(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Without Redis every replica runs every job, so run a single worker
	var locker worker.Locker
	var redisCache *storage.RedisCache
	if cfg.Database.Redis.Enabled {
		redis, err := storage.ConnectRedis(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, running jobs without a lock")
		} else {
			defer redis.Close()
			locker = redis
			redisCache = redis
		}
	}

	userRepo := storage.NewUserRepository(postgres)
	logRepo := storage.NewEmailLogRepository(postgres)
	statsRepo := storage.NewEmailStatsRepository(postgres)

	loops := adapter.NewLoopsClient(&cfg.Loops)
	if !loops.Configured() {
		logger.Warn("LOOPS_API_KEY not set, every send will be recorded as failed")
	}
	// Scans only use the part of the provider budget the server does not reserve
	if redisCache != nil && cfg.Loops.SharedBudget {
		pacer, err := ratelimit.NewLoopsPacer(redisCache.Client(), &cfg.Loops, ratelimit.PriorityBatch)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create send pacer")
		}
		loops.SetGate(pacer)
	}

	dispatcher := service.NewDispatcher(loops, logRepo, statsRepo)
	if redisCache != nil {
		// scan sends change the counters the server's dashboard caches
		dispatcher.SetDashboardCache(storage.NewCacheService(redisCache, cfg.Cache.TTL))
	}
	lifecycleService := service.NewLifecycleService(userRepo, dispatcher)

	scheduler, err := worker.NewLifecycleScheduler(lifecycleService, locker, &cfg.Scheduler)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}
	scheduler.Start()
	logger.Info("Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	// A scan in progress gets a bounded window to finish its batch
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Scheduler stopped before running jobs finished")
	}

	logger.Info("Worker exited")
}
