// Package main runs one lifecycle scan immediately and prints its result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lifecycle-mailer/internal/adapter"
	"github.com/lifecycle-mailer/internal/config"
	"github.com/lifecycle-mailer/internal/logging"
	"github.com/lifecycle-mailer/internal/ratelimit"
	"github.com/lifecycle-mailer/internal/service"
	"github.com/lifecycle-mailer/internal/storage"
	"github.com/lifecycle-mailer/internal/worker"
)

func main() {
	jobName := flag.String("job", "all", "Job to run: inactive, trial, onboarding, all")
	flag.Parse()

	jobs := service.AllJobs
	if *jobName != "all" {
		job, err := service.ParseJob(*jobName)
		if err != nil {
			log.Fatalf("Invalid job: %v", err)
		}
		jobs = []service.Job{job}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithComponent("scan")

	// Ctrl-C stops the batch between users
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgres, err := storage.ConnectPostgres(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	// Take the same lock as the worker so a manual run never overlaps a scheduled one
	var locker worker.Locker
	var redisCache *storage.RedisCache
	if cfg.Database.Redis.Enabled {
		redis, err := storage.ConnectRedis(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, running without a lock")
		} else {
			defer redis.Close()
			locker = redis
			redisCache = redis
		}
	}

	loops := adapter.NewLoopsClient(&cfg.Loops)
	// Scans only use the part of the provider budget the server does not reserve
	if redisCache != nil && cfg.Loops.SharedBudget {
		pacer, err := ratelimit.NewLoopsPacer(redisCache.Client(), &cfg.Loops, ratelimit.PriorityBatch)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create send pacer")
		}
		loops.SetGate(pacer)
	}

	dispatcher := service.NewDispatcher(
		loops,
		storage.NewEmailLogRepository(postgres),
		storage.NewEmailStatsRepository(postgres),
	)
	if redisCache != nil {
		dispatcher.SetDashboardCache(storage.NewCacheService(redisCache, cfg.Cache.TTL))
	}
	lifecycleService := service.NewLifecycleService(storage.NewUserRepository(postgres), dispatcher)

	scheduler, err := worker.NewLifecycleScheduler(lifecycleService, locker, &cfg.Scheduler)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create scheduler")
	}

	if failed := runJobs(ctx, scheduler, jobs, logger); failed > 0 {
		stop()
		postgres.Close()
		os.Exit(1)
	}
}

// runJobs runs each job in order and prints its result. It returns the number of failed jobs.
func runJobs(ctx context.Context, scheduler *worker.LifecycleScheduler, jobs []service.Job, logger *logging.Logger) int {
	failed := 0
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	for _, job := range jobs {
		result, err := scheduler.RunNow(ctx, job)
		if err != nil {
			logger.WithError(err).WithField("job", string(job)).Error("Scan failed")
			failed++
			continue
		}
		if err := encoder.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "failed to print result: %v\n", err)
		}
	}
	return failed
}
