package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/settlement/internal/app"
	jobmetrics "github.com/odyssey-erp/settlement/internal/jobs"
	"github.com/odyssey-erp/settlement/internal/platform/cache"
	"github.com/odyssey-erp/settlement/internal/platform/db"
	"github.com/odyssey-erp/settlement/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The worker cannot consume tasks without Redis, so it is required here.
	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	services := app.NewServices(app.ServiceDeps{
		Config:     cfg,
		Pool:       pool,
		Redis:      redisClient,
		Logger:     logger,
		JobMetrics: metrics,
	})

	cascadeJob := jobs.NewCascadeJob(services.Propagator, logger, metrics, services.ReadModels()...)
	maintenanceJob := jobs.NewMaintenanceJob(services.Settlement, services.Settlement, logger, metrics, services.ReadModels()...).
		WithKeyCleanup(services.Idempotency, cfg.IdempotencyTTL)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.RedisOptions().AsynqOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSettlementCascade, Handler: cascadeJob.Handle},
			{Type: jobs.TaskSettlementRecompute, Handler: cascadeJob.HandleRecompute},
			{Type: jobs.TaskBillRefresh, Handler: maintenanceJob.HandleBillRefresh},
			{Type: jobs.TaskReconcile, Handler: maintenanceJob.HandleReconcile},
			{Type: jobs.TaskIdempotencyCleanup, Handler: maintenanceJob.HandleIdempotencyCleanup},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BillRefreshCron, Task: jobs.NewBillRefreshTask(), Options: []asynq.Option{asynq.MaxRetry(3), asynq.Queue(jobs.QueueDefault)}},
			{Spec: cfg.ReconcileCron, Task: jobs.NewReconcileTask(), Options: []asynq.Option{asynq.MaxRetry(1), asynq.Queue(jobs.QueueDefault)}},
			{Spec: cfg.IdempotencyCron, Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(2), asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
