package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/settlement/internal/aging"
	"github.com/odyssey-erp/settlement/internal/app"
	jobmetrics "github.com/odyssey-erp/settlement/internal/jobs"
	"github.com/odyssey-erp/settlement/internal/observability"
	"github.com/odyssey-erp/settlement/internal/platform/cache"
	"github.com/odyssey-erp/settlement/internal/platform/db"
	"github.com/odyssey-erp/settlement/internal/settlement"
	"github.com/odyssey-erp/settlement/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// Redis only backs caches and the queue; the API keeps serving without it.
	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Warn("redis unavailable, caches disabled", slog.Any("error", err))
		redisClient = nil
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	services := app.NewServices(app.ServiceDeps{
		Config:     cfg,
		Pool:       dbpool,
		Redis:      redisClient,
		Logger:     logger,
		JobMetrics: jobmetrics.NewMetrics(metrics.Registerer()),
	})

	if cfg.QueueCascades() {
		client := asynq.NewClient(cfg.RedisOptions().AsynqOpt())
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}()
		services.Settlement.SetDispatcher(jobs.NewQueueDispatcher(client, logger))
		logger.Info("settlement cascades run on the worker")
	}

	inspector := asynq.NewInspector(cfg.RedisOptions().AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	readiness := map[string]app.Pinger{"postgres": dbpool}
	if redisClient != nil {
		readiness["redis"] = redisPinger(redisClient)
	}

	settlementHandler := settlement.NewHandler(logger, services.Settlement, services.Idempotency)
	settlementHandler.SetHistory(services.Audit, services.Approvals)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		SettlementHandler: settlementHandler,
		AgingHandler:      aging.NewHandler(logger, services.Aging),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
		Readiness:         readiness,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func redisPinger(client *redis.Client) app.Pinger {
	return app.PingFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}
