package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/daybook-erp/daybook/internal/app"
	"github.com/daybook-erp/daybook/internal/audit"
	"github.com/daybook-erp/daybook/internal/cycle"
	"github.com/daybook-erp/daybook/internal/observability"
	"github.com/daybook-erp/daybook/internal/platform/cache"
	"github.com/daybook-erp/daybook/internal/platform/db"
	"github.com/daybook-erp/daybook/internal/shared"
	"github.com/daybook-erp/daybook/internal/valuation"
	"github.com/daybook-erp/daybook/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer redisClient.Close()
	locks := shared.NewKeyedLocker(redisClient, cfg.LockTTL, cfg.LockBackoff, cfg.LockRetries)

	metrics := observability.NewMetrics()

	auditor := audit.NewService(audit.NewRepository(pool))
	orchestrator := cycle.NewOrchestrator(cycle.NewRepository(pool), auditor, logger, cycle.Config{
		GraceHours: cfg.GraceHours,
	})
	orchestrator.WithLocker(locks)
	builder := valuation.NewBuilder(valuation.NewRepository(pool), logger, valuation.Config{
		Workers:        cfg.ValuationWorkers,
		FastMovingDays: cfg.FastMovingDays,
		SlowMovingDays: cfg.SlowMovingDays,
	})

	tasks := jobs.NewTasks(orchestrator, builder, metrics, logger, cfg.StuckRunThreshold)

	closeFinance, err := jobs.NewCloseDayTask(jobs.CloseDayPayload{Scope: string(cycle.ScopeFinance), LockAfter: cfg.LockAfterClose})
	if err != nil {
		logger.Error("build finance close task", slog.Any("error", err))
		os.Exit(1)
	}
	closeInventory, err := jobs.NewCloseDayTask(jobs.CloseDayPayload{Scope: string(cycle.ScopeInventory), LockAfter: cfg.LockAfterClose})
	if err != nil {
		logger.Error("build inventory close task", slog.Any("error", err))
		os.Exit(1)
	}
	snapshotTask, err := jobs.NewValuationTask(jobs.ValuationPayload{})
	if err != nil {
		logger.Error("build valuation task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  tasks.Handlers(),
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CloseDayCron, Task: closeFinance, Options: []asynq.Option{asynq.MaxRetry(5)}},
			{Spec: cfg.CloseDayCron, Task: closeInventory, Options: []asynq.Option{asynq.MaxRetry(5)}},
			{Spec: cfg.SweepCron, Task: jobs.NewSweepStuckTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.ValuationCron, Task: snapshotTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
