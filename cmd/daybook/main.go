package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/daybook-erp/daybook/internal/app"
	"github.com/daybook-erp/daybook/internal/audit"
	"github.com/daybook-erp/daybook/internal/balance"
	"github.com/daybook-erp/daybook/internal/cycle"
	"github.com/daybook-erp/daybook/internal/observability"
	"github.com/daybook-erp/daybook/internal/platform/db"
	"github.com/daybook-erp/daybook/internal/readapi"
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

	metrics := observability.NewMetrics()

	ledger := balance.NewLedger(balance.NewRepository(pool))
	auditor := audit.NewService(audit.NewRepository(pool))
	orchestrator := cycle.NewOrchestrator(cycle.NewRepository(pool), auditor, logger, cycle.Config{
		GraceHours: cfg.GraceHours,
	})
	builder := valuation.NewBuilder(valuation.NewRepository(pool), logger, valuation.Config{
		Workers:        cfg.ValuationWorkers,
		FastMovingDays: cfg.FastMovingDays,
		SlowMovingDays: cfg.SlowMovingDays,
	})

	readHandler := readapi.NewHandler(logger, orchestrator, ledger, auditor, builder)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("connect queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer jobClient.Close()
	jobHandler := jobs.NewHandler(asynq.NewInspector(redisOpts), jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		ReadHandler: readHandler,
		JobHandler:  jobHandler,
		Metrics:     metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
