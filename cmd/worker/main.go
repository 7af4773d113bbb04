package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/barstock/barstock/internal/app"
	jobmetrics "github.com/barstock/barstock/internal/jobs"
	"github.com/barstock/barstock/internal/observability"
	"github.com/barstock/barstock/internal/platform/cache"
	"github.com/barstock/barstock/internal/platform/db"
	"github.com/barstock/barstock/jobs"
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

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
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
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	// Resume stays nil here: a failed retry is retried by asynq, not re-enqueued.
	ledgerApp := app.NewLedger(app.LedgerDeps{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Redis:      redisClient,
		Registerer: metrics.Registerer(),
	})

	resumeJob := jobs.NewRippleResumeJob(ledgerApp.Service, logger, jobMetrics)
	auditJob := jobs.NewChainAuditJob(ledgerApp.Service, logger, jobMetrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(ledgerApp.Keys, logger, jobMetrics)

	cleanupTask, err := jobs.NewIdempotencyCleanupTask(jobs.IdempotencyCleanupPayload{})
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}
	cron := []jobs.CronRegistration{
		{Spec: "0 4 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
	}
	if cfg.ChainAuditCron != "" {
		auditTask, err := jobs.NewChainAuditTask(jobs.ChainAuditPayload{Repair: true})
		if err != nil {
			logger.Error("build chain audit task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.ChainAuditCron, Task: auditTask})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.LedgerRippleConcurrency + 1,
		Location:    cfg.Calendar().Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRippleResume, Handler: resumeJob.Handle},
			{Type: jobs.TaskChainAudit, Handler: auditJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("chain_audit_cron", cfg.ChainAuditCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
