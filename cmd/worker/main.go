package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/fmdesk/fmdesk-web/internal/app"
	"github.com/fmdesk/fmdesk-web/internal/backend"
	jobmetrics "github.com/fmdesk/fmdesk-web/internal/jobs"
	"github.com/fmdesk/fmdesk-web/internal/observability"
	"github.com/fmdesk/fmdesk-web/internal/platform/cache"
	"github.com/fmdesk/fmdesk-web/internal/rbac"
	"github.com/fmdesk/fmdesk-web/internal/shared"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
	"github.com/fmdesk/fmdesk-web/jobs"
)

func main() {
	if app.SkipStartup("worker") {
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

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "fmdesk_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	backendClient := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout)
	metrics := observability.NewMetrics()
	loader := rbac.NewLoader(backendClient, logger, rbac.WithMetrics(metrics))
	refresher := usersession.NewRefresher(loader, func(id string) *usersession.Accessor {
		return usersession.Detached(sessionManager, id)
	}, logger, metrics)
	refreshJob := jobs.NewPrivilegeRefreshJob(refresher, logger, jobmetrics.NewMetrics(metrics.Registerer()))

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: int(cfg.PrivilegeRefreshWorkers),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPrivilegesRefresh, Handler: refreshJob.Handle},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.Int64("concurrency", cfg.PrivilegeRefreshWorkers))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
