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

	"github.com/fmdesk/fmdesk-web/internal/account"
	"github.com/fmdesk/fmdesk-web/internal/app"
	"github.com/fmdesk/fmdesk-web/internal/auth"
	"github.com/fmdesk/fmdesk-web/internal/backend"
	"github.com/fmdesk/fmdesk-web/internal/helpdesk"
	"github.com/fmdesk/fmdesk-web/internal/observability"
	"github.com/fmdesk/fmdesk-web/internal/platform/cache"
	"github.com/fmdesk/fmdesk-web/internal/rbac"
	"github.com/fmdesk/fmdesk-web/internal/shared"
	"github.com/fmdesk/fmdesk-web/internal/usersession"
	"github.com/fmdesk/fmdesk-web/internal/view"
	"github.com/fmdesk/fmdesk-web/jobs"
)

func main() {
	if app.SkipStartup("fmdesk") {
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
	tempDataManager := shared.NewTempDataManager("fmdesk_temp", cfg.SessionSecret, time.Minute, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	metrics := observability.NewMetrics()

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	backendClient := backend.NewClient(cfg.BackendBaseURL, cfg.BackendTimeout)
	credentials, err := auth.NewCredentials(auth.CredentialsConfig{
		CookieName:   "fmdesk_auth",
		Secret:       cfg.AuthCookieSecret,
		TTL:          cfg.AuthCookieTTL,
		Secure:       cfg.IsProduction(),
		ClientID:     cfg.BackendClientID,
		ClientSecret: cfg.BackendClientSecret,
		TokenURL:     backendClient.TokenURL(),
		HTTPClient:   backendClient.HTTPClient(),
	})
	if err != nil {
		logger.Error("init credentials", slog.Any("error", err))
		os.Exit(1)
	}

	loader := rbac.NewLoader(backendClient, logger, rbac.WithMetrics(metrics))
	refresher := usersession.NewRefresher(loader, func(id string) *usersession.Accessor {
		return usersession.Detached(sessionManager, id)
	}, logger, metrics)

	var (
		dispatcher usersession.Dispatcher
		pool       *usersession.Pool
		jobHandler *jobs.Handler
	)
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	switch cfg.PrivilegeRefreshMode {
	case app.RefreshModeQueue:
		jobsClient := jobs.NewClient(redisOpts, logger, metrics, jobs.WithTaskTimeout(cfg.RefreshTimeout()))
		defer func() {
			if err := jobsClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		dispatcher = jobsClient
		jobHandler = jobs.NewHandler(inspector, logger)
	default:
		pool = usersession.NewPool(refresher, cfg.PrivilegeRefreshWorkers, cfg.RefreshTimeout(), logger, metrics)
		dispatcher = pool
		jobHandler = jobs.NewHandler(nil, logger)
	}

	gate := &usersession.Gate{
		StaleAfter:  cfg.PrivilegeStaleAfter,
		Dispatcher:  dispatcher,
		Credentials: credentials,
		Logger:      logger,
	}
	guard := rbac.Middleware{
		Privileges: usersession.PrivilegesFromContext,
		Logger:     logger,
		Metrics:    metrics,
	}

	authService := auth.NewService(credentials, backendClient, loader, logger, metrics)
	authHandler := auth.NewHandler(logger, authService, nil, templates, sessionManager, csrfManager)
	helpdeskHandler := helpdesk.NewHandler(logger, backendClient, credentials, templates, csrfManager, guard)
	accountHandler := account.NewHandler(logger, backendClient, credentials)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Templates:       templates,
		SessionManager:  sessionManager,
		TempDataManager: tempDataManager,
		CSRFManager:     csrfManager,
		Gate:            gate,
		AuthHandler:     authHandler,
		HelpdeskHandler: helpdeskHandler,
		AccountHandler:  accountHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
		HealthCheck: func(ctx context.Context) error {
			return cache.Check(ctx, redisClient)
		},
		RequestLogging: true,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("refresh_mode", cfg.PrivilegeRefreshMode),
			slog.Duration("refresh_timeout", cfg.RefreshTimeout()))
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
	if pool != nil {
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Warn("privilege refresh pool shutdown", slog.Any("error", err))
		}
	}
}
