package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-access/internal/access"
	"github.com/odyssey-erp/odyssey-access/internal/app"
	"github.com/odyssey-erp/odyssey-access/internal/audit"
	audithttp "github.com/odyssey-erp/odyssey-access/internal/audit/http"
	"github.com/odyssey-erp/odyssey-access/internal/directory"
	"github.com/odyssey-erp/odyssey-access/internal/impersonation"
	"github.com/odyssey-erp/odyssey-access/internal/observability"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/session"
	"github.com/odyssey-erp/odyssey-access/internal/tokens"
	"github.com/odyssey-erp/odyssey-access/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	stop()
	if err != nil {
		slog.Default().Error("odyssey stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

// run wires the service and blocks until ctx is cancelled or the server fails.
func run(ctx context.Context) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	dbpool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	asynqClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()
	auditDispatcher := jobs.NewAuditDispatcher(asynqClient, cfg.AuditQueue, logger)
	defer auditDispatcher.Wait()

	refresher := tokens.NewRefresher(tokens.RefresherConfig{
		ClientID:     cfg.IDPClientID,
		ClientSecret: cfg.IDPClientSecret,
		TokenURL:     cfg.IDPTokenURL,
		Scopes:       cfg.IDPScopes,
		Skew:         cfg.TokenRefreshSkew,
		Timeout:      cfg.TokenRefreshTimeout,
	}, logger)
	tokenService := tokens.NewService(tokens.NewRedisStore(redisClient, cfg.TokenStoreTTL), refresher, cfg.TokenRefreshSkew, logger, metrics)

	directoryClient, err := directory.NewClient(directory.Config{BaseURL: cfg.DirectoryBaseURL, Timeout: cfg.DirectoryTimeout})
	if err != nil {
		return fmt.Errorf("init directory client: %w", err)
	}
	groups := directory.NewCachedLister(directoryClient, cfg.DirectoryCacheSize, cfg.DirectoryCacheTTL)

	rbacService := rbac.NewService(rbac.NewPGRepository(dbpool), logger)

	resolver := access.NewResolver(tokenService, groups, rbacService, access.Config{
		SuperAdminGroup: cfg.SuperAdminGroup,
		SuperAdminRole:  cfg.SuperAdminRole,
	}, logger, metrics, auditDispatcher)
	impersonationService := impersonation.NewService(
		impersonation.NewRedisStore(redisClient),
		resolver,
		directoryClient,
		cfg.ImpersonationTTL,
		logger,
		metrics,
		auditDispatcher,
	)
	resolver.UseImpersonations(impersonationService)

	sessions := session.NewManager(redisClient, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:               logger,
		Config:               cfg,
		Metrics:              metrics,
		Authenticator:        app.Authenticator{Sessions: sessions, Resolver: resolver, Logger: logger},
		SessionHandler:       session.NewHandler(sessions, tokenService, directoryClient, logger, auditDispatcher),
		MeHandler:            access.NewHandler(resolver, logger),
		ImpersonationHandler: impersonation.NewHandler(impersonationService, logger),
		AdminHandler:         rbac.NewHandler(rbacService, logger, auditDispatcher),
		AuditHandler:         audithttp.NewHandler(logger, audit.NewService(audit.NewPGTimeline(dbpool))),
		JobHandler:           jobs.NewHandler(inspector, cfg.AuditQueue, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
