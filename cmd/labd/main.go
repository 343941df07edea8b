package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/luminbio/labd/pkg/api"
	"github.com/luminbio/labd/pkg/audit"
	"github.com/luminbio/labd/pkg/authz"
	"github.com/luminbio/labd/pkg/config"
	"github.com/luminbio/labd/pkg/grants"
	"github.com/luminbio/labd/pkg/middleware"
	"github.com/luminbio/labd/pkg/observability"
	"github.com/luminbio/labd/pkg/overrides"
	"github.com/luminbio/labd/pkg/projects"
	"github.com/luminbio/labd/pkg/resources"
	"github.com/luminbio/labd/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("server exited")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Observability.OTelEnabled {
		providers, err := observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("otel shutdown failed")
			}
		}()
	}

	db, err := postgres.Connect(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	logger.Info("database migrated")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// Stores
	directory, err := resources.NewDirectory(db, cfg.Authz.OwnerCacheSize)
	if err != nil {
		return err
	}
	grantStore := grants.NewStore(db)
	teamStore := projects.NewStore(db)
	overrideStore := overrides.NewStore(db)

	// Permission matrix, optionally file-backed with hot reload
	matrix := authz.DefaultMatrix()
	var watcher *authz.MatrixWatcher
	if cfg.Authz.MatrixPath != "" {
		// NewMatrixWatcher performs the initial load from the file.
		watcher, err = authz.NewMatrixWatcher(matrix, cfg.Authz.MatrixPath, func(err error) {
			logger.WithError(err).Warn("matrix reload failed, keeping previous table")
		})
		if err != nil {
			return err
		}
	}

	engine := authz.NewEngine(authz.EngineConfig{
		Owners:        directory,
		Grants:        grantStore,
		Assignments:   teamStore,
		Overrides:     overrideStore,
		Matrix:        matrix,
		LookupTimeout: cfg.Authz.LookupTimeout,
	})

	// Audit pipeline: synchronous DB writer behind a fire-and-forget queue
	dbLogger, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}
	auditor := audit.NewAsyncLogger(dbLogger, audit.AsyncOptions{
		QueueSize: cfg.Audit.QueueSize,
		Registry:  registry,
		OnError: func(err error) {
			logger.WithError(err).Warn("audit write failed")
		},
	})
	defer auditor.Close()

	var archiver *audit.Archiver
	if cfg.Audit.ArchiveBucket != "" {
		archiver, err = audit.NewArchiver(ctx, dbLogger, cfg.Audit.ArchiveBucket, cfg.Audit.ArchivePrefix)
		if err != nil {
			return err
		}
	}

	sweeper := grants.NewSweeper(grantStore, cfg.Audit.GrantSweepSchedule, registry, func(err error) {
		logger.WithError(err).Warn("grant sweep failed")
	})
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	var limiter *middleware.DenialRateLimiter
	if redisClient != nil && cfg.Authz.DenialRateLimit > 0 {
		limiter = middleware.NewDenialRateLimiter(redisClient,
			cfg.Authz.DenialRateLimit, cfg.Authz.DenialRateWindow, metrics, logger)
	}

	guard := middleware.NewAccessGuard(engine, grantStore, metrics, logger)
	server := api.NewServer(api.ServerConfig{
		Engine:    engine,
		Guard:     guard,
		Grants:    grantStore,
		Overrides: overrideStore,
		Teams:     teamStore,
		Resources: directory,
		Auditor:   auditor,
		Searcher:  dbLogger,
		Limiter:   limiter,
		Metrics:   metrics,
		Logger:    logger,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}
	if archiver != nil {
		g.Go(func() error {
			ticker := time.NewTicker(24 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					end := time.Now().UTC()
					n, err := archiver.Archive(gctx, end.Add(-24*time.Hour), end)
					if err != nil {
						logger.WithError(err).Warn("audit archive failed")
						continue
					}
					logger.WithField("entries", n).Info("audit window archived")
				}
			}
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				metrics.CollectDBStats(db)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("api server shutdown failed")
		}
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown failed")
		}
		return nil
	})

	return g.Wait()
}
