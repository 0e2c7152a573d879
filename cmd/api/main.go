package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/signalhub/engine/internal/api"
	"github.com/signalhub/engine/internal/api/handlers"
	"github.com/signalhub/engine/internal/metrics"
	"github.com/signalhub/engine/internal/registry"
	"github.com/signalhub/engine/internal/repository"
	"github.com/signalhub/engine/internal/services"
	"github.com/signalhub/engine/pkg/config"
	"github.com/signalhub/engine/pkg/database"
	"github.com/signalhub/engine/pkg/logger"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Initialize logger
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting signalhub engine",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("database_driver", cfg.DatabaseDriver),
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.Open(ctx, database.Options{
		Driver:  cfg.DatabaseDriver,
		DSN:     cfg.DatabaseURL,
		Verbose: cfg.LogLevel == "debug",
	})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	log.Info("database connected")

	if cfg.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			log.Fatal("auto migrate failed", zap.Error(err))
		}
		log.Info("schema migrated")
	}

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn("JWT_SECRET not set, using default (INSECURE for production)")
		jwtSecret = []byte("change-me-in-production-please")
	}

	// Background queue is optional: without redis, conflict refreshes only
	// happen on explicit checks and deploys.
	checks := map[string]handlers.Pinger{
		"database": func(ctx context.Context) error { return database.Ping(ctx, db) },
	}
	var queue services.Enqueuer
	if cfg.RedisAddr != "" {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		queue = client

		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		log.Warn("REDIS_ADDR not set, conflict refresh tasks disabled")
	}

	// Repositories and services
	projectRepo := repository.NewProjectRepository(db)
	bucketRepo := repository.NewBucketRepository(db)
	deploymentRepo := repository.NewDeploymentRepository(db)
	reg := registry.New(db, repository.NewComponentRepository(db))
	recorder := metrics.NewPrometheusRecorder()

	checker := services.NewConflictChecker(projectRepo, bucketRepo, reg)
	bucketSvc := services.NewBucketService(projectRepo, bucketRepo)
	deploySvc := services.NewDeploymentService(projectRepo, bucketRepo, deploymentRepo, reg, checker, services.DeploymentServiceOptions{
		Concurrency: cfg.DeployConcurrency,
		Recorder:    recorder,
		Queue:       queue,
	})

	router := api.NewRouter(api.Dependencies{
		HMACSecret:         jwtSecret,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		HealthHandler:      handlers.NewHealthHandler(checks),
		ProjectsHandler:    handlers.NewProjectsHandler(services.NewProjectService(projectRepo)),
		BucketsHandler:     handlers.NewBucketsHandler(bucketSvc, checker, deploySvc),
		DeploymentsHandler: handlers.NewDeploymentsHandler(deploySvc),
		ComponentsHandler:  handlers.NewComponentsHandler(reg),
		Metrics:            recorder.Handler(),
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
