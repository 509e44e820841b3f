package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/stepflow/internal/api"
	"github.com/timmy/stepflow/internal/config"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/repository"
	"github.com/timmy/stepflow/internal/service"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	envCfg := logger.LoadFromEnv()
	envCfg.Level = cfg.Log.Level
	envCfg.Format = cfg.Log.Format
	envCfg.ServiceName = "stepflow-api"
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	db, err := repository.InitDB(&cfg.Database)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize database")
	}
	store := repository.NewStore(db)

	jobService := service.NewJobService(store, appLogger, &service.JobConfig{
		IgnoreErrors:      cfg.Orchestrator.IgnoreErrors,
		MaxErrorsAllowed:  cfg.Orchestrator.MaxErrorsAllowed,
		MaxBatchInputs:    cfg.Orchestrator.MaxBatchInputs,
		MaxBatchSizeBytes: cfg.Orchestrator.MaxBatchSizeBytes,
		PageSize:          cfg.Catalog.PageSize,
	})
	workService := service.NewWorkService(store, appLogger, &service.WorkConfig{
		RetryLimit: cfg.Orchestrator.RetryLimit,
	})

	scheduler := service.NewScheduler(store, cfg.Orchestrator.QueueDepth, appLogger)
	if err := scheduler.Start(cfg.Orchestrator.Schedule); err != nil {
		appLogger.WithError(err).Fatal("Failed to start scheduler")
	}

	router := api.SetupRouter(&api.Services{
		Jobs: jobService,
		Work: workService,
		Ping: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}, &cfg.Server, appLogger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":   cfg.Server.Port,
			"mode":   cfg.Server.Mode,
			"driver": cfg.Database.Driver,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Fatal("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
