package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/stepflow/internal/catalog"
	"github.com/timmy/stepflow/internal/config"
	"github.com/timmy/stepflow/internal/logger"
	"github.com/timmy/stepflow/internal/storage"
	"github.com/timmy/stepflow/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "Path to config file")
	serviceID := flag.String("service", "", "Service ID to pull work for (overrides worker.service_id)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}
	if *serviceID != "" {
		cfg.Worker.ServiceID = *serviceID
	}

	envCfg := logger.LoadFromEnv()
	envCfg.Level = cfg.Log.Level
	envCfg.Format = cfg.Log.Format
	envCfg.ServiceName = "stepflow-worker"
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	if cfg.Worker.ServiceID == "" {
		appLogger.Fatal("worker.service_id is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objectStore, err := storage.NewStore(&cfg.Storage)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize storage")
	}
	if s3Store, ok := objectStore.(*storage.S3Storage); ok {
		if err := s3Store.EnsureBucket(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to ensure storage bucket")
		}
	}

	var executor worker.Executor
	switch cfg.Worker.Executor {
	case "catalog":
		executor = catalog.NewQueryExecutor(catalog.NewClient(&cfg.Catalog), objectStore)
	default:
		cmdExecutor, err := worker.NewCommandExecutor(cfg.Worker.Command, objectStore)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to initialize command executor")
		}
		executor = cmdExecutor
	}

	runner := worker.NewRunner(
		worker.NewClient(cfg.Worker.APIURL, cfg.Worker.RequestTimeout),
		executor,
		worker.RunnerConfig{
			ServiceID:           cfg.Worker.ServiceID,
			Concurrency:         cfg.Worker.Concurrency,
			PollInterval:        cfg.Worker.PollInterval,
			MaxPollInterval:     cfg.Worker.MaxPollInterval,
			CancelCheckInterval: cfg.Worker.CancelCheckInterval,
			WorkDir:             cfg.Worker.WorkDir,
			Timeout:             cfg.Worker.Timeout,
		},
		appLogger,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, stopping pollers...")
		cancel()
	}()

	appLogger.WithFields(logger.Fields{
		logger.FieldServiceID: cfg.Worker.ServiceID,
		"executor":            cfg.Worker.Executor,
		"api_url":             cfg.Worker.APIURL,
	}).Info("Starting worker")

	if err := runner.Run(ctx); err != nil {
		appLogger.WithError(err).Fatal("Worker stopped with error")
	}
	appLogger.Info("Worker exited")
}
