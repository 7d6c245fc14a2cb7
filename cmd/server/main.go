package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rbrundritt/offline-data-manager/api"
	"github.com/rbrundritt/offline-data-manager/internal/app"
	"github.com/rbrundritt/offline-data-manager/internal/infrastructure"
	"github.com/rbrundritt/offline-data-manager/pkg/events"
	"github.com/rbrundritt/offline-data-manager/pkg/logger"
)

var configPath = flag.String("config", "", "Path to config file")

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	config, err := app.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	var multiLogger *logger.MultiLogger
	if config.Logging.LogsDir != "" {
		multiLogger, err = logger.NewMultiLogger(logger.MultiLoggerConfig{
			Level:   config.Logging.Level,
			LogsDir: config.Logging.LogsDir,
		})
		if err != nil {
			return fmt.Errorf("failed to create multi-logger: %w", err)
		}
		defer multiLogger.Close()
	}

	if err := os.MkdirAll(config.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := infrastructure.NewSQLiteStore(app.DatabasePath(&config.Storage))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	probe := infrastructure.NewDiskStorageProbe(config.Storage.DataDir, config.Storage.QuotaBytes)
	probe.RequestPersistence()

	fetcher := infrastructure.NewHTTPFetcher(infrastructure.HTTPFetcherOptions{})
	emitter := events.New()

	registry := app.NewRegistryManager(store, probe, emitter, log, multiLogger)
	engine := app.NewDownloadEngine(store, registry, fetcher, probe, emitter, &config.Engine, log, multiLogger)

	monitor := infrastructure.NewConnectivityMonitor(
		config.Connectivity.ProbeAddr,
		config.Connectivity.ProbeInterval,
		log,
	)
	monitor.OnChange(engine.SetOnline)
	monitor.StartMonitoring()
	defer monitor.StopMonitoring()

	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start download engine: %w", err)
	}

	router := api.SetupRouter(registry, engine, probe, emitter, log)
	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info("Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")

	if err := engine.Stop(); err != nil {
		log.Error("Failed to stop download engine", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}
