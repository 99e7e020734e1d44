package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"nwsdetailedforecast/internal/api"
	"nwsdetailedforecast/internal/config"
	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/flow"
	"nwsdetailedforecast/internal/ha"
	"nwsdetailedforecast/internal/nws"
	"nwsdetailedforecast/internal/runtime"

	// Platforms register themselves in init.
	_ "nwsdetailedforecast/internal/platform/sensor"
	_ "nwsdetailedforecast/internal/platform/weather"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	settings, err := config.LoadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := config.NewLogger(settings.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := settings.Validate(); err != nil {
		logger.Fatal("Invalid settings", zap.Error(err))
	}

	logger.Info("Starting NWS Detailed Forecast",
		zap.String("url", settings.HAURL),
		zap.Bool("read_only", settings.ReadOnly),
		zap.String("db_path", settings.DBPath),
		zap.Float64("nws_rate_limit", settings.NWSRateLimit))

	store, err := entry.NewStore(settings.DBPath, logger)
	if err != nil {
		logger.Fatal("Failed to open entry store", zap.Error(err))
	}
	defer store.Close()

	// Every entry shares one limiter so api.weather.gov sees a single rate.
	limiter := rate.NewLimiter(rate.Limit(settings.NWSRateLimit), 1)
	newNWSClient := func(contact string) *nws.Client {
		return nws.NewClient(contact, logger,
			nws.WithBaseURL(settings.NWSBaseURL),
			nws.WithLimiter(limiter))
	}

	// Create HA client
	client := ha.NewClient(settings.HAURL, settings.HAToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	manager := runtime.NewManager(runtime.Config{
		Store:         store,
		Writer:        client,
		Notifier:      client,
		NewForecaster: func(contact string) nws.Forecaster { return newNWSClient(contact) },
		Logger:        logger,
		ReadOnly:      settings.ReadOnly,
	})

	flowHandler := flow.NewHandler(store,
		func(contact string) nws.StatusChecker { return newNWSClient(contact) },
		settings.LocationName, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Entries imported after startup are set up as they are created.
	var started atomic.Bool
	loader := config.NewLoader(settings.EntriesFile, flowHandler, func(ctx context.Context, e *entry.Entry) {
		if !started.Load() {
			return
		}
		if err := manager.Setup(ctx, e); err != nil {
			logger.Warn("Imported entry not ready", zap.String("entry_id", e.EntryID), zap.Error(err))
		}
	}, logger)

	if _, err := loader.Load(ctx); err != nil {
		logger.Error("Failed to import entries file", zap.Error(err))
	}

	if err := manager.SetupAll(ctx); err != nil {
		logger.Error("Failed to set up entries", zap.Error(err))
	}
	started.Store(true)

	if err := loader.StartAutoReload(); err != nil {
		logger.Error("Failed to start entries auto-reload", zap.Error(err))
	}
	defer loader.Stop()

	if settings.RefreshEntity != "" {
		trigger := runtime.NewRefreshTrigger(client, settings.RefreshEntity, manager, logger)
		if err := trigger.Start(); err != nil {
			logger.Error("Failed to start refresh trigger", zap.Error(err))
		}
		defer trigger.Stop()
	}

	server := api.NewServer(store, flowHandler, manager, logger, settings.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	if settings.ReadOnly {
		logger.Info("Running in READ-ONLY mode - entity states are logged, not written")
	}
	logger.Info("Application running. Press Ctrl+C to exit, send SIGHUP to re-import entries.")

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		reloadCtx, reloadCancel := context.WithTimeout(ctx, 2*time.Minute)
		if _, err := loader.Load(reloadCtx); err != nil {
			logger.Error("Failed to re-import entries file", zap.Error(err))
		}
		reloadCancel()
	}

	logger.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API server", zap.Error(err))
	}
	if err := manager.Shutdown(); err != nil {
		logger.Error("Errors while unloading entries", zap.Error(err))
	}
}
