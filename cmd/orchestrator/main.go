package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uselesscalc/orchestrator/internal/config"
	"github.com/uselesscalc/orchestrator/internal/event"
	"github.com/uselesscalc/orchestrator/internal/logger"
	"github.com/uselesscalc/orchestrator/internal/server"
	"github.com/uselesscalc/orchestrator/internal/telemetry"
	"github.com/uselesscalc/orchestrator/internal/version"
)

const httpShutdownTimeout = 5 * time.Second

func main() {
	testConfigShort := flag.Bool("t", false, "Test configuration and exit (nginx style)")
	testConfigLong := flag.Bool("test", false, "Test configuration and exit (nginx style)")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.VersionInfo())
		os.Exit(0)
	}

	// Configuration errors are the only ones that stop the process.
	cfg, err := config.Load()
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "[CRITICAL] Invalid configuration: %v\n", cfgErr)
		} else {
			fmt.Fprintf(os.Stderr, "[CRITICAL] Failed to load configuration: %v\n", err)
		}
		os.Exit(1)
	}

	if *testConfigShort || *testConfigLong {
		fmt.Printf("Configuration is valid. Destinations: %v, identity: %s/%s/%s/%s\n",
			cfg.Modes, cfg.Identity.Environment, cfg.Identity.Application, cfg.Identity.Service, cfg.Identity.Host)
		os.Exit(0)
	}

	appLogger := logger.GetAppLogger()
	if err := appLogger.SetLogLevelFromString(cfg.LogLevel); err != nil {
		appLogger.Warn("Invalid log level '%s', using default: %v", cfg.LogLevel, err)
	}
	appLogger.SetShowHealth(appLogger.Enabled(logger.TRACE))
	appLogger.Warn("%s", version.VersionInfo())

	// --- Telemetry --- //
	dispatcher, err := telemetry.Build(cfg, os.Stdout, telemetry.WithLogger(appLogger.Named("telemetry")))
	if err != nil {
		appLogger.Fatal("Failed to build telemetry destinations: %v", err)
	}
	dispatcher.Start(context.Background())
	if !dispatcher.Ready() {
		appLogger.Error("No telemetry destination is ready; events will be dropped")
	}
	dispatcher.Log(context.Background(), event.SeverityInfo, "service started", map[string]any{
		"version":      version.Version,
		"destinations": fmt.Sprint(cfg.Modes),
	})

	// --- Server --- //
	srv := server.NewServer(server.Dependencies{
		Config:     cfg,
		Dispatcher: dispatcher,
		AppLogger:  appLogger.Named("http"),
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	// --- Graceful Shutdown --- //
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		appLogger.Info("Received signal %s, shutting down.", sig)
	case err := <-serverErr:
		if err != nil {
			appLogger.Error("HTTP server error: %v", err)
		}
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		appLogger.Warn("HTTP server forced to shut down: %v", err)
	}
	cancelHTTP()

	dispatcher.Log(context.Background(), event.SeverityInfo, "service stopping", nil)
	if err := dispatcher.Shutdown(context.Background()); err != nil {
		appLogger.Warn("Telemetry shutdown incomplete: %v", err)
	}

	appLogger.Info("Orchestrator shut down gracefully.")
}
