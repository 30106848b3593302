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

	"hope/internal/app"
	"hope/internal/config"
	"hope/pkg/logging"
	"hope/pkg/telemetry"

	"github.com/joho/godotenv"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

// Exit codes: 0 normal stop, 1 configuration/startup failure,
// 2 reconciliation failure, 3 uncaught fatal.
const (
	exitOK        = 0
	exitStartup   = 1
	exitReconcile = 2
	exitFatal     = 3
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hope version %s (built %s)\n", version, buildTime)
		return exitOK
	}

	// local development convenience; absence is not an error
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitStartup
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return exitStartup
	}
	defer logger.Sync()
	logging.SetGlobalLogger(logger)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Fatal panic", "panic", r)
			code = exitFatal
		}
	}()

	logger.Info("Starting hope",
		"version", version,
		"mode", string(cfg.App.Mode),
		"data_dir", cfg.App.DataDir,
	)

	tel, err := telemetry.Setup("hope")
	if err != nil {
		logger.Warn("Telemetry setup failed, continuing without exporters", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(ctx); err != nil {
				logger.Error("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to assemble application", "error", err)
		return exitStartup
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, app.ErrReconcileFailed) {
			logger.Error("Startup reconciliation failed", "error", err)
			return exitReconcile
		}
		logger.Error("Startup failed", "error", err)
		return exitStartup
	}

	logger.Info("Stopped")
	return exitOK
}
