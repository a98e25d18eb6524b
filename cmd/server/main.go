// StreamPay - metered streaming billing over Zcash spending permissions
package main

import (
	"context"
	"os"

	"github.com/paygoback/streampay/internal/config"
	"github.com/paygoback/streampay/internal/logging"
	"github.com/paygoback/streampay/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFmt)

	logger.Info("starting streampay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"billing_interval_seconds", cfg.BillingIntervalSeconds,
		"default_duration_days", cfg.DefaultDurationDays,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
