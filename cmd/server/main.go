// payhold - escrow and dispute resolution for ride-share and courier payments
package main

import (
	"context"
	"os"

	"github.com/swifthaul/payhold/internal/config"
	"github.com/swifthaul/payhold/internal/logging"
	"github.com/swifthaul/payhold/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting payhold",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"fee_rate", cfg.FeeRate,
		"funding_window", cfg.FundingWindow.String(),
		"dispute_window", cfg.DisputeWindow.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
