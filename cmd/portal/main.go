// Package main is the ticket portal entry point.
//
// The process exits 0 after a clean shutdown on SIGINT or SIGTERM and 1 when
// configuration is invalid, the datastore URI is missing, the datastore
// connection fails or the listener cannot be bound.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/ticket_portal/internal/app"
	"github.com/R3E-Network/ticket_portal/internal/config"
	"github.com/R3E-Network/ticket_portal/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ticket-portal: %v\n", err)
		return 1
	}

	logger := logging.New(app.AppName, cfg.LogLevel, cfg.LogFormat)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to configure portal")
		return 1
	}

	if err := application.Run(ctx); err != nil {
		logger.WithError(err).Error("Portal stopped with error")
		return 1
	}

	logger.Info("Portal stopped")
	return 0
}
