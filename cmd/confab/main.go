package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/app"
	"github.com/ent0n29/confab/internal/config"
	"github.com/ent0n29/confab/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	logger.Info("confab starting",
		zap.String("storage", cfg.StorageBackend),
		zap.String("provider", built.Providers.ActiveName()),
		zap.Bool("rag", built.Memory != nil),
		zap.String("transcriber", built.Voice.Detail),
		zap.String("fanout_bus", cfg.FanoutBus))

	runErr := built.Run(ctx)
	if err := built.Cleanup(); err != nil {
		logger.Warn("cleanup failed", zap.Error(err))
	}
	if runErr != nil {
		logger.Error("server stopped with error", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
