package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"enrollment-pipeline/internal/app"
	"enrollment-pipeline/internal/config"
	"enrollment-pipeline/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.Must(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.ModeWorker, logger)
	if err != nil {
		logger.Fatal("start worker", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	if err := a.Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
		return
	}
	logger.Info("worker stopped")
}
