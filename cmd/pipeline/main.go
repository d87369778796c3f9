// Command pipeline runs the intake API and the worker in one process.
// It is the only way to use the pebble and memory store backends.
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

	a, err := app.New(ctx, cfg, app.ModeAll, logger)
	if err != nil {
		logger.Fatal("start pipeline", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	if err := a.Run(ctx); err != nil {
		logger.Error("pipeline stopped", zap.Error(err))
		return
	}
	logger.Info("pipeline stopped")
}
