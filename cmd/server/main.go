package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/makeasinger/songforge/internal/app"
	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/logger"
)

// @title          Songforge API
// @version        1.0
// @description    Track generation jobs and multi-step generation pipelines.
// @BasePath       /
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logg, app.Options{})
	if err != nil {
		logg.Error("failed to start", "error", err)
		logg.Sync()
		os.Exit(1)
	}

	runErr := a.Run(ctx)
	logg.Info("shutting down")
	a.Close()
	if runErr != nil {
		log.Fatalf("Server error: %v", runErr)
	}
}
