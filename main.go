package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/watcher"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var l logger.Logger
	zl, err := logger.NewZapLogger(cfg.LoggerConfig.Level, cfg.LoggerConfig.Coloring, logger.FileOptions{
		Path: cfg.LoggerConfig.File,
	})
	if err != nil {
		log.Printf("Falling back to stdout logging: %v", err)
		l = logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)
	} else {
		defer func() { _ = zl.Sync() }()
		l = zl
	}

	// Cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := watcher.NewService(ctx, cfg, l)
	if err != nil {
		l.Error("Failed to create watcher service: %v", err)
		os.Exit(1)
	}

	if err := service.Run(ctx); err != nil {
		l.Error("Watcher exited: %v", err)
		os.Exit(1)
	}
}
