package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagetest-orchestrator/internal/config"
	"github.com/JakeFAU/pagetest-orchestrator/internal/logging"
	"github.com/JakeFAU/pagetest-orchestrator/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	app, err := server.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("application init failed", zap.Error(err))
		os.Exit(1)
	}
	if err := app.Run(context.Background()); err != nil {
		logger.Error("application stopped with error", zap.Error(err))
		os.Exit(1)
	}
}
