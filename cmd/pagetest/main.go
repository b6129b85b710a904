// Package main runs one page test from the command line and prints the final record as JSON.
//
// Usage:
//
//	pagetest -url https://example.com [-config config.yaml] [-timeout 20m]
//	pagetest -job 240101_AB_1
//
// The exit code is 0 when the metrics timeline completed, 2 when it ended failed or blocked,
// and 1 on setup errors or timeouts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagetest-orchestrator/internal/config"
	"github.com/JakeFAU/pagetest-orchestrator/internal/engine"
	"github.com/JakeFAU/pagetest-orchestrator/internal/logging"
	"github.com/JakeFAU/pagetest-orchestrator/internal/pagetest"
	"github.com/JakeFAU/pagetest-orchestrator/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := flag.String("config", "", "Path to config file")
	target := flag.String("url", "", "Page to test")
	jobID := flag.String("job", "", "Existing test id to wait for instead of submitting")
	timeout := flag.Duration("timeout", 30*time.Minute, "Give up waiting after this long")
	flag.Parse()

	if (*target == "") == (*jobID == "") {
		fmt.Fprintln(os.Stderr, "exactly one of -url or -job is required")
		flag.Usage()
		return 1
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return 1
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("application init failed", zap.Error(err))
		return 1
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Close(closeCtx)
	}()

	var rec pagetest.JobRecord
	if *target != "" {
		rec, err = app.Engine().Run(ctx, *target)
	} else {
		rec, err = wait(ctx, app.Engine(), *jobID)
	}
	if rec.Job.ID != "" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rec)
	}
	if err != nil {
		logger.Error("test did not finish", zap.Error(err))
		return 1
	}
	if rec.Job.Status != pagetest.StatusComplete {
		return 2
	}
	return 0
}

// wait adopts jobID and polls its record until no timeline is pending.
func wait(ctx context.Context, eng *engine.Engine, jobID string) (pagetest.JobRecord, error) {
	rec, err := eng.Adopt(ctx, jobID)
	if err != nil {
		return pagetest.JobRecord{}, err
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for rec.Job.Status == pagetest.StatusPending || rec.LighthouseStatus == pagetest.StatusPending {
		select {
		case <-ctx.Done():
			return rec, fmt.Errorf("wait for job %s: %w", jobID, context.Cause(ctx))
		case <-ticker.C:
		}
		next, err := eng.Record(ctx, jobID)
		if errors.Is(err, pagetest.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return rec, err
		}
		rec = next
	}
	return rec, nil
}
