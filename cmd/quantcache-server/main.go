package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"quantcache/internal/api"
	"quantcache/internal/app"
	"quantcache/internal/config"
	"quantcache/internal/scheduler"
	"quantcache/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	a, err := app.Open(cfg, logger)
	if err != nil {
		log.Fatalf("failed to open cache: %v", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(ctx, a.Manager, scheduler.Options{
		CleanupSpec:   cfg.Schedule.Cleanup,
		RetentionDays: cfg.Intraday.RetentionDays,
		WarmSpec:      cfg.Schedule.Warm,
		WarmSymbols:   cfg.Warm.Symbols,
		LookbackDays:  cfg.Warm.LookbackDays,
		Location:      a.Calendar.Location(),
	}, logger)
	if _, err := sched.Register(); err != nil {
		log.Fatalf("failed to schedule jobs: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	srv := api.NewServer(a.Manager, api.Options{
		HTTPAddr:      cfg.HTTPAddr(),
		GRPCAddr:      cfg.GRPCAddr(),
		DataDir:       cfg.Storage.DataDir,
		RetentionDays: cfg.Intraday.RetentionDays,
	}, logger)

	logger.Info("quantcache-server starting",
		"http", cfg.HTTPAddr(), "grpc", cfg.GRPCAddr(),
		"data_dir", cfg.Storage.DataDir, "metadata", cfg.Storage.Metadata)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server error", "error", err)
	}
}
