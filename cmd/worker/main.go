package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/simple-ingest/internal/observability"
	"github.com/tendant/simple-ingest/pkg/ingest"
	"github.com/tendant/simple-ingest/pkg/ingest/config"
	"github.com/tendant/simple-ingest/pkg/ingest/worker"
)

func main() {
	configFile := flag.String("config", "", "optional YAML configuration file")
	reanalyze := flag.Bool("reanalyze", false, "re-run media analysis on every processed file, then exit")
	flag.Parse()

	opts := []config.Option{config.WithEnv()}
	if *configFile != "" {
		opts = []config.Option{config.WithFile(*configFile)}
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Queue.Type == "memory" && !*reanalyze {
		logger.Fatal("the worker needs a shared queue; set INGEST_QUEUE_TYPE=redis or run the server alone")
	}

	shutdownTracing, err := observability.InitTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	observability.StartMetricsServer(cfg.MetricsAddr, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := cfg.Build(ctx, logger, metrics)
	if err != nil {
		logger.Fatal("failed to build runtime", zap.Error(err))
	}
	defer rt.Close()

	if *reanalyze {
		n, err := rt.Manager.ReanalyzeAll(ctx, ingest.ListFilesParams{})
		if err != nil {
			logger.Error("reanalysis incomplete", zap.Int("updated", n), zap.Error(err))
			return
		}
		logger.Info("reanalysis complete", zap.Int("updated", n))
		return
	}

	if cfg.Worker.SweepSchedule != "" {
		sweeper, err := worker.NewSweeper(rt.Manager, cfg.Worker.SweepSchedule, cfg.Worker.SweepAge, logger, metrics)
		if err != nil {
			logger.Fatal("failed to schedule sweep", zap.Error(err))
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	logger.Info("ingest worker starting",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("max_attempts", cfg.Worker.MaxAttempts),
		zap.String("storage", cfg.Storage.Type))

	if err := rt.NewWorkerPool().Run(ctx); err != nil {
		logger.Error("worker pool failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownTracing(shutdownCtx)

	logger.Info("worker exiting")
}
