package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/simple-ingest/internal/observability"
	"github.com/tendant/simple-ingest/pkg/ingest/api"
	"github.com/tendant/simple-ingest/pkg/ingest/config"
	"github.com/tendant/simple-ingest/pkg/ingest/worker"
)

func main() {
	configFile := flag.String("config", "", "optional YAML configuration file")
	maxUpload := flag.Int64("max-upload", api.DefaultMaxUploadSize, "maximum upload size in bytes")
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

	// An in-process queue has no other consumer, so the server runs the
	// background stages itself.
	workersDone := make(chan struct{})
	if cfg.Queue.Type == "memory" {
		go func() {
			defer close(workersDone)
			if err := rt.NewWorkerPool().Run(ctx); err != nil {
				logger.Error("embedded worker pool failed", zap.Error(err))
			}
		}()
		if cfg.Worker.SweepSchedule != "" {
			sweeper, err := worker.NewSweeper(rt.Manager, cfg.Worker.SweepSchedule, cfg.Worker.SweepAge, logger, metrics)
			if err != nil {
				logger.Fatal("failed to schedule sweep", zap.Error(err))
			}
			sweeper.Start()
			defer sweeper.Stop()
		}
	} else {
		close(workersDone)
	}

	handler := api.NewFilesHandler(rt.Manager, logger, *maxUpload)
	var routerOpts []api.RouterOption
	if prefix, dir, ok := cfg.StaticMount(); ok {
		routerOpts = append(routerOpts, api.WithStaticFiles(prefix, dir))
		logger.Info("serving stored files", zap.String("prefix", prefix), zap.String("dir", dir))
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           api.NewRouter(handler, logger, routerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ingest server starting",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.Environment),
			zap.String("storage", cfg.Storage.Type),
			zap.String("queue", cfg.Queue.Type))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	<-workersDone
	shutdownTracing(shutdownCtx)

	logger.Info("server exiting")
}
