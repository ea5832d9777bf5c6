package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chunk-pipeline/internal/app"
	"chunk-pipeline/internal/config"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/sink"
	"chunk-pipeline/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatal("load config")
	}
	log := app.Logger(cfg, "chunk-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("start worker")
	}
	defer a.Close()

	// Worker ID from env var, hostname or pid.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		processor := a.NewProcessor(fmt.Sprintf("%s-%d", workerID, i))
		g.Go(func() error {
			return processor.Run(ctx)
		})
	}

	if cfg.LintSchedule != "" {
		g.Go(func() error {
			return a.Engine.RunLintSchedule(ctx, cfg.LintSchedule)
		})
	}
	for _, s := range a.Engine.Sinks() {
		if s.Status != sink.StatusLive || s.ImportSchedule == "" {
			continue
		}
		g.Go(func() error {
			return a.Engine.RunImportSchedule(ctx, s.ID, s.ImportSchedule)
		})
		log.WithFields(logger.Fields{logger.FieldSink: s.ID, "schedule": s.ImportSchedule}).Info("import of new chunks scheduled")
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	log.WithFields(logger.Fields{
		"concurrency":   cfg.WorkerConcurrency,
		"visibility":    cfg.VisibilityTimeout.String(),
		"job_timeout":   cfg.JobTimeout.String(),
		"lint_schedule": cfg.LintSchedule,
	}).Info("worker started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
		return
	}
	log.Info("worker stopped")
}
