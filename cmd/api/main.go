package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "chunk-pipeline/internal/api"
	"chunk-pipeline/internal/app"
	"chunk-pipeline/internal/config"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatal("load config")
	}
	log := app.Logger(cfg, "chunk-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("start api")
	}
	defer a.Close()

	limiter := ratelimit.NewTokenBucket(a.Queue.Client(), "rl:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(a.Engine, a.Queue, limiter, a.Events, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
