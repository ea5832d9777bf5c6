// Package app wires the shared runtime of the api, worker and chunkctl binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"chunk-pipeline/internal/broadcast"
	"chunk-pipeline/internal/config"
	"chunk-pipeline/internal/engine"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/queue"
	"chunk-pipeline/internal/sink"
	"chunk-pipeline/internal/sink/httpsink"
	"chunk-pipeline/internal/store"
	"chunk-pipeline/internal/worker"
)

// App holds the connected components.
type App struct {
	Config config.Config
	Log    *logger.Logger
	Store  *store.Store
	Queue  *queue.RedisQueue
	Events *broadcast.Publisher
	Sinks  *sink.Registry
	Engine *engine.Engine
}

// Logger builds the process logger from config.
func Logger(cfg config.Config, service string) *logger.Logger {
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, ServiceName: service})
	logger.SetDefault(log)
	return log
}

// Open connects Postgres and Redis, runs migrations and builds the engine.
func Open(ctx context.Context, cfg config.Config, log *logger.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	applied, err := st.RunMigrations(ctx)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	if len(applied) > 0 {
		log.WithField("versions", applied).Info("migrations applied")
	}

	q := queue.NewRedisQueue(cfg)
	if err := q.Client().Ping(ctx).Err(); err != nil {
		st.Close()
		_ = q.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	sinks, err := httpsink.Build(ctx, cfg, httpsink.NewPostgresRecords(st.Pool(), cfg.ImportBatchRows))
	if err != nil {
		st.Close()
		_ = q.Close()
		return nil, err
	}

	events := broadcast.NewPublisher(q.Client(), cfg.BroadcastChannel)
	cache := sink.NewChunkCache(st, cfg.ChunkCacheTTL, nil)
	eng := engine.New(st, q, sinks, cache, events, engine.OptionsFromConfig(cfg), log)

	log.WithField("sinks", len(sinks.List())).Info("runtime ready")
	return &App{
		Config: cfg,
		Log:    log,
		Store:  st,
		Queue:  q,
		Events: events,
		Sinks:  sinks,
		Engine: eng,
	}, nil
}

// NewProcessor builds a worker processor running the chunk jobs.
func (a *App) NewProcessor(workerID string) *worker.Processor {
	p := worker.NewProcessorWithID(a.Config, a.Queue, a.Log, workerID)
	p.Use(
		worker.SkipIfBatchCancelled(a.Queue),
		worker.BatchErrorLimit(a.Queue, a.Config.MaxBatchErrors, a.Config.MaxBatchErrorsUnit),
		worker.WithoutOverlapping(a.Queue, a.Config.JobTimeout+time.Minute),
	)
	for jobType, handler := range a.Engine.Handlers() {
		p.RegisterHandler(jobType, handler)
	}
	p.AddObserver(a.Engine)
	return p
}

func (a *App) Close() {
	if err := a.Queue.Close(); err != nil {
		a.Log.WithError(err).Warn("close redis")
	}
	a.Store.Close()
}
