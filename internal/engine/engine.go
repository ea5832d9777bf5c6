// Package engine implements chunk selection, batch dispatch, the per job
// state transitions and the reconciliation sweeps.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"chunk-pipeline/internal/broadcast"
	"chunk-pipeline/internal/config"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/queue"
	"chunk-pipeline/internal/sink"
	"chunk-pipeline/internal/store"
)

// Store is the chunk persistence the engine needs.
type Store interface {
	GetChunk(ctx context.Context, id int64) (models.Chunk, error)
	GetChunks(ctx context.Context, sinkID string, ids []int64) ([]models.Chunk, error)
	ListChunks(ctx context.Context, sinkID string, limit, offset int) ([]models.Chunk, error)
	ListLinked(ctx context.Context) ([]models.Chunk, error)
	ListInProgress(ctx context.Context) ([]models.Chunk, error)
	SaveStage(ctx context.Context, c models.Chunk, stage models.Stage) error
	ClaimChunks(ctx context.Context, sinkID, batchID string, claims []store.Claim) ([]int64, error)
	ReleaseBatch(ctx context.Context, batchID string) (int64, error)
	ClearBatchLinks(ctx context.Context, chunkID int64, batchIDs []string) (bool, error)
	MarkStalled(ctx context.Context, chunkID int64, stage models.Stage, cutoff time.Time, message string) (bool, error)
	ResetImports(ctx context.Context, sinkID string, exceptID int64) (int64, error)
	InsertChunkIDs(ctx context.Context, sinkID string, chunkIDs []string) (int64, error)
	RemoveChunk(ctx context.Context, id int64) error
	PutBatchSink(ctx context.Context, batchID, sinkID string) error
	GetBatchSink(ctx context.Context, batchID string) (models.BatchSink, error)
	DeleteBatchSink(ctx context.Context, batchID string) error
	ListBatchSinks(ctx context.Context, sinkID string) ([]models.BatchSink, error)
	AppendAudit(ctx context.Context, chunkID int64, stage models.Stage, event, detail string) error
}

// Substrate runs batches of jobs.
type Substrate interface {
	NewBatchID() string
	SubmitBatch(ctx context.Context, batchID, name string, specs []queue.JobSpec) (models.Batch, error)
	Batch(ctx context.Context, batchID string) (models.Batch, error)
	CancelBatch(ctx context.Context, batchID string) (bool, error)
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// Broadcaster publishes status events.
type Broadcaster interface {
	Publish(ctx context.Context, ev broadcast.Event) error
}

// Options tune the engine.
type Options struct {
	JobTimeout      time.Duration
	DeleteRetention time.Duration
	LintFreshness   time.Duration
	LintStallAfter  time.Duration
	LintLockTTL     time.Duration
	MaxMessageBytes int
	MaxTraceLines   int
	// Now is the engine clock. Defaults to time.Now.
	Now func() time.Time
}

// OptionsFromConfig maps runtime config onto engine options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		JobTimeout:      cfg.JobTimeout,
		DeleteRetention: cfg.DeleteAgeThreshold,
		LintFreshness:   cfg.LintFreshness,
		LintStallAfter:  cfg.LintStallAfter,
	}
}

func (o Options) withDefaults() Options {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 240 * time.Second
	}
	if o.DeleteRetention <= 0 {
		o.DeleteRetention = 10 * 24 * time.Hour
	}
	if o.LintFreshness <= 0 {
		o.LintFreshness = time.Hour
	}
	if o.LintStallAfter <= 0 {
		o.LintStallAfter = 4 * time.Hour
	}
	if o.LintLockTTL <= 0 {
		o.LintLockTTL = 10 * time.Minute
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1024
	}
	if o.MaxTraceLines <= 0 {
		o.MaxTraceLines = 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine is the operation surface callers use.
type Engine struct {
	store Store
	queue Substrate
	sinks *sink.Registry
	cache *sink.ChunkCache
	bus   Broadcaster
	opts  Options
	log   *logger.Logger

	linting atomic.Bool
}

// New wires an engine. A nil broadcaster discards events.
func New(st Store, q Substrate, sinks *sink.Registry, cache *sink.ChunkCache, bus Broadcaster, opts Options, log *logger.Logger) *Engine {
	if bus == nil {
		bus = broadcast.Discard{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		store: st,
		queue: q,
		sinks: sinks,
		cache: cache,
		bus:   bus,
		opts:  opts.withDefaults(),
		log:   log.Component("engine"),
	}
}

// Sinks exposes the sink registry.
func (e *Engine) Sinks() []sink.Info {
	return e.sinks.List()
}

func (e *Engine) now() time.Time {
	return e.opts.Now()
}

func (e *Engine) publish(ctx context.Context, ev broadcast.Event) {
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.log.WithError(err).WithField("kind", ev.Kind).Warn("broadcast failed")
	}
}

// materialize creates rows for chunks the sink offers. Failures are logged and
// do not block operations on chunks that already exist.
func (e *Engine) materialize(ctx context.Context, s *sink.Sink) {
	if e.cache == nil {
		return
	}
	if _, err := e.cache.Ensure(ctx, s); err != nil {
		e.log.WithError(err).WithField(logger.FieldSink, s.ID).Warn("chunk materialization failed")
	}
}
