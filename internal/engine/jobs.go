package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/sink"
	"chunk-pipeline/internal/worker"
)

// Handlers returns the worker handlers of every chunk job type.
func (e *Engine) Handlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		models.JobFetch:          e.handlerFor(models.OpFetch),
		models.JobImport:         e.handlerFor(models.OpImport),
		models.JobDeleteFetched:  e.handlerFor(models.OpDeleteFetched),
		models.JobDeleteImported: e.handlerFor(models.OpDeleteImported),
	}
}

func (e *Engine) handlerFor(op models.Operation) worker.Handler {
	return func(ctx context.Context, job models.Job) error {
		return e.RunJob(ctx, job, op)
	}
}

// adapterResult carries whatever an adapter call produced.
type adapterResult struct {
	fetch   sink.FetchResult
	records int64
	err     error
	stack   []byte
}

// RunJob performs one state transition cycle of op on the job's chunk.
// Failures before the stage is marked in progress leave the chunk untouched;
// they are logged with the chunk and stage instead.
func (e *Engine) RunJob(ctx context.Context, job models.Job, op models.Operation) error {
	stage := op.Stage()
	abort := func(step string, err error) error {
		logger.FromContext(ctx).WithError(err).WithFields(logger.Fields{
			logger.FieldChunk: job.ChunkID,
			logger.FieldStage: string(stage),
		}).Error("job aborted before start: " + step)
		return fmt.Errorf("%s chunk %d (%s): %w", step, job.ChunkID, stage, err)
	}

	chunk, err := e.store.GetChunk(ctx, job.ChunkID)
	if err != nil {
		return abort("load", err)
	}
	s, err := e.sinks.Get(chunk.SinkID)
	if err != nil {
		return abort("resolve sink", err)
	}
	log := logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldSink:  s.ID,
		logger.FieldChunk: chunk.ChunkID,
		logger.FieldStage: string(stage),
	})

	if op == models.OpImport && s.SingleState {
		n, err := e.store.ResetImports(ctx, s.ID, chunk.ID)
		if err != nil {
			return abort("reset single state imports", err)
		}
		if n > 0 {
			log.WithField("reset", n).Info("reset imports of single state sink")
		}
	}

	chunk.ResetStage(stage, models.StatusInProgress)
	if err := e.store.SaveStage(ctx, chunk, stage); err != nil {
		return abort("mark in progress", err)
	}
	e.audit(ctx, chunk.ID, stage, "started", op.String())

	res := e.callAdapter(ctx, s, chunk, op)

	// The outcome is persisted even when the job context is already done.
	saveCtx := context.WithoutCancel(ctx)
	now := e.now()
	if res.err != nil {
		msg := Summarize(res.err, res.stack, e.opts.MaxMessageBytes, e.opts.MaxTraceLines)
		chunk.SetStageStatus(stage, models.StatusFailed, &msg)
	} else {
		applySuccess(&chunk, op, res, now)
	}
	chunk.ClearStageBatch(stage)
	if err := e.store.SaveStage(saveCtx, chunk, stage); err != nil {
		log.WithError(err).Error("persist job outcome")
		if res.err == nil {
			return err
		}
	}

	if res.err != nil {
		e.audit(saveCtx, chunk.ID, stage, "failed", truncate(res.err.Error(), e.opts.MaxMessageBytes))
		return fmt.Errorf("%s chunk %s: %w", op, chunk.ChunkID, res.err)
	}
	e.audit(saveCtx, chunk.ID, stage, "finished", op.String())
	fields := logger.Fields{"operation": op.String()}
	if op == models.OpFetch && chunk.FetchSize != nil {
		fields["size"] = humanize.Bytes(uint64(*chunk.FetchSize))
	}
	if op == models.OpImport && chunk.ImportSize != nil {
		fields["records"] = humanize.Comma(*chunk.ImportSize)
	}
	log.WithFields(fields).Info("chunk stage done")
	return nil
}

func applySuccess(c *models.Chunk, op models.Operation, res adapterResult, now time.Time) {
	switch op {
	case models.OpFetch:
		size := res.fetch.Size
		version := res.fetch.Version
		artifact := res.fetch.Artifact
		c.FetchStatus = models.StatusFinished
		c.FetchSize = &size
		c.FetchVersion = &version
		c.FetchArtifact = &artifact
		c.FetchedAt = &now
	case models.OpImport:
		records := res.records
		c.ImportStatus = models.StatusFinished
		c.ImportSize = &records
		c.ImportVersion = c.FetchVersion
		c.ImportedAt = &now
	case models.OpDeleteFetched:
		c.ResetStage(models.StageFetch, models.StatusNew)
		c.FetchArtifact = nil
	case models.OpDeleteImported:
		c.ResetStage(models.StageImport, models.StatusNew)
	}
}

// callAdapter runs the adapter call under the job timeout. The call runs on
// its own goroutine so an adapter that ignores its context still cannot hold
// the job past the deadline.
func (e *Engine) callAdapter(ctx context.Context, s *sink.Sink, c models.Chunk, op models.Operation) adapterResult {
	ctx, cancel := context.WithTimeout(ctx, e.opts.JobTimeout)
	defer cancel()

	done := make(chan adapterResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- adapterResult{err: fmt.Errorf("panic: %v", r), stack: debug.Stack()}
			}
		}()
		done <- invoke(ctx, s.Adapter, c, op)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%s exceeded the %s job timeout: %w", op, e.opts.JobTimeout, err)
		}
		return adapterResult{err: err}
	}
}

func invoke(ctx context.Context, a sink.Adapter, c models.Chunk, op models.Operation) adapterResult {
	var res adapterResult
	switch op {
	case models.OpFetch:
		res.fetch, res.err = a.Fetch(ctx, c.ChunkID)
	case models.OpImport:
		if c.FetchStatus != models.StatusFinished || c.FetchArtifact == nil {
			res.err = errors.New("chunk has no fetched data to import")
			break
		}
		res.records, res.err = a.Import(ctx, c.ChunkID, *c.FetchArtifact)
	case models.OpDeleteFetched:
		artifact := ""
		if c.FetchArtifact != nil {
			artifact = *c.FetchArtifact
		}
		res.err = a.DeleteFetched(ctx, c.ChunkID, artifact)
	case models.OpDeleteImported:
		res.err = a.DeleteImported(ctx, c.ChunkID)
	default:
		res.err = fmt.Errorf("%w: %d", ErrUnknownOperation, int(op))
	}
	return res
}

func (e *Engine) audit(ctx context.Context, chunkID int64, stage models.Stage, event, detail string) {
	if err := e.store.AppendAudit(ctx, chunkID, stage, event, detail); err != nil {
		e.log.WithError(err).WithField(logger.FieldChunk, chunkID).Warn("append audit")
	}
}
