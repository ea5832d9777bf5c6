package engine

import (
	"context"
	"fmt"

	"chunk-pipeline/internal/broadcast"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/queue"
	"chunk-pipeline/internal/sink"
	"chunk-pipeline/internal/store"
	"chunk-pipeline/internal/telemetry"
)

// DispatchRequest asks for an operation on chunks of a sink.
type DispatchRequest struct {
	SinkID      string           `json:"sink_id"`
	Operation   models.Operation `json:"-"`
	ChunkIDs    []int64          `json:"chunk_ids"`
	ForceFetch  bool             `json:"force_fetch"`
	ForceImport bool             `json:"force_import"`
}

// Dispatch submits a batch for the eligible chunks of the request. It returns
// nil without error when no chunk is eligible.
func (e *Engine) Dispatch(ctx context.Context, req DispatchRequest) (*string, error) {
	s, err := e.sinks.Get(req.SinkID)
	if err != nil {
		return nil, err
	}
	if s.Status == sink.StatusDisabled {
		return nil, fmt.Errorf("sink %s: %w", s.ID, ErrSinkDisabled)
	}

	log := e.log.WithFields(logger.Fields{
		logger.FieldSink: s.ID,
		"operation":      req.Operation.String(),
	})

	opts := SelectOptions{ForceFetch: req.ForceFetch, ForceImport: req.ForceImport}
	chunks, err := e.SelectChunks(ctx, s.ID, req.ChunkIDs, req.Operation, opts)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		log.WithField("requested", len(req.ChunkIDs)).Info("nothing to do")
		return nil, nil
	}

	plans := planJobs(req.Operation, chunks, req.ForceFetch)
	batchID := e.queue.NewBatchID()
	log = log.WithField(logger.FieldBatchID, batchID)

	// The side row goes first so the linter sees a young batch, not a missing one,
	// while the claims exist and the batch is not yet submitted.
	if err := e.store.PutBatchSink(ctx, batchID, s.ID); err != nil {
		return nil, err
	}
	claimed, err := e.store.ClaimChunks(ctx, s.ID, batchID, claimsOf(plans))
	if err != nil {
		e.rollback(ctx, batchID)
		return nil, err
	}
	plans = keepClaimed(plans, claimed)
	if len(plans) == 0 {
		e.rollback(ctx, batchID)
		log.Info("nothing to do, chunks were claimed concurrently")
		return nil, nil
	}

	specs := make([]queue.JobSpec, 0, len(plans))
	for _, p := range plans {
		specs = append(specs, p.spec)
	}
	batch, err := e.queue.SubmitBatch(ctx, batchID, req.Operation.BatchName(), specs)
	if err != nil {
		e.rollback(ctx, batchID)
		return nil, fmt.Errorf("submit batch: %w", err)
	}

	telemetry.BatchesDispatched.WithLabelValues(req.Operation.String()).Inc()
	telemetry.JobsDispatched.Add(float64(batch.TotalJobs))
	log.WithFields(logger.Fields{"chunks": len(plans), "jobs": batch.TotalJobs}).Info("batch dispatched")

	status := models.NewBatchStatus(batch, s.ID)
	e.publish(ctx, broadcast.Event{Kind: broadcast.KindDispatched, SinkID: s.ID, Batch: &status})
	return &batchID, nil
}

// rollback undoes the bookkeeping of a batch that never got submitted.
func (e *Engine) rollback(ctx context.Context, batchID string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := e.store.ReleaseBatch(ctx, batchID); err != nil {
		e.log.WithError(err).WithField(logger.FieldBatchID, batchID).Error("release claims of unsubmitted batch")
	}
	if err := e.store.DeleteBatchSink(ctx, batchID); err != nil {
		e.log.WithError(err).WithField(logger.FieldBatchID, batchID).Error("delete side row of unsubmitted batch")
	}
}

type jobPlan struct {
	chunkID int64
	claim   store.Claim
	spec    queue.JobSpec
}

// planJobs builds one job, or a fetch then import chain, per chunk.
func planJobs(op models.Operation, chunks []models.Chunk, forceFetch bool) []jobPlan {
	plans := make([]jobPlan, 0, len(chunks))
	for _, c := range chunks {
		p := jobPlan{
			chunkID: c.ID,
			claim:   store.Claim{ChunkID: c.ID},
			spec:    queue.JobSpec{Type: op.JobType(), ChunkID: c.ID},
		}
		switch op {
		case models.OpFetch, models.OpDeleteFetched:
			p.claim.Fetch = true
		case models.OpImport:
			p.claim.Import = true
			if forceFetch || c.FetchStatus != models.StatusFinished {
				p.claim.Fetch = true
				p.spec = queue.JobSpec{
					Type:    models.JobFetch,
					ChunkID: c.ID,
					Next:    &queue.JobSpec{Type: models.JobImport, ChunkID: c.ID},
				}
			}
		case models.OpDeleteImported:
			p.claim.Import = true
		}
		plans = append(plans, p)
	}
	return plans
}

func claimsOf(plans []jobPlan) []store.Claim {
	out := make([]store.Claim, len(plans))
	for i, p := range plans {
		out[i] = p.claim
	}
	return out
}

func keepClaimed(plans []jobPlan, claimed []int64) []jobPlan {
	ok := make(map[int64]bool, len(claimed))
	for _, id := range claimed {
		ok[id] = true
	}
	kept := plans[:0]
	for _, p := range plans {
		if ok[p.chunkID] {
			kept = append(kept, p)
		}
	}
	return kept
}
