package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"chunk-pipeline/internal/broadcast"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/store"
	"chunk-pipeline/internal/telemetry"
)

// BatchStatus returns the counters of a batch and the sink it works on. The
// sink is empty once the completion callback or the linter removed the side row.
func (e *Engine) BatchStatus(ctx context.Context, batchID string) (models.BatchStatus, error) {
	b, err := e.queue.Batch(ctx, batchID)
	if err != nil {
		return models.BatchStatus{}, err
	}
	return models.NewBatchStatus(b, e.sinkOf(ctx, batchID)), nil
}

func (e *Engine) sinkOf(ctx context.Context, batchID string) string {
	bs, err := e.store.GetBatchSink(ctx, batchID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.WithError(err).WithField(logger.FieldBatchID, batchID).Warn("load batch sink")
		}
		return ""
	}
	return bs.SinkID
}

// ListActiveBatches returns the running batches with pending jobs, optionally
// restricted to one sink.
func (e *Engine) ListActiveBatches(ctx context.Context, sinkID string) ([]models.BatchStatus, error) {
	rows, err := e.store.ListBatchSinks(ctx, sinkID)
	if err != nil {
		return nil, err
	}
	out := make([]models.BatchStatus, 0, len(rows))
	for _, row := range rows {
		b, err := e.queue.Batch(ctx, row.BatchID)
		if errors.Is(err, ErrBatchNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !b.Running() || b.PendingJobs == 0 {
			continue
		}
		out = append(out, models.NewBatchStatus(b, row.SinkID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CancelBatch stops a running batch. Jobs already running finish; jobs not yet
// started are skipped. It reports false when the batch was already cancelled
// or finished.
func (e *Engine) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	b, err := e.queue.Batch(ctx, batchID)
	if err != nil {
		return false, err
	}
	if !b.Running() {
		return false, nil
	}
	ok, err := e.queue.CancelBatch(ctx, batchID)
	if err != nil || !ok {
		return false, err
	}
	telemetry.BatchesCancelled.WithLabelValues("request").Inc()
	e.log.WithField(logger.FieldBatchID, batchID).Info("batch cancelled on request")
	if status, err := e.BatchStatus(ctx, batchID); err == nil {
		e.publish(ctx, broadcast.Event{Kind: broadcast.KindCancelled, SinkID: status.SinkID, Batch: &status})
	}
	return true, nil
}

// BatchProgress broadcasts the counters of a batch after one of its jobs ended.
func (e *Engine) BatchProgress(ctx context.Context, b models.Batch) {
	sinkID := e.sinkOf(ctx, b.ID)
	status := models.NewBatchStatus(b, sinkID)
	e.publish(ctx, broadcast.Event{Kind: broadcast.KindProgress, SinkID: sinkID, Batch: &status})
}

// BatchCompleted runs once when the last job of a batch ended. It releases the
// chunks still linked to the batch, drops the side row and flags a run that
// ended with failures as cancelled.
func (e *Engine) BatchCompleted(ctx context.Context, b models.Batch) {
	sinkID := e.sinkOf(ctx, b.ID)
	log := e.log.WithFields(logger.Fields{
		logger.FieldBatchID: b.ID,
		logger.FieldSink:    sinkID,
		"processed":         b.ProcessedJobs(),
		"total":             b.TotalJobs,
		"failed":            b.FailedJobs,
		"cancelled":         b.Cancelled(),
	})
	log.Info(fmt.Sprintf("batch %q completed", b.Name))

	released, err := e.store.ReleaseBatch(ctx, b.ID)
	if err != nil {
		log.WithError(err).Error("release chunks of completed batch")
	} else if released > 0 {
		log.WithField("released", released).Info("released chunk links")
	}
	if err := e.store.DeleteBatchSink(ctx, b.ID); err != nil {
		log.WithError(err).Error("delete batch sink")
	}

	if b.FailedJobs > 0 && !b.Cancelled() {
		if ok, err := e.queue.CancelBatch(ctx, b.ID); err != nil {
			log.WithError(err).Error("cancel batch with failures")
		} else if ok {
			telemetry.BatchesCancelled.WithLabelValues("failures").Inc()
			log.Warn("batch finished with failures, flagged cancelled")
		}
		if reloaded, err := e.queue.Batch(ctx, b.ID); err == nil {
			b = reloaded
		}
	}

	status := models.NewBatchStatus(b, sinkID)
	e.publish(ctx, broadcast.Event{Kind: broadcast.KindCompleted, SinkID: sinkID, Batch: &status})
}
