package engine

import (
	"context"
	"errors"

	"chunk-pipeline/internal/broadcast"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/telemetry"
)

const lintLock = "linter"

// LintReport counts the repairs of one linter run.
type LintReport struct {
	StaleLinks    int  `json:"stale_links"`
	StalledStages int  `json:"stalled_stages"`
	SideRows      int  `json:"side_rows"`
	Skipped       bool `json:"skipped"`
}

// Lint runs the reconciliation sweeps. Overlapping runs, locally or on another
// node, are skipped and reported as such.
func (e *Engine) Lint(ctx context.Context) (LintReport, error) {
	if !e.linting.CompareAndSwap(false, true) {
		return LintReport{Skipped: true}, nil
	}
	defer e.linting.Store(false)

	token, ok, err := e.queue.AcquireLock(ctx, lintLock, e.opts.LintLockTTL)
	if err != nil {
		return LintReport{}, err
	}
	if !ok {
		e.log.Info("linter already running elsewhere")
		return LintReport{Skipped: true}, nil
	}
	defer func() {
		if err := e.queue.ReleaseLock(context.WithoutCancel(ctx), lintLock, token); err != nil {
			e.log.WithError(err).Warn("release linter lock")
		}
	}()

	var report LintReport
	var errs []error
	if report.StaleLinks, err = e.sweepStaleLinks(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.StalledStages, err = e.sweepStalled(ctx); err != nil {
		errs = append(errs, err)
	}
	if report.SideRows, err = e.sweepSideRows(ctx); err != nil {
		errs = append(errs, err)
	}

	e.log.WithFields(logger.Fields{
		"stale_links":    report.StaleLinks,
		"stalled_stages": report.StalledStages,
		"side_rows":      report.SideRows,
	}).Info("lint finished")
	if report.StaleLinks+report.StalledStages+report.SideRows > 0 {
		e.publish(ctx, broadcast.Event{Kind: broadcast.KindLinted})
	}
	return report, errors.Join(errs...)
}

// batchLive tells whether links to batchID are still legitimate. Missing
// batches count as live while their side row is younger than the freshness
// window, which covers a dispatch between claiming and submitting.
func (e *Engine) batchLive(ctx context.Context, batchID string) (bool, error) {
	now := e.now()
	b, err := e.queue.Batch(ctx, batchID)
	if err == nil {
		return b.Live(now, e.opts.LintFreshness), nil
	}
	if !errors.Is(err, ErrBatchNotFound) {
		return false, err
	}
	bs, err := e.store.GetBatchSink(ctx, batchID)
	if err != nil {
		return false, nil
	}
	return bs.CreatedAt.After(now.Add(-e.opts.LintFreshness)), nil
}

// sweepStaleLinks clears batch links that point at dead batches.
func (e *Engine) sweepStaleLinks(ctx context.Context) (int, error) {
	chunks, err := e.store.ListLinked(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool)
	repaired := 0
	for _, c := range chunks {
		var dead []string
		for _, stage := range []models.Stage{models.StageFetch, models.StageImport} {
			id := c.StageBatch(stage)
			if id == "" {
				continue
			}
			ok, seen := live[id]
			if !seen {
				if ok, err = e.batchLive(ctx, id); err != nil {
					return repaired, err
				}
				live[id] = ok
			}
			if !ok {
				dead = append(dead, id)
			}
		}
		if len(dead) == 0 {
			continue
		}
		cleared, err := e.store.ClearBatchLinks(ctx, c.ID, dead)
		if err != nil {
			return repaired, err
		}
		if cleared {
			repaired++
			telemetry.LinterRepairs.WithLabelValues("stale_link").Inc()
			e.log.WithFields(logger.Fields{
				logger.FieldSink:  c.SinkID,
				logger.FieldChunk: c.ChunkID,
				"batches":         dead,
			}).Info("cleared stale batch link")
		}
	}
	return repaired, nil
}

// sweepStalled fails stages that stayed in progress past the stall threshold.
func (e *Engine) sweepStalled(ctx context.Context) (int, error) {
	chunks, err := e.store.ListInProgress(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-e.opts.LintStallAfter)
	repaired := 0
	for _, c := range chunks {
		if !c.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, stage := range []models.Stage{models.StageFetch, models.StageImport} {
			if c.StageStatus(stage) != models.StatusInProgress {
				continue
			}
			ok, err := e.store.MarkStalled(ctx, c.ID, stage, cutoff, models.StalledMessage)
			if err != nil {
				return repaired, err
			}
			if !ok {
				continue
			}
			repaired++
			telemetry.LinterRepairs.WithLabelValues("stalled").Inc()
			e.audit(ctx, c.ID, stage, "stalled", models.StalledMessage)
			e.log.WithFields(logger.Fields{
				logger.FieldSink:  c.SinkID,
				logger.FieldChunk: c.ChunkID,
				logger.FieldStage: string(stage),
			}).Warn("marked stalled stage failed")
		}
	}
	return repaired, nil
}

// sweepSideRows deletes batch sink rows of finished batches and of batches
// that vanished longer than the freshness window ago.
func (e *Engine) sweepSideRows(ctx context.Context) (int, error) {
	rows, err := e.store.ListBatchSinks(ctx, "")
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-e.opts.LintFreshness)
	removed := 0
	for _, row := range rows {
		b, err := e.queue.Batch(ctx, row.BatchID)
		switch {
		case errors.Is(err, ErrBatchNotFound):
			if row.CreatedAt.After(cutoff) {
				continue
			}
		case err != nil:
			return removed, err
		case !b.Finished():
			continue
		}
		if err := e.store.DeleteBatchSink(ctx, row.BatchID); err != nil {
			return removed, err
		}
		removed++
		telemetry.LinterRepairs.WithLabelValues("side_row").Inc()
		e.log.WithFields(logger.Fields{
			logger.FieldBatchID: row.BatchID,
			logger.FieldSink:    row.SinkID,
		}).Info("deleted batch sink row")
	}
	return removed, nil
}
