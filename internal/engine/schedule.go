package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/sink"
)

// RunLintSchedule runs Lint on a cron schedule until ctx is done.
func (e *Engine) RunLintSchedule(ctx context.Context, schedule string) error {
	log := e.log.WithField("schedule", schedule)
	return e.runSchedule(ctx, "lint", schedule, log, func(ctx context.Context) {
		if _, err := e.Lint(ctx); err != nil {
			log.WithError(err).Error("scheduled lint failed")
		}
	})
}

// RunImportSchedule imports the new chunks of a sink on a cron schedule until
// ctx is done.
func (e *Engine) RunImportSchedule(ctx context.Context, sinkID, schedule string) error {
	if _, err := e.sinks.Get(sinkID); err != nil {
		return err
	}
	log := e.log.WithFields(logger.Fields{logger.FieldSink: sinkID, "schedule": schedule})
	return e.runSchedule(ctx, "import "+sinkID, schedule, log, func(ctx context.Context) {
		if _, err := e.scheduledImport(ctx, sinkID); err != nil {
			log.WithError(err).Error("scheduled import failed")
		}
	})
}

// scheduledImport rediscovers the chunks of a live sink and imports the new ones.
func (e *Engine) scheduledImport(ctx context.Context, sinkID string) (*string, error) {
	s, err := e.sinks.Get(sinkID)
	if err != nil {
		return nil, err
	}
	if s.Status != sink.StatusLive {
		e.log.WithFields(logger.Fields{logger.FieldSink: s.ID, "status": s.Status}).Info("scheduled import skipped")
		return nil, nil
	}
	if e.cache != nil {
		e.cache.Invalidate(s.ID)
	}
	return e.ImportNewChunks(ctx, s.ID, DefaultNewChunkScan)
}

func (e *Engine) runSchedule(ctx context.Context, name, schedule string, log *logger.Logger, run func(context.Context)) error {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return fmt.Errorf("parse %s schedule %q: %w", name, schedule, err)
	}
	for {
		next := expr.Next(e.now())
		if next.IsZero() {
			return fmt.Errorf("%s schedule %q has no future runs", name, schedule)
		}
		log.WithField("next_run", next.UTC().Format(time.RFC3339)).Debug(name + " scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		run(ctx)
	}
}
