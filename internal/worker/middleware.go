package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/queue"
	"chunk-pipeline/internal/telemetry"
)

// BatchReader loads batch counters.
type BatchReader interface {
	Batch(ctx context.Context, batchID string) (models.Batch, error)
}

// BatchCanceller loads and cancels batches.
type BatchCanceller interface {
	BatchReader
	CancelBatch(ctx context.Context, batchID string) (bool, error)
}

// Locker hands out named, expiring locks.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, name, token string) error
}

// SkipIfBatchCancelled skips jobs whose batch was cancelled before they started.
func SkipIfBatchCancelled(batches BatchReader) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job models.Job) error {
			b, err := batches.Batch(ctx, job.BatchID)
			if errors.Is(err, queue.ErrBatchNotFound) {
				return fmt.Errorf("batch %s is gone: %w", job.BatchID, ErrSkipped)
			}
			if err != nil {
				return err
			}
			if b.Cancelled() {
				return fmt.Errorf("batch %s cancelled: %w", job.BatchID, ErrSkipped)
			}
			return next(ctx, job)
		}
	}
}

// ErrorLimit returns the absolute failure limit for a batch of total jobs.
// With unit "%" the limit is a percentage of total.
func ErrorLimit(limit float64, unit string, total int64) float64 {
	if unit == "%" {
		return limit * float64(total) / 100
	}
	return limit
}

// BatchErrorLimit aborts a batch once its failures reach the configured limit.
// The job that observes the trip cancels the batch and is skipped; later jobs
// are skipped by the same check. A non-positive limit disables the breaker.
func BatchErrorLimit(batches BatchCanceller, limit float64, unit string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job models.Job) error {
			b, err := batches.Batch(ctx, job.BatchID)
			if errors.Is(err, queue.ErrBatchNotFound) {
				return next(ctx, job)
			}
			if err != nil {
				return err
			}
			if limit <= 0 {
				return next(ctx, job)
			}
			threshold := ErrorLimit(limit, unit, b.TotalJobs)
			if float64(b.FailedJobs) < threshold || math.IsNaN(threshold) {
				return next(ctx, job)
			}

			telemetry.BreakerTrips.Inc()
			log := logger.FromContext(ctx).WithFields(logger.Fields{
				"limit":  threshold,
				"failed": b.FailedJobs,
				"total":  b.TotalJobs,
			})
			if !b.Cancelled() {
				cancelled, err := batches.CancelBatch(ctx, job.BatchID)
				if err != nil {
					return err
				}
				if cancelled {
					telemetry.BatchesCancelled.WithLabelValues("error_limit").Inc()
					log.Warn("batch error limit reached, batch cancelled")
				}
			}
			return fmt.Errorf("batch %s reached error limit %.2f: %w", job.BatchID, threshold, ErrSkipped)
		}
	}
}

// WithoutOverlapping keeps a single job per chunk stage running cluster wide.
// A job that finds the lock taken is dropped, not retried.
func WithoutOverlapping(locks Locker, ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, job models.Job) error {
			stage, ok := models.StageOfJob(job.Type)
			if !ok {
				return next(ctx, job)
			}
			name := fmt.Sprintf("chunk-%d-%s", job.ChunkID, stage)
			token, acquired, err := locks.AcquireLock(ctx, name, ttl)
			if err != nil {
				return err
			}
			if !acquired {
				return fmt.Errorf("%s is locked: %w", name, ErrSkipped)
			}
			defer func() {
				if err := locks.ReleaseLock(context.WithoutCancel(ctx), name, token); err != nil {
					logger.FromContext(ctx).WithError(err).Warn("release chunk lock")
				}
			}()
			return next(ctx, job)
		}
	}
}
