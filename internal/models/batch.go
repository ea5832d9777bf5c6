package models

import (
	"time"
)

// Batch is a named group of jobs tracked as one unit by the queue.
type Batch struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	TotalJobs   int64      `json:"total_jobs"`
	PendingJobs int64      `json:"pending_jobs"`
	FailedJobs  int64      `json:"failed_jobs"`
	CreatedAt   time.Time  `json:"created_at"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ProcessedJobs is the number of jobs that reached a terminal state.
func (b Batch) ProcessedJobs() int64 {
	return b.TotalJobs - b.PendingJobs
}

// Cancelled reports whether the batch was explicitly stopped.
func (b Batch) Cancelled() bool {
	return b.CancelledAt != nil
}

// Finished reports whether every job of the batch was processed.
func (b Batch) Finished() bool {
	return b.FinishedAt != nil
}

// Running reports whether the batch may still start jobs.
func (b Batch) Running() bool {
	return !b.Cancelled() && !b.Finished()
}

// Live reports whether chunk links to this batch are still legitimate at now.
// Batches that stopped less than freshness ago count as live so the completion
// callback gets to release its own links first.
func (b Batch) Live(now time.Time, freshness time.Duration) bool {
	cutoff := now.Add(-freshness)
	if b.FinishedAt != nil && !b.FinishedAt.After(cutoff) {
		return false
	}
	if b.CancelledAt != nil && !b.CancelledAt.After(cutoff) {
		return false
	}
	return true
}

// BatchSink links a queue batch to the sink it operates on.
type BatchSink struct {
	BatchID   string    `json:"batch_id"`
	SinkID    string    `json:"sink_id"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchStatus is the caller facing view of a batch.
type BatchStatus struct {
	Batch
	SinkID    string `json:"sink_id"`
	Processed int64  `json:"processed_jobs"`
	Cancelled bool   `json:"cancelled"`
	Finished  bool   `json:"finished"`
}

// NewBatchStatus combines a batch with its sink.
func NewBatchStatus(b Batch, sinkID string) BatchStatus {
	return BatchStatus{
		Batch:     b,
		SinkID:    sinkID,
		Processed: b.ProcessedJobs(),
		Cancelled: b.Cancelled(),
		Finished:  b.Finished(),
	}
}
