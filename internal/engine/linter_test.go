package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunk-pipeline/internal/broadcast"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/queue"
)

func TestLintMarksStalledStages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	stuck := h.put(models.Chunk{
		ChunkID:     "001",
		FetchStatus: models.StatusInProgress,
		UpdatedAt:   h.now.Add(-6 * time.Hour),
	})
	busy := h.put(models.Chunk{
		ChunkID:      "002",
		FetchStatus:  models.StatusFinished,
		ImportStatus: models.StatusInProgress,
		UpdatedAt:    h.now.Add(-time.Hour),
	})

	report, err := h.engine.Lint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StalledStages)

	got := h.chunk(stuck.ID)
	assert.Equal(t, models.StatusFailed, got.FetchStatus)
	require.NotNil(t, got.FetchMessage)
	assert.Equal(t, models.StalledMessage, *got.FetchMessage)
	assert.True(t, got.NeedFetch())
	assert.Equal(t, models.StatusInProgress, h.chunk(busy.ID).ImportStatus)

	audit := h.store.Audit()
	require.Len(t, audit, 1)
	assert.Equal(t, "stalled", audit[0].Event)
	assert.Contains(t, h.bus.kinds(), broadcast.KindLinted)
}

func TestLintClearsLinksOfMissingBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	orphan := h.put(models.Chunk{ChunkID: "001", FetchBatch: strPtr("gone")})

	// A batch between claiming and submitting: side row written, no Redis batch yet.
	require.NoError(t, h.store.PutBatchSink(ctx, "young", "S1"))
	young := h.put(models.Chunk{ChunkID: "002", ImportBatch: strPtr("young")})

	report, err := h.engine.Lint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleLinks)
	assert.Equal(t, 0, report.SideRows)
	assert.True(t, h.chunkRef(orphan.ID).NotInBatch())
	assert.Equal(t, "young", h.chunkRef(young.ID).StageBatch(models.StageImport))

	h.now = h.now.Add(2 * time.Hour)
	report, err = h.engine.Lint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleLinks)
	assert.Equal(t, 1, report.SideRows)
	assert.True(t, h.chunkRef(young.ID).NotInBatch())
	_, err = h.store.GetBatchSink(ctx, "young")
	assert.Error(t, err)
}

func TestLintKeepsLinksOfRunningBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.put(models.Chunk{ChunkID: "001"})
	id := h.dispatch(models.OpFetch, c.ID)
	require.NotNil(t, id)

	h.now = h.now.Add(3 * time.Hour)
	report, err := h.engine.Lint(ctx)
	require.NoError(t, err)
	assert.Equal(t, LintReport{}, report)
	assert.Equal(t, *id, h.chunkRef(c.ID).StageBatch(models.StageFetch))

	rows, err := h.store.ListBatchSinks(ctx, "S1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLintClearsLinksOfCancelledBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.put(models.Chunk{ChunkID: "001"})
	id := h.dispatch(models.OpFetch, c.ID)
	require.NotNil(t, id)
	ok, err := h.engine.CancelBatch(ctx, *id)
	require.NoError(t, err)
	require.True(t, ok)

	// Recently cancelled batches keep their links for the completion callback.
	report, err := h.engine.Lint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.StaleLinks)

	h.now = h.now.Add(2 * time.Hour)
	report, err = h.engine.Lint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StaleLinks)
	assert.True(t, h.chunkRef(c.ID).NotInBatch())
	assert.Equal(t, 0, report.SideRows, "the batch still has a pending job")
}

func TestLintDeletesSideRowsOfFinishedBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.queue.SubmitBatch(ctx, "done", "Fetch chunks", []queue.JobSpec{{Type: models.JobFetch, ChunkID: 404}})
	require.NoError(t, err)
	h.runJobs()

	b, err := h.queue.Batch(ctx, "done")
	require.NoError(t, err)
	require.True(t, b.Finished())

	require.NoError(t, h.store.PutBatchSink(ctx, "done", "S1"))
	report, err := h.engine.Lint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.SideRows)
	rows, err := h.store.ListBatchSinks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLintSkipsWhenLockIsHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	stuck := h.put(models.Chunk{ChunkID: "001", FetchStatus: models.StatusInProgress, UpdatedAt: h.now.Add(-6 * time.Hour)})

	token, ok, err := h.queue.AcquireLock(ctx, lintLock, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.engine.Lint(ctx)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, models.StatusInProgress, h.chunk(stuck.ID).FetchStatus)

	require.NoError(t, h.queue.ReleaseLock(ctx, lintLock, token))
	report, err = h.engine.Lint(ctx)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.StalledStages)
}

func TestRunLintScheduleRejectsBadExpression(t *testing.T) {
	h := newHarness(t)
	err := h.engine.RunLintSchedule(context.Background(), "not a cron")
	assert.Error(t, err)
}

func TestRunLintScheduleStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.engine.RunLintSchedule(ctx, "*/5 * * * *")
	assert.ErrorIs(t, err, context.Canceled)
}
