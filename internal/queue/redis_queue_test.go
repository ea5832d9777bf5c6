package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunk-pipeline/internal/config"
	"chunk-pipeline/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, config.Config{QueueName: "test", VisibilityTimeout: time.Minute}), mr
}

// drain leases and completes every ready job with the outcome chosen by decide.
func drain(t *testing.T, q *RedisQueue, decide func(models.Job) Outcome) (finished int) {
	t.Helper()
	ctx := context.Background()
	for {
		id, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		if id == "" {
			return finished
		}
		job, err := q.Job(ctx, id)
		require.NoError(t, err)
		c, err := q.CompleteJob(ctx, job, decide(job))
		require.NoError(t, err)
		require.True(t, c.Recorded)
		if c.BatchFinished {
			finished++
		}
	}
}

func TestSubmitAndCompleteBatch(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id := q.NewBatchID()
	b, err := q.SubmitBatch(ctx, id, "Import chunks", []JobSpec{
		{Type: models.JobImport, ChunkID: 1},
		{Type: models.JobFetch, ChunkID: 2, Next: &JobSpec{Type: models.JobImport, ChunkID: 2}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, b.TotalJobs)

	depth, err := q.ReadyDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)

	var order []string
	finished := drain(t, q, func(j models.Job) Outcome {
		order = append(order, j.Type)
		return Succeeded
	})
	assert.Equal(t, 1, finished)
	assert.Equal(t, []string{models.JobImport, models.JobFetch, models.JobImport}, order)

	got, err := q.Batch(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Finished())
	assert.EqualValues(t, 0, got.PendingJobs)
	assert.EqualValues(t, 3, got.ProcessedJobs())
	assert.EqualValues(t, 0, got.FailedJobs)
}

func TestFailedHeadSkipsChain(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id := q.NewBatchID()
	_, err := q.SubmitBatch(ctx, id, "Import chunks", []JobSpec{
		{Type: models.JobFetch, ChunkID: 7, Next: &JobSpec{Type: models.JobImport, ChunkID: 7}},
	})
	require.NoError(t, err)

	var ran int
	finished := drain(t, q, func(models.Job) Outcome {
		ran++
		return Failed
	})
	assert.Equal(t, 1, ran, "import must not run after failed fetch")
	assert.Equal(t, 1, finished)

	got, err := q.Batch(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.ProcessedJobs())
	assert.EqualValues(t, 1, got.FailedJobs)
	assert.True(t, got.Finished())
}

func TestSkippedJobsAreProcessedNotFailed(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id := q.NewBatchID()
	_, err := q.SubmitBatch(ctx, id, "Fetch chunks", []JobSpec{
		{Type: models.JobFetch, ChunkID: 1},
		{Type: models.JobFetch, ChunkID: 2},
	})
	require.NoError(t, err)

	drain(t, q, func(models.Job) Outcome { return Skipped })
	got, err := q.Batch(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Finished())
	assert.EqualValues(t, 0, got.FailedJobs)
}

func TestCompleteJobIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id := q.NewBatchID()
	_, err := q.SubmitBatch(ctx, id, "Fetch chunks", []JobSpec{
		{Type: models.JobFetch, ChunkID: 1},
		{Type: models.JobFetch, ChunkID: 2},
	})
	require.NoError(t, err)

	jobID, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	job, err := q.Job(ctx, jobID)
	require.NoError(t, err)

	first, err := q.CompleteJob(ctx, job, Failed)
	require.NoError(t, err)
	assert.True(t, first.Recorded)
	second, err := q.CompleteJob(ctx, job, Failed)
	require.NoError(t, err)
	assert.False(t, second.Recorded)

	got, err := q.Batch(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.FailedJobs)
	assert.EqualValues(t, 1, got.PendingJobs)

	job, err = q.Job(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, job.Done)
}

func TestCancelBatch(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.CancelBatch(ctx, "missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	id := q.NewBatchID()
	_, err = q.SubmitBatch(ctx, id, "Fetch chunks", []JobSpec{{Type: models.JobFetch, ChunkID: 1}})
	require.NoError(t, err)

	ok, err := q.CancelBatch(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.CancelBatch(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := q.Batch(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Cancelled())
	assert.False(t, got.Running())

	drain(t, q, func(models.Job) Outcome { return Skipped })
	got, err = q.Batch(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Finished())
}

func TestCancelFinishedBatchFlagsIt(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id := q.NewBatchID()
	_, err := q.SubmitBatch(ctx, id, "Fetch chunks", []JobSpec{{Type: models.JobFetch, ChunkID: 1}})
	require.NoError(t, err)
	drain(t, q, func(models.Job) Outcome { return Failed })

	ok, err := q.CancelBatch(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := q.Batch(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Finished())
	assert.True(t, got.Cancelled())
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id := q.NewBatchID()
	_, err := q.SubmitBatch(ctx, id, "Fetch chunks", []JobSpec{{Type: models.JobFetch, ChunkID: 1}})
	require.NoError(t, err)

	jobID, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{jobID}, reclaimed)

	again, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobID, again)
}

func TestExtendLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.SubmitBatch(ctx, q.NewBatchID(), "Fetch chunks", []JobSpec{{Type: models.JobFetch, ChunkID: 1}})
	require.NoError(t, err)
	jobID, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)

	held, err := q.ExtendLease(ctx, jobID, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, held)

	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "extended lease must outlive the visibility timeout")

	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{jobID}, reclaimed)

	held, err = q.ExtendLease(ctx, jobID, time.Minute)
	require.NoError(t, err)
	assert.False(t, held, "a reclaimed lease is not resurrected")
	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)
}

func TestLocks(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	token, ok, err := q.AcquireLock(ctx, "chunk-1-fetch", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.AcquireLock(ctx, "chunk-1-fetch", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.ReleaseLock(ctx, "chunk-1-fetch", "stale-token"))
	_, ok, _ = q.AcquireLock(ctx, "chunk-1-fetch", time.Minute)
	assert.False(t, ok, "wrong token must not release")

	require.NoError(t, q.ReleaseLock(ctx, "chunk-1-fetch", token))
	_, ok, err = q.AcquireLock(ctx, "chunk-1-fetch", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFailedList(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.FailedPush(ctx, FailedJob{JobID: "a", Error: "boom"}))
	require.NoError(t, q.FailedPush(ctx, FailedJob{JobID: "b", Error: "bang"}))

	got, err := q.FailedPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].JobID)

	// A non-positive count must not turn into LRANGE 0 -1.
	got, err = q.FailedPeek(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
