package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chunk-pipeline/internal/config"
	"chunk-pipeline/internal/models"
)

var (
	// ErrBatchNotFound is returned for batch ids unknown to Redis, including pruned ones.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrJobNotFound is returned when a leased job id has no job hash.
	ErrJobNotFound = errors.New("job not found")
)

// Outcome is the terminal state of a single job.
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Skipped   Outcome = "skipped"
)

// JobSpec describes a job to submit. Next, when set, runs only after this job succeeds.
type JobSpec struct {
	Type    string
	ChunkID int64
	Next    *JobSpec
}

// Size counts the job and its chained successors.
func (s JobSpec) Size() int64 {
	n := int64(1)
	for next := s.Next; next != nil; next = next.Next {
		n++
	}
	return n
}

// Completion reports what CompleteJob changed.
type Completion struct {
	// Recorded is false when the job had already been completed by another delivery.
	Recorded bool
	// BatchFinished is true for exactly one completion per batch: the one that drained it.
	BatchFinished bool
}

// FailedJob is an entry of the failed job list.
type FailedJob struct {
	JobID    string    `json:"job_id"`
	Type     string    `json:"type"`
	BatchID  string    `json:"batch_id"`
	ChunkID  int64     `json:"chunk_id"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// RedisQueue stores batches, jobs and leases in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	failedKey     string
	failedCap     int64
	visibilityTTL time.Duration
	retention     time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg)
}

// NewWithClient wraps an existing client, used by tests against miniredis.
func NewWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "default"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	retention := cfg.BatchRetention
	if retention == 0 {
		retention = 48 * time.Hour
	}
	failed := cfg.FailedListName
	if failed == "" {
		failed = "queue:failed"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:ready:%s", name),
		inflightKey:   "queue:inflight",
		failedKey:     failed,
		failedCap:     1000,
		visibilityTTL: visibility,
		retention:     retention,
	}
}

// Client exposes the Redis client for components sharing the connection.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func batchKey(id string) string { return "batch:" + id }
func jobKey(id string) string   { return "job:" + id }

// NewBatchID allocates an identifier for a batch about to be submitted.
func (q *RedisQueue) NewBatchID() string {
	return uuid.NewString()
}

// SubmitBatch persists the batch and its jobs and makes the chain heads ready.
func (q *RedisQueue) SubmitBatch(ctx context.Context, batchID, name string, specs []JobSpec) (models.Batch, error) {
	if len(specs) == 0 {
		return models.Batch{}, errors.New("submit batch: no jobs")
	}
	now := time.Now()
	var total int64
	for _, s := range specs {
		total += s.Size()
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, batchKey(batchID),
		"name", name,
		"total", total,
		"pending", total,
		"failed", 0,
		"created_at", now.UnixMilli(),
	)
	heads := make([]any, 0, len(specs))
	for _, s := range specs {
		heads = append(heads, q.stageChain(ctx, pipe, batchID, s, now))
	}
	pipe.RPush(ctx, q.readyKey, heads...)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Batch{}, fmt.Errorf("submit batch %s: %w", batchID, err)
	}
	return models.Batch{
		ID:          batchID,
		Name:        name,
		TotalJobs:   total,
		PendingJobs: total,
		CreatedAt:   time.UnixMilli(now.UnixMilli()),
	}, nil
}

// stageChain writes the job hashes of a chain back to front and returns the head id.
func (q *RedisQueue) stageChain(ctx context.Context, pipe redis.Pipeliner, batchID string, spec JobSpec, now time.Time) string {
	var chain []JobSpec
	for s := &spec; s != nil; s = s.Next {
		chain = append(chain, *s)
	}
	next := ""
	for i := len(chain) - 1; i >= 0; i-- {
		id := uuid.NewString()
		pipe.HSet(ctx, jobKey(id),
			"type", chain[i].Type,
			"batch_id", batchID,
			"chunk_id", chain[i].ChunkID,
			"next", next,
			"created_at", now.UnixMilli(),
		)
		next = id
	}
	return next
}

// Batch loads the counters and timestamps of a batch.
func (q *RedisQueue) Batch(ctx context.Context, batchID string) (models.Batch, error) {
	vals, err := q.client.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return models.Batch{}, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	if len(vals) == 0 {
		return models.Batch{}, fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
	}
	b := models.Batch{
		ID:          batchID,
		Name:        vals["name"],
		TotalJobs:   parseInt(vals["total"]),
		PendingJobs: parseInt(vals["pending"]),
		FailedJobs:  parseInt(vals["failed"]),
		CreatedAt:   time.UnixMilli(parseInt(vals["created_at"])),
		CancelledAt: parseMillis(vals["cancelled_at"]),
		FinishedAt:  parseMillis(vals["finished_at"]),
	}
	return b, nil
}

// CancelBatch marks a batch cancelled. It reports false when the batch was
// already cancelled. Finished batches can still be flagged cancelled, which is
// how a run that ended with failures is reported.
func (q *RedisQueue) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	res, err := cancelScript.Run(ctx, q.client, []string{batchKey(batchID)}, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("cancel batch %s: %w", batchID, err)
	}
	if res < 0 {
		return false, fmt.Errorf("batch %s: %w", batchID, ErrBatchNotFound)
	}
	return res == 1, nil
}

// DequeueWithLease pops a job id and places it into inflight with a visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := []string{q.readyKey, q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// Job loads a job hash.
func (q *RedisQueue) Job(ctx context.Context, jobID string) (models.Job, error) {
	vals, err := q.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, ErrJobNotFound)
	}
	return models.Job{
		ID:        jobID,
		Type:      vals["type"],
		BatchID:   vals["batch_id"],
		ChunkID:   parseInt(vals["chunk_id"]),
		Next:      vals["next"],
		Done:      vals["done"] != "",
		CreatedAt: time.UnixMilli(parseInt(vals["created_at"])),
	}, nil
}

// Ack drops a lease without recording an outcome, for ids whose job is gone or already done.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// CompleteJob records the outcome of a job exactly once. A successful job
// releases its chained successor; a failed or skipped one counts the whole
// remaining chain as processed.
func (q *RedisQueue) CompleteJob(ctx context.Context, job models.Job, outcome Outcome) (Completion, error) {
	keys := []string{jobKey(job.ID), batchKey(job.BatchID), q.inflightKey, q.readyKey}
	res, err := completeScript.Run(ctx, q.client, keys,
		job.ID, string(outcome), time.Now().UnixMilli(), int64(q.retention.Seconds()),
	).Int64Slice()
	if err != nil {
		return Completion{}, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return Completion{Recorded: res[0] == 1, BatchFinished: res[1] == 1}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
// It reports false when the lease is gone, e.g. after RequeueExpired reclaimed it.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) (bool, error) {
	n, err := q.client.ZAddArgs(ctx, q.inflightKey, redis.ZAddArgs{
		XX: true,
		Ch: true,
		Members: []redis.Z{{
			Score:  float64(time.Now().Add(extension).UnixMilli()),
			Member: jobID,
		}},
	}).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	_, err = q.client.ZScore(ctx, q.inflightKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	return err == nil, err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	var reclaimed []string
	for _, id := range ids {
		// ZREM decides the race between workers reclaiming the same lease.
		n, err := q.client.ZRem(ctx, q.inflightKey, id).Result()
		if err != nil {
			return reclaimed, err
		}
		if n == 0 {
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey, id).Err(); err != nil {
			return reclaimed, err
		}
		reclaimed = append(reclaimed, id)
	}
	return reclaimed, nil
}

// AcquireLock takes a named lock for ttl. The returned token releases it.
func (q *RedisQueue) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := q.client.SetNX(ctx, "lock:"+name, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock drops a lock if it is still held with token.
func (q *RedisQueue) ReleaseLock(ctx context.Context, name, token string) error {
	return releaseScript.Run(ctx, q.client, []string{"lock:" + name}, token).Err()
}

// FailedPush appends to the failed job list for operational inspection.
func (q *RedisQueue) FailedPush(ctx context.Context, f FailedJob) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, q.failedKey, raw)
	pipe.LTrim(ctx, q.failedKey, 0, q.failedCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// FailedPeek reads the latest failed jobs, newest first.
func (q *RedisQueue) FailedPeek(ctx context.Context, count int64) ([]FailedJob, error) {
	if count <= 0 {
		return []FailedJob{}, nil
	}
	if count > q.failedCap {
		count = q.failedCap
	}
	raws, err := q.client.LRange(ctx, q.failedKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]FailedJob, 0, len(raws))
	for _, raw := range raws {
		var f FailedJob
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func parseMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := time.UnixMilli(parseInt(s))
	return &t
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var cancelScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HSETNX', KEYS[1], 'cancelled_at', ARGV[1])
`)

var completeScript = redis.NewScript(`
local jobKey, batchKey, inflight, ready = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local jobID, outcome, now, retention = ARGV[1], ARGV[2], ARGV[3], tonumber(ARGV[4])

redis.call('ZREM', inflight, jobID)
if redis.call('HSETNX', jobKey, 'done', outcome) == 0 then
  return {0, 0}
end
if retention > 0 then redis.call('EXPIRE', jobKey, retention) end

local next = redis.call('HGET', jobKey, 'next')
local processed = 1
if outcome == 'succeeded' and next and next ~= '' then
  redis.call('RPUSH', ready, next)
else
  while next and next ~= '' do
    processed = processed + 1
    local key = 'job:' .. next
    redis.call('HSET', key, 'done', 'skipped')
    if retention > 0 then redis.call('EXPIRE', key, retention) end
    next = redis.call('HGET', key, 'next')
  end
end

if redis.call('EXISTS', batchKey) == 0 then
  return {1, 0}
end
local pending = redis.call('HINCRBY', batchKey, 'pending', -processed)
if outcome == 'failed' then
  redis.call('HINCRBY', batchKey, 'failed', 1)
end
if pending <= 0 and redis.call('HSETNX', batchKey, 'finished_at', now) == 1 then
  if retention > 0 then redis.call('EXPIRE', batchKey, retention) end
  return {1, 1}
end
return {1, 0}
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
