package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chunk-pipeline/internal/broadcast"
	"chunk-pipeline/internal/config"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/queue"
	"chunk-pipeline/internal/sink"
	"chunk-pipeline/internal/sink/sinktest"
	"chunk-pipeline/internal/store"
	"chunk-pipeline/internal/worker"
)

type capture struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (c *capture) Publish(_ context.Context, ev broadcast.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

type harness struct {
	t       *testing.T
	now     time.Time
	store   *store.Memory
	queue   *queue.RedisQueue
	adapter *sinktest.Adapter
	sinks   *sink.Registry
	bus     *capture
	engine  *Engine
	proc    *worker.Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		t:       t,
		now:     time.Now().UTC().Truncate(time.Second),
		adapter: &sinktest.Adapter{},
		sinks:   sink.NewRegistry(),
		bus:     &capture{},
	}
	clock := func() time.Time { return h.now }
	h.store = store.NewMemory()
	h.store.Now = clock

	cfg := config.Config{QueueName: "test", VisibilityTimeout: time.Minute}
	h.queue = queue.NewWithClient(client, cfg)
	h.sinks.Register(sink.Info{ID: "S1", Title: "Sink one"}, h.adapter)

	cache := sink.NewChunkCache(h.store, time.Hour, clock)
	h.engine = New(h.store, h.queue, h.sinks, cache, h.bus, Options{
		JobTimeout:      time.Second,
		DeleteRetention: 10 * 24 * time.Hour,
		LintFreshness:   time.Hour,
		LintStallAfter:  4 * time.Hour,
		Now:             clock,
	}, logger.Discard())

	h.proc = worker.NewProcessor(cfg, h.queue, logger.Discard())
	h.proc.Use(
		worker.SkipIfBatchCancelled(h.queue),
		worker.BatchErrorLimit(h.queue, 5, ""),
		worker.WithoutOverlapping(h.queue, time.Minute),
	)
	for jobType, handler := range h.engine.Handlers() {
		h.proc.RegisterHandler(jobType, handler)
	}
	h.proc.AddObserver(h.engine)
	return h
}

func (h *harness) put(c models.Chunk) models.Chunk {
	if c.SinkID == "" {
		c.SinkID = "S1"
	}
	return h.store.Put(c)
}

func (h *harness) chunk(id int64) models.Chunk {
	c, err := h.store.GetChunk(context.Background(), id)
	require.NoError(h.t, err)
	return c
}

// chunkRef returns an addressable copy of the chunk so pointer methods can be called on it.
func (h *harness) chunkRef(id int64) *models.Chunk {
	c := h.chunk(id)
	return &c
}

func (h *harness) runJobs() {
	h.t.Helper()
	for {
		processed, err := h.proc.ProcessOne(context.Background())
		require.NoError(h.t, err)
		if !processed {
			return
		}
	}
}

func (h *harness) dispatch(op models.Operation, ids ...int64) *string {
	h.t.Helper()
	id, err := h.engine.Dispatch(context.Background(), DispatchRequest{SinkID: "S1", Operation: op, ChunkIDs: ids})
	require.NoError(h.t, err)
	return id
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
