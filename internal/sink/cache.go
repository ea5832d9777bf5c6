package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chunk-pipeline/internal/logger"
)

// ChunkWriter persists newly discovered chunk ids.
type ChunkWriter interface {
	InsertChunkIDs(ctx context.Context, sinkID string, chunkIDs []string) (int64, error)
}

// ChunkCache materializes a sink's chunk rows at most once per TTL.
type ChunkCache struct {
	store ChunkWriter
	ttl   time.Duration
	now   func() time.Time

	mu     sync.Mutex
	synced map[string]time.Time
	group  singleflight.Group
}

// NewChunkCache builds a cache. A nil clock means time.Now.
func NewChunkCache(store ChunkWriter, ttl time.Duration, now func() time.Time) *ChunkCache {
	if now == nil {
		now = time.Now
	}
	return &ChunkCache{
		store:  store,
		ttl:    ttl,
		now:    now,
		synced: make(map[string]time.Time),
	}
}

// Ensure creates rows for chunk ids the source offers and the store lacks.
// Only live sinks are synced. It returns the number of rows created.
func (c *ChunkCache) Ensure(ctx context.Context, s *Sink) (int64, error) {
	if s.Status != StatusLive {
		return 0, nil
	}
	if c.fresh(s.ID) {
		return 0, nil
	}
	v, err, _ := c.group.Do(s.ID, func() (any, error) {
		if c.fresh(s.ID) {
			return int64(0), nil
		}
		ids, err := s.Adapter.ChunkIDs(ctx)
		if err != nil {
			return int64(0), fmt.Errorf("list chunks of sink %s: %w", s.ID, err)
		}
		n, err := c.store.InsertChunkIDs(ctx, s.ID, ids)
		if err != nil {
			return int64(0), err
		}
		c.mu.Lock()
		c.synced[s.ID] = c.now()
		c.mu.Unlock()
		if n > 0 {
			logger.FromContext(ctx).WithFields(logger.Fields{logger.FieldSink: s.ID, "created": n}).Info("materialized new chunks")
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Invalidate forces the next Ensure for sinkID to hit the source.
func (c *ChunkCache) Invalidate(sinkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.synced, sinkID)
}

func (c *ChunkCache) fresh(sinkID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.synced[sinkID]
	return ok && c.now().Sub(at) < c.ttl
}
