package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chunk-pipeline/internal/models"
)

// Memory is an in-process Store used by tests and the single binary dev mode.
// It mirrors the conditional update semantics of the Postgres store.
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	chunks  map[int64]models.Chunk
	batches map[string]models.BatchSink
	audit   []models.AuditLog

	// Now is the clock used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		chunks:  make(map[int64]models.Chunk),
		batches: make(map[string]models.BatchSink),
		Now:     time.Now,
	}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Put inserts or replaces a chunk as is. An ID of zero allocates a new one.
func (m *Memory) Put(c models.Chunk) models.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == 0 {
		m.nextID++
		c.ID = m.nextID
	} else if c.ID > m.nextID {
		m.nextID = c.ID
	}
	if c.FetchStatus == "" {
		c.FetchStatus = models.StatusNew
	}
	if c.ImportStatus == "" {
		c.ImportStatus = models.StatusNew
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	m.chunks[c.ID] = c
	return c
}

// Audit returns a copy of the recorded audit rows.
func (m *Memory) Audit() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditLog(nil), m.audit...)
}

func (m *Memory) GetChunk(_ context.Context, id int64) (models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return models.Chunk{}, fmt.Errorf("chunk %d: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *Memory) GetChunks(_ context.Context, sinkID string, ids []int64) ([]models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool, len(ids))
	var out []models.Chunk
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if c, ok := m.chunks[id]; ok && c.SinkID == sinkID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListChunks(_ context.Context, sinkID string, limit, offset int) ([]models.Chunk, error) {
	all := m.filter(func(c models.Chunk) bool { return c.SinkID == sinkID })
	sort.Slice(all, func(i, j int) bool { return all[i].ChunkID > all[j].ChunkID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) ListLinked(context.Context) ([]models.Chunk, error) {
	return m.filter(func(c models.Chunk) bool { return !c.NotInBatch() }), nil
}

func (m *Memory) ListInProgress(context.Context) ([]models.Chunk, error) {
	return m.filter(func(c models.Chunk) bool {
		return c.FetchStatus == models.StatusInProgress || c.ImportStatus == models.StatusInProgress
	}), nil
}

func (m *Memory) filter(keep func(models.Chunk) bool) []models.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Chunk
	for _, c := range m.chunks {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SaveStage(_ context.Context, c models.Chunk, stage models.Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.chunks[c.ID]
	if !ok {
		return fmt.Errorf("save %s stage of chunk %d: %w", stage, c.ID, ErrNotFound)
	}
	if stage == models.StageFetch {
		cur.FetchStatus = c.FetchStatus
		cur.FetchSize = c.FetchSize
		cur.FetchMessage = c.FetchMessage
		cur.FetchVersion = c.FetchVersion
		cur.FetchArtifact = c.FetchArtifact
		cur.FetchBatch = c.FetchBatch
		cur.FetchedAt = c.FetchedAt
	} else {
		cur.ImportStatus = c.ImportStatus
		cur.ImportSize = c.ImportSize
		cur.ImportMessage = c.ImportMessage
		cur.ImportVersion = c.ImportVersion
		cur.ImportBatch = c.ImportBatch
		cur.ImportedAt = c.ImportedAt
	}
	cur.UpdatedAt = m.now()
	m.chunks[c.ID] = cur
	return nil
}

func (m *Memory) ClaimChunks(_ context.Context, sinkID, batchID string, claims []Claim) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []int64
	for _, cl := range claims {
		c, ok := m.chunks[cl.ChunkID]
		if !ok || c.SinkID != sinkID || !c.NotInBatch() || (!cl.Fetch && !cl.Import) {
			continue
		}
		if cl.Fetch {
			c.FetchBatch = &batchID
		}
		if cl.Import {
			c.ImportBatch = &batchID
		}
		c.UpdatedAt = m.now()
		m.chunks[c.ID] = c
		claimed = append(claimed, c.ID)
	}
	return claimed, nil
}

func (m *Memory) ReleaseBatch(_ context.Context, batchID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.chunks {
		changed := false
		if c.StageBatch(models.StageFetch) == batchID && c.FetchStatus != models.StatusInProgress {
			c.FetchBatch = nil
			changed = true
		}
		if c.StageBatch(models.StageImport) == batchID && c.ImportStatus != models.StatusInProgress {
			c.ImportBatch = nil
			changed = true
		}
		if changed {
			m.chunks[id] = c
			n++
		}
	}
	return n, nil
}

func (m *Memory) ClearBatchLinks(_ context.Context, chunkID int64, batchIDs []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return false, nil
	}
	dead := make(map[string]bool, len(batchIDs))
	for _, id := range batchIDs {
		dead[id] = true
	}
	changed := false
	if b := c.StageBatch(models.StageFetch); b != "" && dead[b] {
		c.FetchBatch = nil
		changed = true
	}
	if b := c.StageBatch(models.StageImport); b != "" && dead[b] {
		c.ImportBatch = nil
		changed = true
	}
	if changed {
		m.chunks[chunkID] = c
	}
	return changed, nil
}

func (m *Memory) MarkStalled(_ context.Context, chunkID int64, stage models.Stage, cutoff time.Time, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[chunkID]
	if !ok || c.StageStatus(stage) != models.StatusInProgress || !c.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	msg := message
	c.SetStageStatus(stage, models.StatusFailed, &msg)
	c.UpdatedAt = m.now()
	m.chunks[chunkID] = c
	return true, nil
}

func (m *Memory) ResetImports(_ context.Context, sinkID string, exceptID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.chunks {
		if c.SinkID != sinkID || id == exceptID || c.ImportStatus == models.StatusNew {
			continue
		}
		c.ResetStage(models.StageImport, models.StatusNew)
		c.UpdatedAt = m.now()
		m.chunks[id] = c
		n++
	}
	return n, nil
}

func (m *Memory) ExistingChunkIDs(_ context.Context, sinkID string) ([]string, error) {
	var ids []string
	for _, c := range m.filter(func(c models.Chunk) bool { return c.SinkID == sinkID }) {
		ids = append(ids, c.ChunkID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) InsertChunkIDs(_ context.Context, sinkID string, chunkIDs []string) (int64, error) {
	existing, _ := m.ExistingChunkIDs(context.Background(), sinkID)
	have := make(map[string]bool, len(existing))
	for _, id := range existing {
		have[id] = true
	}
	var n int64
	for _, id := range chunkIDs {
		if have[id] {
			continue
		}
		have[id] = true
		m.Put(models.Chunk{SinkID: sinkID, ChunkID: id})
		n++
	}
	return n, nil
}

func (m *Memory) RemoveChunk(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chunks[id]; !ok {
		return fmt.Errorf("chunk %d: %w", id, ErrNotFound)
	}
	delete(m.chunks, id)
	return nil
}

func (m *Memory) PutBatchSink(_ context.Context, batchID, sinkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batchID] = models.BatchSink{BatchID: batchID, SinkID: sinkID, CreatedAt: m.now()}
	return nil
}

func (m *Memory) GetBatchSink(_ context.Context, batchID string) (models.BatchSink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bs, ok := m.batches[batchID]
	if !ok {
		return models.BatchSink{}, fmt.Errorf("batch sink %s: %w", batchID, ErrNotFound)
	}
	return bs, nil
}

func (m *Memory) DeleteBatchSink(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, batchID)
	return nil
}

func (m *Memory) ListBatchSinks(_ context.Context, sinkID string) ([]models.BatchSink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BatchSink
	for _, bs := range m.batches {
		if sinkID == "" || bs.SinkID == sinkID {
			out = append(out, bs)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, chunkID int64, stage models.Stage, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{
		ChunkID:  chunkID,
		Stage:    stage,
		Event:    event,
		Detail:   detail,
		Recorded: m.now(),
	})
	return nil
}
