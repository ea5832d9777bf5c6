package engine

import (
	"context"
	"fmt"

	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
)

// DefaultNewChunkScan bounds how many of the newest chunks ImportNewChunks looks at.
const DefaultNewChunkScan = 20

// ChunkView is a chunk together with its derived state.
type ChunkView struct {
	models.Chunk
	Modified      bool   `json:"is_modified"`
	NeedFetch     bool   `json:"need_fetch"`
	NeedImport    bool   `json:"need_import"`
	SourceVersion string `json:"source_version,omitempty"`
	SourceChanged bool   `json:"source_changed"`
}

func viewOf(c models.Chunk) ChunkView {
	return ChunkView{
		Chunk:      c,
		Modified:   c.IsModified(),
		NeedFetch:  c.NeedFetch(),
		NeedImport: c.NeedImport(),
	}
}

// ListChunks pages through a sink's chunks, newest first, materializing new
// source chunks first.
func (e *Engine) ListChunks(ctx context.Context, sinkID string, limit, offset int) ([]ChunkView, error) {
	s, err := e.sinks.Get(sinkID)
	if err != nil {
		return nil, err
	}
	e.materialize(ctx, s)
	chunks, err := e.store.ListChunks(ctx, s.ID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]ChunkView, len(chunks))
	for i, c := range chunks {
		out[i] = viewOf(c)
	}
	return out, nil
}

// ChunkDetail returns one chunk and compares its fetched version with the
// version the source holds now.
func (e *Engine) ChunkDetail(ctx context.Context, sinkID string, id int64) (ChunkView, error) {
	s, err := e.sinks.Get(sinkID)
	if err != nil {
		return ChunkView{}, err
	}
	chunks, err := e.store.GetChunks(ctx, s.ID, []int64{id})
	if err != nil {
		return ChunkView{}, err
	}
	if len(chunks) != 1 {
		return ChunkView{}, mismatch(s.ID, []int64{id}, chunks)
	}
	view := viewOf(chunks[0])
	version, err := s.Adapter.ChunkVersion(ctx, view.ChunkID)
	if err != nil {
		return ChunkView{}, fmt.Errorf("source version of chunk %s: %w", view.ChunkID, err)
	}
	view.SourceVersion = version
	view.SourceChanged = view.FetchVersion == nil || *view.FetchVersion != version
	return view, nil
}

// ImportNewChunks imports the newest chunks of a sink up to the first one that
// is no longer new. scan bounds how many chunks are looked at.
func (e *Engine) ImportNewChunks(ctx context.Context, sinkID string, scan int) (*string, error) {
	s, err := e.sinks.Get(sinkID)
	if err != nil {
		return nil, err
	}
	if scan <= 0 {
		scan = DefaultNewChunkScan
	}
	e.materialize(ctx, s)
	chunks, err := e.store.ListChunks(ctx, s.ID, scan, 0)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, c := range chunks {
		if c.ImportStatus != models.StatusNew {
			break
		}
		ids = append(ids, c.ID)
	}
	e.log.WithFields(logger.Fields{logger.FieldSink: s.ID, "new": len(ids)}).Info("importing new chunks")
	return e.Dispatch(ctx, DispatchRequest{SinkID: s.ID, Operation: models.OpImport, ChunkIDs: ids})
}

// RefreshChunks drops the cached chunk listing of a sink and asks the source
// again. It returns the number of chunks discovered.
func (e *Engine) RefreshChunks(ctx context.Context, sinkID string) (int64, error) {
	s, err := e.sinks.Get(sinkID)
	if err != nil {
		return 0, err
	}
	if e.cache == nil {
		return 0, nil
	}
	e.cache.Invalidate(s.ID)
	return e.cache.Ensure(ctx, s)
}

// RemoveChunk deletes a chunk row that no batch holds. Its fetched and
// imported data are not touched.
func (e *Engine) RemoveChunk(ctx context.Context, sinkID string, id int64) error {
	s, err := e.sinks.Get(sinkID)
	if err != nil {
		return err
	}
	chunks, err := e.store.GetChunks(ctx, s.ID, []int64{id})
	if err != nil {
		return err
	}
	if len(chunks) != 1 {
		return mismatch(s.ID, []int64{id}, chunks)
	}
	c := chunks[0]
	if !c.NotInBatch() || c.FetchStatus == models.StatusInProgress || c.ImportStatus == models.StatusInProgress {
		return fmt.Errorf("chunk %d: %w", id, ErrChunkBusy)
	}
	if err := e.store.RemoveChunk(ctx, id); err != nil {
		return err
	}
	e.log.WithFields(logger.Fields{logger.FieldSink: s.ID, logger.FieldChunk: c.ChunkID}).Info("chunk removed")
	return nil
}
