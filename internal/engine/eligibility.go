package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"chunk-pipeline/internal/models"
)

// SelectOptions loosen the fetch and import predicates.
type SelectOptions struct {
	ForceFetch  bool
	ForceImport bool
}

// Eligible reports whether op may run on c right now.
func Eligible(c *models.Chunk, op models.Operation, opts SelectOptions, now time.Time, retention time.Duration) bool {
	switch op {
	case models.OpFetch:
		if opts.ForceFetch {
			return c.CanFetch()
		}
		return c.NeedFetch()
	case models.OpImport:
		if opts.ForceImport {
			return c.CanImport()
		}
		return c.NeedImport()
	case models.OpDeleteFetched:
		return c.CanDeleteFetched(now, retention)
	case models.OpDeleteImported:
		return c.CanDeleteImported()
	}
	return false
}

// SelectChunks loads the requested chunks of a sink and keeps those eligible for op.
// Every id must resolve to a chunk of sinkID, otherwise a *ChunkMismatchError is returned.
func (e *Engine) SelectChunks(ctx context.Context, sinkID string, ids []int64, op models.Operation, opts SelectOptions) ([]models.Chunk, error) {
	if err := validOperation(op); err != nil {
		return nil, err
	}
	ids = uniqueIDs(ids)
	chunks, err := e.store.GetChunks(ctx, sinkID, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) != len(ids) {
		return nil, mismatch(sinkID, ids, chunks)
	}

	now := e.now()
	eligible := chunks[:0]
	for i := range chunks {
		if Eligible(&chunks[i], op, opts, now, e.opts.DeleteRetention) {
			eligible = append(eligible, chunks[i])
		}
	}
	return eligible, nil
}

func validOperation(op models.Operation) error {
	switch op {
	case models.OpFetch, models.OpImport, models.OpDeleteFetched, models.OpDeleteImported:
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownOperation, int(op))
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func mismatch(sinkID string, ids []int64, found []models.Chunk) error {
	have := make(map[int64]bool, len(found))
	for _, c := range found {
		have[c.ID] = true
	}
	var missing []int64
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return &ChunkMismatchError{SinkID: sinkID, Requested: len(ids), Found: len(found), Missing: missing}
}
