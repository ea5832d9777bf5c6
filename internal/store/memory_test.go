package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunk-pipeline/internal/models"
)

func strPtr(s string) *string { return &s }

func TestMemoryClaimSkipsLinkedChunks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	free := m.Put(models.Chunk{SinkID: "s", ChunkID: "001"})
	linked := m.Put(models.Chunk{SinkID: "s", ChunkID: "002", ImportBatch: strPtr("other")})
	foreign := m.Put(models.Chunk{SinkID: "t", ChunkID: "003"})

	ids, err := m.ClaimChunks(ctx, "s", "b1", []Claim{
		{ChunkID: free.ID, Fetch: true, Import: true},
		{ChunkID: linked.ID, Import: true},
		{ChunkID: foreign.ID, Fetch: true},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{free.ID}, ids)

	got, _ := m.GetChunk(ctx, free.ID)
	assert.Equal(t, "b1", got.StageBatch(models.StageFetch))
	assert.Equal(t, "b1", got.StageBatch(models.StageImport))

	got, _ = m.GetChunk(ctx, linked.ID)
	assert.Equal(t, "other", got.StageBatch(models.StageImport))
}

func TestMemoryReleaseBatchKeepsInProgressLinks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	done := m.Put(models.Chunk{SinkID: "s", ChunkID: "1", FetchStatus: models.StatusFinished, FetchBatch: strPtr("b"), ImportBatch: strPtr("b")})
	busy := m.Put(models.Chunk{SinkID: "s", ChunkID: "2", ImportStatus: models.StatusInProgress, ImportBatch: strPtr("b")})

	n, err := m.ReleaseBatch(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := m.GetChunk(ctx, done.ID)
	assert.True(t, got.NotInBatch())
	got, _ = m.GetChunk(ctx, busy.ID)
	assert.Equal(t, "b", got.StageBatch(models.StageImport))
}

func TestMemoryMarkStalledIsConditional(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.Now = func() time.Time { return now }

	old := m.Put(models.Chunk{SinkID: "s", ChunkID: "1", FetchStatus: models.StatusInProgress, UpdatedAt: now.Add(-5 * time.Hour)})
	fresh := m.Put(models.Chunk{SinkID: "s", ChunkID: "2", FetchStatus: models.StatusInProgress, UpdatedAt: now.Add(-time.Hour)})

	cutoff := now.Add(-4 * time.Hour)
	ok, err := m.MarkStalled(ctx, old.ID, models.StageFetch, cutoff, models.StalledMessage)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.MarkStalled(ctx, fresh.ID, models.StageFetch, cutoff, models.StalledMessage)
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := m.GetChunk(ctx, old.ID)
	assert.Equal(t, models.StatusFailed, got.FetchStatus)
	require.NotNil(t, got.FetchMessage)
	assert.Equal(t, models.StalledMessage, *got.FetchMessage)
}

func TestMemoryInsertChunkIDsIgnoresExisting(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Put(models.Chunk{SinkID: "s", ChunkID: "a"})

	n, err := m.InsertChunkIDs(ctx, "s", []string{"a", "b", "c", "b"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ids, err := m.ExistingChunkIDs(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	page, err := m.ListChunks(ctx, "s", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].ChunkID)
}

func TestMemoryResetImportsAndClearLinks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	keep := m.Put(models.Chunk{SinkID: "s", ChunkID: "1", ImportStatus: models.StatusFinished})
	other := m.Put(models.Chunk{SinkID: "s", ChunkID: "2", ImportStatus: models.StatusFinished, ImportVersion: strPtr("v"), FetchBatch: strPtr("dead")})

	n, err := m.ResetImports(ctx, "s", keep.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, _ := m.GetChunk(ctx, other.ID)
	assert.Equal(t, models.StatusNew, got.ImportStatus)
	assert.Nil(t, got.ImportVersion)

	cleared, err := m.ClearBatchLinks(ctx, other.ID, []string{"dead"})
	require.NoError(t, err)
	assert.True(t, cleared)
	cleared, err = m.ClearBatchLinks(ctx, other.ID, []string{"dead"})
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestMemoryBatchSinks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.PutBatchSink(ctx, "b1", "s"))
	require.NoError(t, m.PutBatchSink(ctx, "b2", "t"))

	bs, err := m.GetBatchSink(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "s", bs.SinkID)

	rows, _ := m.ListBatchSinks(ctx, "t")
	require.Len(t, rows, 1)

	require.NoError(t, m.DeleteBatchSink(ctx, "b1"))
	_, err = m.GetBatchSink(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotFound)
}
