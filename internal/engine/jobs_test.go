package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/sink"
	"chunk-pipeline/internal/store"
)

func TestRunJobRecordsAuditTrail(t *testing.T) {
	h := newHarness(t)
	c := h.put(models.Chunk{ChunkID: "001"})

	require.NoError(t, h.engine.RunJob(context.Background(), models.Job{ChunkID: c.ID}, models.OpFetch))

	var events []string
	for _, row := range h.store.Audit() {
		events = append(events, row.Event)
	}
	assert.Equal(t, []string{"started", "finished"}, events)

	got := h.chunk(c.ID)
	assert.EqualValues(t, 100, *got.FetchSize)
	assert.Equal(t, "raw/001", *got.FetchArtifact)
	assert.Nil(t, got.FetchMessage)
}

func TestRunJobTimeoutFailsStage(t *testing.T) {
	h := newHarness(t)
	h.engine.opts.JobTimeout = 50 * time.Millisecond
	h.adapter.FetchFn = func(context.Context, string) (sink.FetchResult, error) {
		time.Sleep(time.Second)
		return sink.FetchResult{Version: "late"}, nil
	}
	c := h.put(models.Chunk{ChunkID: "001"})

	start := time.Now()
	err := h.engine.RunJob(context.Background(), models.Job{ChunkID: c.ID}, models.OpFetch)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	got := h.chunk(c.ID)
	assert.Equal(t, models.StatusFailed, got.FetchStatus)
	require.NotNil(t, got.FetchMessage)
	assert.Contains(t, *got.FetchMessage, "job timeout")
	assert.Nil(t, got.FetchVersion)
}

func TestRunJobRecoversAdapterPanic(t *testing.T) {
	h := newHarness(t)
	h.adapter.FetchFn = func(context.Context, string) (sink.FetchResult, error) {
		panic("boom")
	}
	c := h.put(models.Chunk{ChunkID: "001"})

	err := h.engine.RunJob(context.Background(), models.Job{ChunkID: c.ID}, models.OpFetch)
	require.Error(t, err)

	msg := *h.chunk(c.ID).FetchMessage
	lines := strings.Split(msg, "\n")
	assert.Equal(t, "panic: boom", lines[0])
	assert.LessOrEqual(t, len(lines), 1+10+1)
	assert.Greater(t, len(lines), 1, "stack trace is kept")
}

func TestRunJobImportWithoutFetchedData(t *testing.T) {
	h := newHarness(t)
	c := h.put(models.Chunk{ChunkID: "001", ImportBatch: strPtr("b1")})

	err := h.engine.RunJob(context.Background(), models.Job{ChunkID: c.ID}, models.OpImport)
	require.Error(t, err)

	got := h.chunk(c.ID)
	assert.Equal(t, models.StatusFailed, got.ImportStatus)
	assert.Contains(t, *got.ImportMessage, "no fetched data")
	assert.True(t, got.NotInBatch())
	assert.Empty(t, h.adapter.CallsSnapshot())
}

func TestModifiedChunkIsReimported(t *testing.T) {
	h := newHarness(t)
	c := h.put(models.Chunk{
		ChunkID:       "001",
		FetchStatus:   models.StatusFinished,
		FetchVersion:  strPtr("v2"),
		FetchArtifact: strPtr("raw/001"),
		ImportStatus:  models.StatusFinished,
		ImportVersion: strPtr("v1"),
	})
	require.True(t, c.IsModified())

	id := h.dispatch(models.OpImport, c.ID)
	require.NotNil(t, id)
	h.runJobs()

	assert.Equal(t, []string{"import:001"}, h.adapter.CallsSnapshot())
	got := h.chunk(c.ID)
	assert.Equal(t, "v2", *got.ImportVersion)
	assert.False(t, got.IsModified())
	assert.False(t, got.NeedImport())
}

func TestDeleteFetchedKeepsDataInsideRetention(t *testing.T) {
	h := newHarness(t)
	old := h.put(models.Chunk{
		ChunkID:       "001",
		FetchStatus:   models.StatusFinished,
		FetchArtifact: strPtr("raw/001"),
		FetchedAt:     timePtr(h.now.Add(-11 * 24 * time.Hour)),
	})
	recent := h.put(models.Chunk{
		ChunkID:       "002",
		FetchStatus:   models.StatusFinished,
		FetchArtifact: strPtr("raw/002"),
		FetchedAt:     timePtr(h.now.Add(-24 * time.Hour)),
	})

	chunks, err := h.engine.SelectChunks(context.Background(), "S1", []int64{old.ID, recent.ID}, models.OpDeleteFetched, SelectOptions{})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, old.ID, chunks[0].ID)

	recentOnly, err := h.engine.Dispatch(context.Background(), DispatchRequest{SinkID: "S1", Operation: models.OpDeleteFetched, ChunkIDs: []int64{recent.ID}})
	require.NoError(t, err)
	assert.Nil(t, recentOnly)
}

func TestEligibleByOperation(t *testing.T) {
	now := time.Now()
	retention := 10 * 24 * time.Hour
	finished := models.Chunk{FetchStatus: models.StatusFinished, ImportStatus: models.StatusFinished}
	fresh := models.Chunk{FetchStatus: models.StatusNew, ImportStatus: models.StatusNew}
	claimed := models.Chunk{FetchStatus: models.StatusFailed, ImportStatus: models.StatusNew, FetchBatch: strPtr("b")}

	tests := []struct {
		name  string
		chunk models.Chunk
		op    models.Operation
		opts  SelectOptions
		want  bool
	}{
		{"fetch new", fresh, models.OpFetch, SelectOptions{}, true},
		{"fetch finished", finished, models.OpFetch, SelectOptions{}, false},
		{"force fetch finished", finished, models.OpFetch, SelectOptions{ForceFetch: true}, true},
		{"import finished", finished, models.OpImport, SelectOptions{}, false},
		{"force import finished", finished, models.OpImport, SelectOptions{ForceImport: true}, true},
		{"import new", fresh, models.OpImport, SelectOptions{}, true},
		{"delete fetched new", fresh, models.OpDeleteFetched, SelectOptions{}, false},
		{"delete fetched finished", finished, models.OpDeleteFetched, SelectOptions{}, true},
		{"delete imported finished", finished, models.OpDeleteImported, SelectOptions{}, true},
		{"delete imported new", fresh, models.OpDeleteImported, SelectOptions{}, false},
		{"claimed fetch", claimed, models.OpFetch, SelectOptions{ForceFetch: true}, false},
		{"claimed import", claimed, models.OpImport, SelectOptions{ForceImport: true}, false},
		{"unknown operation", fresh, models.Operation(9), SelectOptions{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.chunk
			assert.Equal(t, tt.want, Eligible(&c, tt.op, tt.opts, now, retention))
		})
	}
}

func TestChunkDetailComparesSourceVersion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	c := h.put(models.Chunk{ChunkID: "001", FetchStatus: models.StatusFinished, FetchVersion: strPtr("v-001")})

	view, err := h.engine.ChunkDetail(ctx, "S1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "v-001", view.SourceVersion)
	assert.False(t, view.SourceChanged)

	h.adapter.Versions = map[string]string{"001": "v-new"}
	view, err = h.engine.ChunkDetail(ctx, "S1", c.ID)
	require.NoError(t, err)
	assert.True(t, view.SourceChanged)

	_, err = h.engine.ChunkDetail(ctx, "S1", 999)
	assert.ErrorIs(t, err, ErrChunkMismatch)
}

func TestRemoveChunk(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	idle := h.put(models.Chunk{ChunkID: "001", FetchStatus: models.StatusFinished})
	linked := h.put(models.Chunk{ChunkID: "002", FetchBatch: strPtr("b1")})
	running := h.put(models.Chunk{ChunkID: "003", ImportStatus: models.StatusInProgress})

	require.NoError(t, h.engine.RemoveChunk(ctx, "S1", idle.ID))
	_, err := h.store.GetChunk(ctx, idle.ID)
	assert.Error(t, err)

	assert.ErrorIs(t, h.engine.RemoveChunk(ctx, "S1", linked.ID), ErrChunkBusy)
	assert.ErrorIs(t, h.engine.RemoveChunk(ctx, "S1", running.ID), ErrChunkBusy)
	assert.ErrorIs(t, h.engine.RemoveChunk(ctx, "S1", idle.ID), ErrChunkMismatch)
	assert.ErrorIs(t, h.engine.RemoveChunk(ctx, "S9", linked.ID), ErrUnknownSink)
}

func TestListChunksMaterializesNewestFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.adapter.IDs = []string{"2024-01", "2024-03", "2024-02"}

	views, err := h.engine.ListChunks(ctx, "S1", 2, 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "2024-03", views[0].ChunkID)
	assert.Equal(t, "2024-02", views[1].ChunkID)
	assert.True(t, views[0].NeedFetch)

	// Cached: the source is listed once per TTL.
	_, err = h.engine.ListChunks(ctx, "S1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"list:"}, h.adapter.CallsSnapshot())
}

func TestListChunksToleratesSourceErrors(t *testing.T) {
	h := newHarness(t)
	h.put(models.Chunk{ChunkID: "001"})

	views, err := h.engine.ListChunks(context.Background(), "S1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "", Summarize(nil, nil, 10, 10))
	assert.Equal(t, "short", Summarize(errors.New("short"), nil, 10, 10))
	assert.Equal(t, "abcdefg...", Summarize(errors.New("abcdefghijklmnop"), nil, 10, 10))

	stack := []byte("l1\nl2\nl3\nl4\n")
	assert.Equal(t, "e\nl1\nl2\n...", Summarize(errors.New("e"), stack, 10, 2))
	assert.Equal(t, "e\nl1\nl2\nl3\nl4", Summarize(errors.New("e"), stack, 10, 4))

	long := strings.Repeat("x", 600)
	out := Summarize(errors.New("e"), []byte(long), 10, 3)
	assert.Equal(t, "e\n"+strings.Repeat("x", maxTraceLineBytes-3)+"...", out)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := "ééééé" // two bytes per rune
	out := truncate(s, 8)
	assert.Equal(t, "éé...", out)
	assert.LessOrEqual(t, len(out), 8)
	assert.Equal(t, s, truncate(s, 10))
}

func TestRunJobLogsFailuresBeforeStart(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	ctx := logger.New(logger.Config{Output: &buf, Format: "text"}).WithContext(context.Background())

	err := h.engine.RunJob(ctx, models.Job{ID: "j1", ChunkID: 404, Type: models.JobFetch}, models.OpFetch)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "chunk 404 (fetch)")
	assert.Contains(t, buf.String(), "job aborted before start: load")
	assert.Contains(t, buf.String(), "chunk=404")
	assert.Contains(t, buf.String(), "stage=fetch")

	c := h.put(models.Chunk{SinkID: "gone", ChunkID: "001"})
	err = h.engine.RunJob(ctx, models.Job{ID: "j2", ChunkID: c.ID, Type: models.JobImport}, models.OpImport)
	require.ErrorIs(t, err, sink.ErrUnknownSink)
	assert.Equal(t, models.StatusNew, h.chunk(c.ID).ImportStatus)
}
