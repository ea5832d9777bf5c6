// Package httpsink is the reference sink adapter: chunks come from an HTTP
// source, fetched bodies are kept in artifact storage and imports land in
// Postgres as one record per line.
package httpsink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"chunk-pipeline/internal/sink"
)

const maxLineBytes = 1 << 20

// Adapter implements sink.Adapter for one sink.
type Adapter struct {
	sinkID  string
	source  *Source
	storage Storage
	records Records
}

var _ sink.Adapter = (*Adapter)(nil)

func NewAdapter(sinkID string, source *Source, storage Storage, records Records) *Adapter {
	return &Adapter{sinkID: sinkID, source: source, storage: storage, records: records}
}

// ArtifactKey is the storage key of a chunk's fetched body.
func ArtifactKey(sinkID, chunkID string) string {
	return url.PathEscape(sinkID) + "/" + url.PathEscape(chunkID) + ".raw"
}

func (a *Adapter) Fetch(ctx context.Context, chunkID string) (sink.FetchResult, error) {
	tmp, err := os.CreateTemp("", "chunk-*")
	if err != nil {
		return sink.FetchResult{}, fmt.Errorf("spool chunk: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, version, err := a.source.Download(ctx, chunkID, tmp)
	if err != nil {
		return sink.FetchResult{}, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return sink.FetchResult{}, fmt.Errorf("rewind chunk: %w", err)
	}
	key := ArtifactKey(a.sinkID, chunkID)
	if err := a.storage.Put(ctx, key, tmp, size); err != nil {
		return sink.FetchResult{}, err
	}
	return sink.FetchResult{Size: size, Version: version, Artifact: key}, nil
}

func (a *Adapter) Import(ctx context.Context, chunkID, artifact string) (int64, error) {
	body, err := a.storage.Open(ctx, artifact)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var lines []string
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read artifact %s: %w", artifact, err)
	}
	return a.records.Replace(ctx, a.sinkID, chunkID, lines)
}

func (a *Adapter) DeleteFetched(ctx context.Context, chunkID, artifact string) error {
	if artifact == "" {
		artifact = ArtifactKey(a.sinkID, chunkID)
	}
	return a.storage.Delete(ctx, artifact)
}

func (a *Adapter) DeleteImported(ctx context.Context, chunkID string) error {
	return a.records.Delete(ctx, a.sinkID, chunkID)
}

func (a *Adapter) ChunkIDs(ctx context.Context) ([]string, error) {
	return a.source.ChunkIDs(ctx)
}

func (a *Adapter) ChunkVersion(ctx context.Context, chunkID string) (string, error) {
	return a.source.Version(ctx, chunkID)
}
