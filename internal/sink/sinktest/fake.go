// Package sinktest provides an in-memory sink adapter for tests.
package sinktest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chunk-pipeline/internal/sink"
)

// Adapter is a scriptable sink.Adapter. Hooks left nil succeed.
type Adapter struct {
	mu    sync.Mutex
	IDs   []string
	Calls []string

	FetchFn  func(ctx context.Context, chunkID string) (sink.FetchResult, error)
	ImportFn func(ctx context.Context, chunkID, artifact string) (int64, error)
	DeleteFn func(ctx context.Context, chunkID string) error
	// Versions overrides ChunkVersion results per chunk id.
	Versions map[string]string
	Delay    time.Duration
}

func (a *Adapter) record(op, chunkID string) {
	a.mu.Lock()
	a.Calls = append(a.Calls, op+":"+chunkID)
	a.mu.Unlock()
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.Delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.Delay):
		return nil
	}
}

// CallsSnapshot returns a copy of the recorded calls.
func (a *Adapter) CallsSnapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Calls...)
}

func (a *Adapter) Fetch(ctx context.Context, chunkID string) (sink.FetchResult, error) {
	a.record("fetch", chunkID)
	if err := a.wait(ctx); err != nil {
		return sink.FetchResult{}, err
	}
	if a.FetchFn != nil {
		return a.FetchFn(ctx, chunkID)
	}
	return sink.FetchResult{Size: 100, Version: "v-" + chunkID, Artifact: "raw/" + chunkID}, nil
}

func (a *Adapter) Import(ctx context.Context, chunkID, artifact string) (int64, error) {
	a.record("import", chunkID)
	if err := a.wait(ctx); err != nil {
		return 0, err
	}
	if a.ImportFn != nil {
		return a.ImportFn(ctx, chunkID, artifact)
	}
	return 10, nil
}

func (a *Adapter) DeleteFetched(ctx context.Context, chunkID, _ string) error {
	a.record("deleteFetched", chunkID)
	if a.DeleteFn != nil {
		return a.DeleteFn(ctx, chunkID)
	}
	return nil
}

func (a *Adapter) DeleteImported(ctx context.Context, chunkID string) error {
	a.record("deleteImported", chunkID)
	if a.DeleteFn != nil {
		return a.DeleteFn(ctx, chunkID)
	}
	return nil
}

func (a *Adapter) ChunkIDs(context.Context) ([]string, error) {
	a.record("list", "")
	if a.IDs == nil {
		return nil, fmt.Errorf("no chunk ids scripted")
	}
	return append([]string(nil), a.IDs...), nil
}

func (a *Adapter) ChunkVersion(_ context.Context, chunkID string) (string, error) {
	a.record("version", chunkID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.Versions[chunkID]; ok {
		return v, nil
	}
	return "v-" + chunkID, nil
}
