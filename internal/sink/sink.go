package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownSink is returned for sink ids missing from the registry.
var ErrUnknownSink = errors.New("unknown sink")

// Status controls what a sink may do.
type Status string

const (
	// StatusLive sinks materialize new chunks and accept every operation.
	StatusLive Status = "live"
	// StatusSuspended sinks keep their chunks but do not discover new ones.
	StatusSuspended Status = "suspended"
	// StatusDisabled sinks reject dispatch.
	StatusDisabled Status = "disabled"
)

// ParseStatus maps a configured status, defaulting to live.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case "", StatusLive:
		return StatusLive, nil
	case StatusSuspended, StatusDisabled:
		return Status(s), nil
	}
	return "", fmt.Errorf("invalid sink status %q", s)
}

// FetchResult describes fetched raw data.
type FetchResult struct {
	Size     int64
	Version  string
	Artifact string
}

// Adapter moves the data of one sink. Chunk ids are the source given ids.
type Adapter interface {
	// Fetch downloads the raw data of a chunk into storage.
	Fetch(ctx context.Context, chunkID string) (FetchResult, error)
	// Import loads a fetched artifact into the queryable store and returns the record count.
	Import(ctx context.Context, chunkID, artifact string) (int64, error)
	DeleteFetched(ctx context.Context, chunkID, artifact string) error
	DeleteImported(ctx context.Context, chunkID string) error
	// ChunkIDs enumerates the chunks the source currently offers.
	ChunkIDs(ctx context.Context) ([]string, error)
	// ChunkVersion returns the version the source currently holds for a chunk.
	ChunkVersion(ctx context.Context, chunkID string) (string, error)
}

// Info is the static description of a sink.
type Info struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      Status `json:"status"`
	SingleState bool   `json:"single_state"`
	// ImportSchedule is the cron expression for importing new chunks. Empty means never.
	ImportSchedule string `json:"import_schedule,omitempty"`
}

// Sink couples a sink description with its adapter.
type Sink struct {
	Info
	Adapter Adapter
}

// Registry holds the configured sinks.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]*Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]*Sink)}
}

// Register adds or replaces a sink.
func (r *Registry) Register(info Info, adapter Adapter) {
	if info.Status == "" {
		info.Status = StatusLive
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[info.ID] = &Sink{Info: info, Adapter: adapter}
}

// Get returns a registered sink.
func (r *Registry) Get(id string) (*Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[id]
	if !ok {
		return nil, fmt.Errorf("sink %q: %w", id, ErrUnknownSink)
	}
	return s, nil
}

// List returns the registered sinks sorted by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sinks))
	for _, s := range r.sinks {
		out = append(out, s.Info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
