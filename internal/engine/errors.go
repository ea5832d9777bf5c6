package engine

import (
	"errors"
	"fmt"

	"chunk-pipeline/internal/queue"
	"chunk-pipeline/internal/sink"
)

var (
	// ErrChunkMismatch is returned when requested chunk ids do not all exist in the sink.
	ErrChunkMismatch = errors.New("chunk mismatch")
	// ErrUnknownOperation is returned for operations outside the supported set.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrSinkDisabled is returned when dispatching on a disabled sink.
	ErrSinkDisabled = errors.New("sink is disabled")
	// ErrChunkBusy is returned when removing a chunk that a batch still holds.
	ErrChunkBusy = errors.New("chunk is claimed by a batch")

	ErrUnknownSink   = sink.ErrUnknownSink
	ErrBatchNotFound = queue.ErrBatchNotFound
)

// ChunkMismatchError lists the requested ids that do not resolve to chunks of the sink.
type ChunkMismatchError struct {
	SinkID    string
	Requested int
	Found     int
	Missing   []int64
}

func (e *ChunkMismatchError) Error() string {
	return fmt.Sprintf("sink %s: %d chunks requested, %d found (missing %v)", e.SinkID, e.Requested, e.Found, e.Missing)
}

func (e *ChunkMismatchError) Is(target error) bool {
	return target == ErrChunkMismatch
}
