package models

import (
	"time"
)

// Status enumerates the lifecycle of a single chunk stage persisted in Postgres.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
	StatusFailed     Status = "failed"
)

// IsValid reports whether s is one of the known stage states.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusInProgress, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// Stage is one of the two ingestion steps a chunk goes through.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageImport Stage = "import"
)

// StalledMessage is stored on a stage the linter found stuck in progress.
const StalledMessage = "Operation has stalled or an invalid chunk state is detected."

// Chunk is the smallest independently fetchable/importable unit of a sink.
type Chunk struct {
	ID      int64  `json:"id"`
	ChunkID string `json:"chunk_id"`
	SinkID  string `json:"sink_id"`

	FetchStatus   Status     `json:"fetch_status"`
	FetchSize     *int64     `json:"fetch_size,omitempty"`
	FetchMessage  *string    `json:"fetch_message,omitempty"`
	FetchVersion  *string    `json:"fetch_version,omitempty"`
	FetchArtifact *string    `json:"fetch_artifact,omitempty"`
	FetchBatch    *string    `json:"fetch_batch,omitempty"`
	FetchedAt     *time.Time `json:"fetched_at,omitempty"`

	ImportStatus  Status     `json:"import_status"`
	ImportSize    *int64     `json:"import_size,omitempty"`
	ImportMessage *string    `json:"import_message,omitempty"`
	ImportVersion *string    `json:"import_version,omitempty"`
	ImportBatch   *string    `json:"import_batch,omitempty"`
	ImportedAt    *time.Time `json:"imported_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageStatus returns the status of the given stage.
func (c *Chunk) StageStatus(stage Stage) Status {
	if stage == StageFetch {
		return c.FetchStatus
	}
	return c.ImportStatus
}

// StageBatch returns the batch link of the given stage, or "" when unlinked.
func (c *Chunk) StageBatch(stage Stage) string {
	if stage == StageFetch {
		return deref(c.FetchBatch)
	}
	return deref(c.ImportBatch)
}

// ResetStage wipes the outcome of a stage and sets it to status. The batch link is kept.
func (c *Chunk) ResetStage(stage Stage, status Status) {
	if stage == StageFetch {
		c.FetchStatus = status
		c.FetchMessage = nil
		c.FetchSize = nil
		c.FetchVersion = nil
		c.FetchedAt = nil
		return
	}
	c.ImportStatus = status
	c.ImportMessage = nil
	c.ImportSize = nil
	c.ImportVersion = nil
	c.ImportedAt = nil
}

// SetStageStatus sets status and message on a stage.
func (c *Chunk) SetStageStatus(stage Stage, status Status, message *string) {
	if stage == StageFetch {
		c.FetchStatus = status
		c.FetchMessage = message
		return
	}
	c.ImportStatus = status
	c.ImportMessage = message
}

// ClearStageBatch drops the batch link of a stage.
func (c *Chunk) ClearStageBatch(stage Stage) {
	if stage == StageFetch {
		c.FetchBatch = nil
		return
	}
	c.ImportBatch = nil
}

// Predicates below are computed from the snapshot and never persisted.

// NotInBatch reports whether the chunk is not claimed by any batch.
func (c *Chunk) NotInBatch() bool {
	return deref(c.FetchBatch) == "" && deref(c.ImportBatch) == ""
}

// IsModified reports whether the fetched data changed since the last import.
func (c *Chunk) IsModified() bool {
	return c.FetchStatus == StatusFinished &&
		c.ImportStatus == StatusFinished &&
		deref(c.FetchVersion) != deref(c.ImportVersion)
}

// NeedFetch reports whether the chunk has no usable fetched data.
func (c *Chunk) NeedFetch() bool {
	return c.NotInBatch() &&
		c.FetchStatus != StatusInProgress &&
		c.FetchStatus != StatusFinished
}

// CanFetch is the forced variant of NeedFetch: anything not currently fetching.
func (c *Chunk) CanFetch() bool {
	return c.NotInBatch() && c.FetchStatus != StatusInProgress
}

// NeedImport reports whether the imported data is missing or out of date.
func (c *Chunk) NeedImport() bool {
	if !c.NotInBatch() {
		return false
	}
	pending := c.FetchStatus != StatusInProgress &&
		c.ImportStatus != StatusInProgress &&
		c.ImportStatus != StatusFinished
	return pending || c.IsModified()
}

// CanImport is the forced variant of NeedImport.
func (c *Chunk) CanImport() bool {
	return c.NotInBatch() &&
		c.FetchStatus != StatusInProgress &&
		c.ImportStatus != StatusInProgress
}

// CanDeleteFetched reports whether fetched data may be removed. Data younger
// than retention is kept.
func (c *Chunk) CanDeleteFetched(now time.Time, retention time.Duration) bool {
	if !c.NotInBatch() {
		return false
	}
	if c.FetchStatus == StatusInProgress || c.FetchStatus == StatusNew {
		return false
	}
	if c.ImportStatus == StatusInProgress {
		return false
	}
	return c.FetchedAt == nil || !c.FetchedAt.After(now.Add(-retention))
}

// CanDeleteImported reports whether imported data may be removed.
func (c *Chunk) CanDeleteImported() bool {
	return c.NotInBatch() &&
		c.ImportStatus != StatusInProgress &&
		c.ImportStatus != StatusNew
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
