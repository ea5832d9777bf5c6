package models

import (
	"time"
)

// JobType names the handler a queued job is routed to.
const (
	JobFetch          = "chunk:fetch"
	JobImport         = "chunk:import"
	JobDeleteFetched  = "chunk:delete_fetched"
	JobDeleteImported = "chunk:delete_imported"
)

// Job is a unit of batch work held by the queue.
type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	BatchID   string    `json:"batch_id"`
	ChunkID   int64     `json:"chunk_id"`
	Next      string    `json:"next,omitempty"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog is a simple audit event row for chunk stage transitions.
type AuditLog struct {
	ChunkID  int64     `json:"chunk_id"`
	Stage    Stage     `json:"stage"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
