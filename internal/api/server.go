package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chunk-pipeline/internal/broadcast"
	"chunk-pipeline/internal/engine"
	"chunk-pipeline/internal/logger"
	"chunk-pipeline/internal/models"
	"chunk-pipeline/internal/queue"
	"chunk-pipeline/internal/ratelimit"
	"chunk-pipeline/internal/sink"
	"chunk-pipeline/internal/telemetry"
)

// Engine is the operation surface the API exposes.
type Engine interface {
	Sinks() []sink.Info
	ListChunks(ctx context.Context, sinkID string, limit, offset int) ([]engine.ChunkView, error)
	ChunkDetail(ctx context.Context, sinkID string, id int64) (engine.ChunkView, error)
	RemoveChunk(ctx context.Context, sinkID string, id int64) error
	Dispatch(ctx context.Context, req engine.DispatchRequest) (*string, error)
	ImportNewChunks(ctx context.Context, sinkID string, scan int) (*string, error)
	RefreshChunks(ctx context.Context, sinkID string) (int64, error)
	ListActiveBatches(ctx context.Context, sinkID string) ([]models.BatchStatus, error)
	BatchStatus(ctx context.Context, batchID string) (models.BatchStatus, error)
	CancelBatch(ctx context.Context, batchID string) (bool, error)
	Lint(ctx context.Context) (engine.LintReport, error)
}

// FailedJobs reads the failed job list.
type FailedJobs interface {
	FailedPeek(ctx context.Context, count int64) ([]queue.FailedJob, error)
}

// Limiter throttles dispatches per sink.
type Limiter interface {
	AllowDispatch(ctx context.Context, sinkID string) (ratelimit.Decision, error)
}

// Events streams broadcast events.
type Events interface {
	Subscribe(ctx context.Context) (<-chan broadcast.Event, error)
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	engine  Engine
	failed  FailedJobs
	limiter Limiter
	events  Events
	log     *logger.Logger
}

// New constructs the API server. limiter and events may be nil.
func New(eng Engine, failed FailedJobs, limiter Limiter, events Events, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		engine:  eng,
		failed:  failed,
		limiter: limiter,
		events:  events,
		log:     log.Component("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/sinks", s.handleSinks)
	r.Route("/sinks/{sinkID}", func(r chi.Router) {
		r.Get("/chunks", s.handleListChunks)
		r.Get("/chunks/{id}", s.handleChunk)
		r.Delete("/chunks/{id}", s.handleRemoveChunk)
		r.Post("/dispatch", s.handleDispatch)
		r.Post("/import-new", s.handleImportNew)
		r.Post("/refresh", s.handleRefresh)
	})

	r.Get("/batches", s.handleBatches)
	r.Get("/batches/stream", s.handleStream)
	r.Get("/batches/{id}", s.handleBatch)
	r.Delete("/batches/{id}", s.handleCancel)

	r.Post("/lint", s.handleLint)
	r.Get("/failed", s.handleFailed)
	return r
}

type dispatchRequest struct {
	Operation   string  `json:"operation"`
	ChunkIDs    []int64 `json:"chunk_ids"`
	ForceFetch  bool    `json:"force_fetch"`
	ForceImport bool    `json:"force_import"`
}

// dispatchResponse carries a null batch id when nothing was eligible.
type dispatchResponse struct {
	BatchID *string `json:"batch_id"`
}

func (s *Server) handleSinks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sinks": s.engine.Sinks()})
}

func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	chunks, err := s.engine.ListChunks(r.Context(), chi.URLParam(r, "sinkID"), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chunk id", http.StatusBadRequest)
		return
	}
	view, err := s.engine.ChunkDetail(r.Context(), chi.URLParam(r, "sinkID"), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRemoveChunk(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid chunk id", http.StatusBadRequest)
		return
	}
	if err := s.engine.RemoveChunk(r.Context(), chi.URLParam(r, "sinkID"), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	op, err := models.ParseOperation(req.Operation)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.ChunkIDs) == 0 {
		http.Error(w, "chunk_ids is required", http.StatusBadRequest)
		return
	}
	sinkID := chi.URLParam(r, "sinkID")
	if !s.allow(w, r, sinkID) {
		return
	}
	batchID, err := s.engine.Dispatch(r.Context(), engine.DispatchRequest{
		SinkID:      sinkID,
		Operation:   op,
		ChunkIDs:    req.ChunkIDs,
		ForceFetch:  req.ForceFetch,
		ForceImport: req.ForceImport,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeDispatched(w, batchID)
}

func (s *Server) handleImportNew(w http.ResponseWriter, r *http.Request) {
	scan, err := queryInt(r, "scan", engine.DefaultNewChunkScan)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sinkID := chi.URLParam(r, "sinkID")
	if !s.allow(w, r, sinkID) {
		return
	}
	batchID, err := s.engine.ImportNewChunks(r.Context(), sinkID, scan)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeDispatched(w, batchID)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RefreshChunks(r.Context(), chi.URLParam(r, "sinkID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"discovered": n})
}

// allow applies the per sink dispatch limit. Limiter errors let the request through.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, sinkID string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.AllowDispatch(r.Context(), sinkID)
	if err != nil {
		s.log.WithError(err).WithField(logger.FieldSink, sinkID).Warn("rate limiter unavailable")
		return true
	}
	if d.Allowed {
		return true
	}
	telemetry.RateLimitRejects.Inc()
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
	http.Error(w, "rate limited", http.StatusTooManyRequests)
	return false
}

func writeDispatched(w http.ResponseWriter, batchID *string) {
	code := http.StatusAccepted
	if batchID == nil {
		code = http.StatusOK
	}
	writeJSON(w, code, dispatchResponse{BatchID: batchID})
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.engine.ListActiveBatches(r.Context(), r.URL.Query().Get("sink"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.BatchStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.engine.CancelBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (s *Server) handleLint(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Lint(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", 100)
	if err == nil && count < 1 {
		err = fmt.Errorf("count must be at least 1")
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	items, err := s.failed.FailedPeek(r.Context(), int64(count))
	if err != nil {
		http.Error(w, "failed to read failed jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// writeError maps engine errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrChunkMismatch):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrUnknownSink), errors.Is(err, engine.ErrBatchNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrUnknownOperation):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrSinkDisabled), errors.Is(err, engine.ErrChunkBusy):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		http.Error(w, "internal error", code)
		return
	}
	http.Error(w, err.Error(), code)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
