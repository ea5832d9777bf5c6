package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"chunk-pipeline/internal/models"
)

// ErrNotFound is returned when a chunk or batch sink row does not exist.
var ErrNotFound = errors.New("not found")

// Claim asks for a chunk's stage batch links to be set.
type Claim struct {
	ChunkID int64
	Fetch   bool
	Import  bool
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for sibling packages sharing the database.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const chunkColumns = `id, sink_id, chunk_id,
	fetch_status, fetch_size, fetch_message, fetch_version, fetch_artifact, fetch_batch, fetched_at,
	import_status, import_size, import_message, import_version, import_batch, imported_at,
	created_at, updated_at`

// stageColumns maps a stage onto its column names. Values are constants, never user input.
type stageColumns struct {
	status, size, message, version, batch, at string
}

var columnsOf = map[models.Stage]stageColumns{
	models.StageFetch:  {"fetch_status", "fetch_size", "fetch_message", "fetch_version", "fetch_batch", "fetched_at"},
	models.StageImport: {"import_status", "import_size", "import_message", "import_version", "import_batch", "imported_at"},
}

func scanChunk(row pgx.Row) (models.Chunk, error) {
	var c models.Chunk
	var fetchStatus, importStatus string
	var fetchSize, importSize pgtype.Int8
	var fetchMsg, fetchVer, fetchArt, fetchBatch pgtype.Text
	var importMsg, importVer, importBatch pgtype.Text
	var fetchedAt, importedAt pgtype.Timestamptz

	err := row.Scan(&c.ID, &c.SinkID, &c.ChunkID,
		&fetchStatus, &fetchSize, &fetchMsg, &fetchVer, &fetchArt, &fetchBatch, &fetchedAt,
		&importStatus, &importSize, &importMsg, &importVer, &importBatch, &importedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return models.Chunk{}, err
	}
	c.FetchStatus = models.Status(fetchStatus)
	c.FetchSize = int8Ptr(fetchSize)
	c.FetchMessage = textPtr(fetchMsg)
	c.FetchVersion = textPtr(fetchVer)
	c.FetchArtifact = textPtr(fetchArt)
	c.FetchBatch = textPtr(fetchBatch)
	c.FetchedAt = timePtr(fetchedAt)
	c.ImportStatus = models.Status(importStatus)
	c.ImportSize = int8Ptr(importSize)
	c.ImportMessage = textPtr(importMsg)
	c.ImportVersion = textPtr(importVer)
	c.ImportBatch = textPtr(importBatch)
	c.ImportedAt = timePtr(importedAt)
	return c, nil
}

func (s *Store) queryChunks(ctx context.Context, sql string, args ...any) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()
	var out []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChunk fetches a chunk by internal id.
func (s *Store) GetChunk(ctx context.Context, id int64) (models.Chunk, error) {
	c, err := scanChunk(s.pool.QueryRow(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Chunk{}, fmt.Errorf("chunk %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	return c, nil
}

// GetChunks returns the chunks among ids that belong to sinkID.
func (s *Store) GetChunks(ctx context.Context, sinkID string, ids []int64) ([]models.Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE sink_id = $1 AND id = ANY($2) ORDER BY id`, sinkID, ids)
}

// ListChunks pages through a sink's chunks, newest chunk id first.
func (s *Store) ListChunks(ctx context.Context, sinkID string, limit, offset int) ([]models.Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE sink_id = $1 ORDER BY chunk_id DESC LIMIT $2 OFFSET $3`, sinkID, limit, offset)
}

// ListLinked returns every chunk carrying a batch link.
func (s *Store) ListLinked(ctx context.Context) ([]models.Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE fetch_batch IS NOT NULL OR import_batch IS NOT NULL`)
}

// ListInProgress returns every chunk with a stage in progress.
func (s *Store) ListInProgress(ctx context.Context) ([]models.Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE fetch_status = $1 OR import_status = $1`, string(models.StatusInProgress))
}

// SaveStage persists one stage of a chunk. Columns of the other stage are untouched.
func (s *Store) SaveStage(ctx context.Context, c models.Chunk, stage models.Stage) error {
	cols := columnsOf[stage]
	args := []any{c.ID, string(c.FetchStatus), c.FetchSize, c.FetchMessage, c.FetchVersion, c.FetchBatch, c.FetchedAt}
	if stage == models.StageImport {
		args = []any{c.ID, string(c.ImportStatus), c.ImportSize, c.ImportMessage, c.ImportVersion, c.ImportBatch, c.ImportedAt}
	}
	sql := `UPDATE chunks SET ` + cols.status + ` = $2, ` + cols.size + ` = $3, ` + cols.message + ` = $4, ` +
		cols.version + ` = $5, ` + cols.batch + ` = $6, ` + cols.at + ` = $7, updated_at = NOW()`
	if stage == models.StageFetch {
		sql += `, fetch_artifact = $8`
		args = append(args, c.FetchArtifact)
	}
	sql += ` WHERE id = $1`
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("save %s stage of chunk %d: %w", stage, c.ID, err)
	}
	return nil
}

// ClaimChunks links the requested stages of unclaimed chunks to batchID and
// returns the ids that were actually claimed. Chunks already linked to any
// batch are left alone.
func (s *Store) ClaimChunks(ctx context.Context, sinkID, batchID string, claims []Claim) ([]int64, error) {
	var fetchIDs, importIDs []int64
	for _, c := range claims {
		if c.Fetch {
			fetchIDs = append(fetchIDs, c.ChunkID)
		}
		if c.Import {
			importIDs = append(importIDs, c.ChunkID)
		}
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE chunks
		SET fetch_batch = CASE WHEN id = ANY($3) THEN $2 ELSE fetch_batch END,
		    import_batch = CASE WHEN id = ANY($4) THEN $2 ELSE import_batch END,
		    updated_at = NOW()
		WHERE sink_id = $1
		  AND (id = ANY($3) OR id = ANY($4))
		  AND fetch_batch IS NULL AND import_batch IS NULL
		RETURNING id
	`, sinkID, batchID, fetchIDs, importIDs)
	if err != nil {
		return nil, fmt.Errorf("claim chunks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("collect claimed chunks: %w", err)
	}
	return ids, nil
}

// ReleaseBatch strips batchID from every chunk stage that is not in progress.
func (s *Store) ReleaseBatch(ctx context.Context, batchID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chunks
		SET fetch_batch = CASE WHEN fetch_batch = $1 AND fetch_status <> $2 THEN NULL ELSE fetch_batch END,
		    import_batch = CASE WHEN import_batch = $1 AND import_status <> $2 THEN NULL ELSE import_batch END
		WHERE (fetch_batch = $1 AND fetch_status <> $2)
		   OR (import_batch = $1 AND import_status <> $2)
	`, batchID, string(models.StatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("release batch %s: %w", batchID, err)
	}
	return tag.RowsAffected(), nil
}

// ClearBatchLinks drops the links of a chunk that point at one of batchIDs.
func (s *Store) ClearBatchLinks(ctx context.Context, chunkID int64, batchIDs []string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chunks
		SET fetch_batch = CASE WHEN fetch_batch = ANY($2) THEN NULL ELSE fetch_batch END,
		    import_batch = CASE WHEN import_batch = ANY($2) THEN NULL ELSE import_batch END
		WHERE id = $1 AND (fetch_batch = ANY($2) OR import_batch = ANY($2))
	`, chunkID, batchIDs)
	if err != nil {
		return false, fmt.Errorf("clear batch links of chunk %d: %w", chunkID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkStalled fails a stage that has been in progress since before cutoff.
func (s *Store) MarkStalled(ctx context.Context, chunkID int64, stage models.Stage, cutoff time.Time, message string) (bool, error) {
	cols := columnsOf[stage]
	tag, err := s.pool.Exec(ctx, `
		UPDATE chunks
		SET `+cols.status+` = $2, `+cols.message+` = $3, updated_at = NOW()
		WHERE id = $1 AND `+cols.status+` = $4 AND updated_at < $5
	`, chunkID, string(models.StatusFailed), message, string(models.StatusInProgress), cutoff)
	if err != nil {
		return false, fmt.Errorf("mark chunk %d %s stalled: %w", chunkID, stage, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetImports sets the import stage of every other imported chunk of a sink back to new.
func (s *Store) ResetImports(ctx context.Context, sinkID string, exceptID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE chunks
		SET import_status = $3, import_size = NULL, import_message = NULL,
		    import_version = NULL, imported_at = NULL, updated_at = NOW()
		WHERE sink_id = $1 AND id <> $2 AND import_status <> $3
	`, sinkID, exceptID, string(models.StatusNew))
	if err != nil {
		return 0, fmt.Errorf("reset imports of sink %s: %w", sinkID, err)
	}
	return tag.RowsAffected(), nil
}

// ExistingChunkIDs lists the source chunk ids already materialized for a sink.
func (s *Store) ExistingChunkIDs(ctx context.Context, sinkID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT chunk_id FROM chunks WHERE sink_id = $1 ORDER BY chunk_id`, sinkID)
	if err != nil {
		return nil, fmt.Errorf("query chunk ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect chunk ids: %w", err)
	}
	return ids, nil
}

// InsertChunkIDs creates chunk rows for new source ids, ignoring existing ones.
func (s *Store) InsertChunkIDs(ctx context.Context, sinkID string, chunkIDs []string) (int64, error) {
	if len(chunkIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO chunks (sink_id, chunk_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (sink_id, chunk_id) DO NOTHING
	`, sinkID, chunkIDs)
	if err != nil {
		return 0, fmt.Errorf("insert chunk ids: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RemoveChunk deletes a chunk row. Administrative use only.
func (s *Store) RemoveChunk(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove chunk %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("chunk %d: %w", id, ErrNotFound)
	}
	return nil
}

// PutBatchSink records which sink a batch works on.
func (s *Store) PutBatchSink(ctx context.Context, batchID, sinkID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batch_sinks (batch_id, sink_id, created_at) VALUES ($1, $2, NOW())
		ON CONFLICT (batch_id) DO UPDATE SET sink_id = EXCLUDED.sink_id
	`, batchID, sinkID)
	if err != nil {
		return fmt.Errorf("insert batch sink: %w", err)
	}
	return nil
}

// GetBatchSink returns the sink row of a batch.
func (s *Store) GetBatchSink(ctx context.Context, batchID string) (models.BatchSink, error) {
	var bs models.BatchSink
	err := s.pool.QueryRow(ctx, `SELECT batch_id, sink_id, created_at FROM batch_sinks WHERE batch_id = $1`, batchID).
		Scan(&bs.BatchID, &bs.SinkID, &bs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BatchSink{}, fmt.Errorf("batch sink %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return models.BatchSink{}, fmt.Errorf("scan batch sink: %w", err)
	}
	return bs, nil
}

// DeleteBatchSink removes a batch sink row. Missing rows are not an error.
func (s *Store) DeleteBatchSink(ctx context.Context, batchID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM batch_sinks WHERE batch_id = $1`, batchID); err != nil {
		return fmt.Errorf("delete batch sink: %w", err)
	}
	return nil
}

// ListBatchSinks returns batch sink rows, optionally restricted to one sink.
func (s *Store) ListBatchSinks(ctx context.Context, sinkID string) ([]models.BatchSink, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, sink_id, created_at FROM batch_sinks
		WHERE $1 = '' OR sink_id = $1
		ORDER BY created_at
	`, sinkID)
	if err != nil {
		return nil, fmt.Errorf("query batch sinks: %w", err)
	}
	defer rows.Close()
	var out []models.BatchSink
	for rows.Next() {
		var bs models.BatchSink
		if err := rows.Scan(&bs.BatchID, &bs.SinkID, &bs.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan batch sink: %w", err)
		}
		out = append(out, bs)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, chunkID int64, stage models.Stage, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chunk_audit (chunk_id, stage, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, chunkID, string(stage), event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func int8Ptr(i pgtype.Int8) *int64 {
	if i.Valid {
		return &i.Int64
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		return &t.Time
	}
	return nil
}
