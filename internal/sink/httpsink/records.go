package httpsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Records is the queryable store imported chunks land in.
type Records interface {
	// Replace swaps the records of a chunk for lines and returns how many were written.
	Replace(ctx context.Context, sinkID, chunkID string, lines []string) (int64, error)
	Delete(ctx context.Context, sinkID, chunkID string) error
}

// PostgresRecords keeps records in the sink_records table.
type PostgresRecords struct {
	pool      *pgxpool.Pool
	batchRows int
}

// NewPostgresRecords copies rows in slices of batchRows.
func NewPostgresRecords(pool *pgxpool.Pool, batchRows int) *PostgresRecords {
	if batchRows <= 0 {
		batchRows = 1000
	}
	return &PostgresRecords{pool: pool, batchRows: batchRows}
}

var recordColumns = []string{"sink_id", "chunk_id", "line_no", "payload"}

func (p *PostgresRecords) Replace(ctx context.Context, sinkID, chunkID string, lines []string) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM sink_records WHERE sink_id = $1 AND chunk_id = $2`, sinkID, chunkID); err != nil {
		return 0, fmt.Errorf("clear records: %w", err)
	}

	var total int64
	for start := 0; start < len(lines); start += p.batchRows {
		end := min(start+p.batchRows, len(lines))
		rows := make([][]any, 0, end-start)
		for i := start; i < end; i++ {
			rows = append(rows, []any{sinkID, chunkID, int32(i + 1), lines[i]})
		}
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"sink_records"}, recordColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return total, fmt.Errorf("copy records: %w", err)
		}
		total += n
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return total, nil
}

func (p *PostgresRecords) Delete(ctx context.Context, sinkID, chunkID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sink_records WHERE sink_id = $1 AND chunk_id = $2`, sinkID, chunkID); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}
