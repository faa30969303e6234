package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mohitkumar/nurture/model"
	"github.com/mohitkumar/nurture/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_log (
	id            BIGSERIAL PRIMARY KEY,
	enrollment_id TEXT        NOT NULL,
	node_id       TEXT        NOT NULL,
	occurred_at   TIMESTAMPTZ NOT NULL,
	outcome       TEXT        NOT NULL,
	detail        TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS execution_log_enrollment_idx ON execution_log (enrollment_id, id);
`

var columns = []string{"enrollment_id", "node_id", "occurred_at", "outcome", "detail"}

// ExecutionLog is an append-only execution log table. Rows are never updated
// or deleted, including when enrollments are archived.
type ExecutionLog struct {
	pool *pgxpool.Pool
}

var _ persistence.ExecutionLog = new(ExecutionLog)

func New(ctx context.Context, dsn string) (*ExecutionLog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	return &ExecutionLog{pool: pool}, nil
}

func (l *ExecutionLog) Append(ctx context.Context, entries ...model.ExecutionLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.EnrollmentId, e.NodeId, e.Timestamp, e.Outcome, e.Detail}
	}
	if _, err := l.pool.CopyFrom(ctx, pgx.Identifier{"execution_log"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (l *ExecutionLog) List(ctx context.Context, enrollmentId string) ([]model.ExecutionLogEntry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT enrollment_id, node_id, occurred_at, outcome, detail
		   FROM execution_log WHERE enrollment_id = $1 ORDER BY id`, enrollmentId)
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ExecutionLogEntry, error) {
		var e model.ExecutionLogEntry
		err := row.Scan(&e.EnrollmentId, &e.NodeId, &e.Timestamp, &e.Outcome, &e.Detail)
		return e, err
	})
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return out, nil
}

func (l *ExecutionLog) Close() {
	l.pool.Close()
}
