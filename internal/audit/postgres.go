package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS sovereign_audit_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		op TEXT NOT NULL DEFAULT '',
		key TEXT NOT NULL DEFAULT '',
		root TEXT NOT NULL DEFAULT '',
		sequence BIGINT NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)
`

// PostgresSink appends events to a PostgreSQL table through a pgx pool.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) Record(ctx context.Context, ev Event) error {
	ev = prepare(ev)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sovereign_audit_events (id, type, op, key, root, sequence, success, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, string(ev.Type), ev.Op, ev.Key, ev.Root, int64(ev.Sequence), ev.Success, ev.Detail, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
