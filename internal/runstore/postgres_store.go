package runstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS smoke_runs (
    id TEXT PRIMARY KEY,
    idempotency_key TEXT,
    status TEXT NOT NULL,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS smoke_runs_idempotency_key
    ON smoke_runs (idempotency_key) WHERE idempotency_key IS NOT NULL;
`

const selectColumns = `id, COALESCE(idempotency_key, ''), status, status_code, response, error, created_at, expires_at`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Save upserts the record. A key held by an older, expired record moves to
// this one so the unique index never blocks reuse after the window.
func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	var key interface{}
	if record.IdempotencyKey != "" {
		key = record.IdempotencyKey
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if key != nil {
			if _, err := tx.Exec(ctx, `
UPDATE smoke_runs SET idempotency_key = NULL
WHERE idempotency_key = $1 AND id <> $2
`, key, record.ID); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `
INSERT INTO smoke_runs (id, idempotency_key, status, status_code, response, error, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET idempotency_key = EXCLUDED.idempotency_key,
    status = EXCLUDED.status,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    error = EXCLUDED.error,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, record.ID, key, record.Status, record.StatusCode, record.Response, record.Error, record.CreatedAt, record.ExpiresAt)
		return err
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM smoke_runs WHERE id = $1`, id)
	return scanRecord(row)
}

func (p *PostgresStore) FindByKey(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+selectColumns+`
FROM smoke_runs
WHERE idempotency_key = $1 AND expires_at > now()
`, key)
	return scanRecord(row)
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+selectColumns+`
FROM smoke_runs
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.IdempotencyKey, &rec.Status, &rec.StatusCode,
		&rec.Response, &rec.Error, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
