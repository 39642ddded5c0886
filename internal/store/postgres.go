package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store as a single JSONB "documents" table,
// partitioned by a collection column, matching the teacher's
// pgxpool-backed connection handling (internal/db/db.go) generalized
// from fixed account columns to an arbitrary JSON document.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pgx pool for goose migrations.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Insert(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document %s/%s: %w", collection, id, err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)`,
		collection, id, data,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inserting %s/%s: %w", collection, id, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) Upsert(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document %s/%s: %w", collection, id, err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (collection, id) DO UPDATE SET data = $3, updated_at = now()`,
		collection, id, data,
	)
	if err != nil {
		return fmt.Errorf("upserting %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) UpdateFields(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshaling field patch for %s/%s: %w", collection, id, err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		 WHERE collection = $1 AND id = $2`,
		collection, id, patch,
	)
	if err != nil {
		return fmt.Errorf("updating fields on %s/%s: %w", collection, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating fields on %s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) FindByID(ctx context.Context, collection, id string, out any) error {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("finding %s/%s: %w", collection, id, ErrNotFound)
		}
		return fmt.Errorf("finding %s/%s: %w", collection, id, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshaling %s/%s: %w", collection, id, err)
	}
	return nil
}

func (p *Postgres) FindOneByField(ctx context.Context, collection, field string, value any, out any) error {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND data->>$2 = $3 LIMIT 1`,
		collection, field, fmt.Sprintf("%v", value),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("finding %s by %s=%v: %w", collection, field, value, ErrNotFound)
		}
		return fmt.Errorf("finding %s by %s=%v: %w", collection, field, value, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshaling %s by %s=%v: %w", collection, field, value, err)
	}
	return nil
}

func (p *Postgres) Iterate(ctx context.Context, collection string, fn func(id string, raw []byte) error) error {
	rows, err := p.pool.Query(ctx,
		`SELECT id, data FROM documents WHERE collection = $1 ORDER BY id`,
		collection,
	)
	if err != nil {
		return fmt.Errorf("iterating %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return fmt.Errorf("scanning %s row: %w", collection, err)
		}
		if err := fn(id, raw); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating %s: %w", collection, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
