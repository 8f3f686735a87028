package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresRepository is a Repository backed by a Postgres table.
//
// Compare-and-set updates are expressed as conditional UPDATEs on
// enrichment_version; a zero-row result maps to ErrVersionConflict.
type PostgresRepository struct {
	db *sql.DB
}

// OpenPostgres connects to Postgres and verifies the connection.
func OpenPostgres(connString string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepository wraps an existing connection pool.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

var _ Repository = (*PostgresRepository)(nil)

// Schema is the DDL for the tasks table. Migration tooling is out of scope;
// this is applied by EnsureSchema for dev setups.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id                 TEXT PRIMARY KEY,
    description        TEXT NOT NULL,
    category           TEXT,
    estimated_minutes  INTEGER CHECK (estimated_minutes >= 0),
    priority           TEXT CHECK (priority IN ('low', 'medium', 'high', 'urgent')),
    enrichment_status  TEXT NOT NULL DEFAULT 'pending',
    enrichment_version BIGINT NOT NULL DEFAULT 0,
    source_text_hash   TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// EnsureSchema creates the tasks table if it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Close closes the underlying pool.
func (r *PostgresRepository) Close() error { return r.db.Close() }

const taskColumns = `id, description, category, estimated_minutes, priority,
    enrichment_status, enrichment_version, source_text_hash, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" || t.Description == "" {
		return fmt.Errorf("%w: id and description required", ErrInvalidTask)
	}
	if t.EnrichmentStatus == "" {
		t.EnrichmentStatus = StatusPending
	}

	row := r.db.QueryRowContext(ctx, `
        INSERT INTO tasks (id, description, enrichment_status, enrichment_version)
        VALUES ($1, $2, $3, $4)
        RETURNING created_at, updated_at`,
		t.ID, t.Description, t.EnrichmentStatus, t.EnrichmentVersion)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	return t, nil
}

func (r *PostgresRepository) Update(ctx context.Context, t *Task, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE tasks
           SET description        = $1,
               category           = $2,
               estimated_minutes  = $3,
               priority           = $4,
               enrichment_status  = $5,
               enrichment_version = $6,
               source_text_hash   = $7,
               updated_at         = now()
         WHERE id = $8 AND enrichment_version = $9`,
		t.Description, t.Category, t.EstimatedMinutes, priorityValue(t.Priority),
		t.EnrichmentStatus, t.EnrichmentVersion, t.SourceTextHash,
		t.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	if n == 0 {
		// Either the row is gone or the version moved underneath us.
		if _, getErr := r.Get(ctx, t.ID); errors.Is(getErr, ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
		}
		return fmt.Errorf("%w: task %s expected version %d",
			ErrVersionConflict, t.ID, expectedVersion)
	}
	return nil
}

func (r *PostgresRepository) TransitionStatus(ctx context.Context, id string, from, to EnrichmentStatus, expectedVersion int64) (*Task, error) {
	row := r.db.QueryRowContext(ctx, `
        UPDATE tasks
           SET enrichment_status = $1,
               updated_at        = now()
         WHERE id = $2
           AND enrichment_status = $3
           AND enrichment_version = $4
        RETURNING `+taskColumns, to, id, from, expectedVersion)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: task %s not %s at version %d",
			ErrVersionConflict, id, from, expectedVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("transitioning task %s: %w", id, err)
	}
	return t, nil
}

func (r *PostgresRepository) UpdateDescription(ctx context.Context, id, description string) (*Task, error) {
	if description == "" {
		return nil, fmt.Errorf("%w: description required", ErrInvalidTask)
	}

	row := r.db.QueryRowContext(ctx, `
        UPDATE tasks
           SET description        = $1,
               enrichment_version = enrichment_version + 1,
               enrichment_status  = 'pending',
               updated_at         = now()
         WHERE id = $2
        RETURNING `+taskColumns, description, id)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("editing task %s: %w", id, err)
	}
	return t, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Task, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return out, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var (
		t        Task
		priority sql.NullString
	)
	err := s.Scan(&t.ID, &t.Description, &t.Category, &t.EstimatedMinutes,
		&priority, &t.EnrichmentStatus, &t.EnrichmentVersion,
		&t.SourceTextHash, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if priority.Valid {
		p := Priority(priority.String)
		t.Priority = &p
	}
	return &t, nil
}

func priorityValue(p *Priority) any {
	if p == nil {
		return nil
	}
	return string(*p)
}
